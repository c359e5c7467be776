// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

func TestGetReturnsResetBuffer(t *testing.T) {
	b := Get()
	b.WriteString("hello")
	Put(b)

	b2 := Get()
	if b2.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", b2.Len())
	}
	Put(b2)
}

func TestPutDiscardsOversizedBuffer(t *testing.T) {
	b := Get()
	b.Grow(maxPooledCap + 1)
	Put(b) // should be discarded, not panic
}

func TestEncodeCopiesOutput(t *testing.T) {
	out, err := Encode(func(b *bytes.Buffer) error {
		b.WriteString("payload")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Reusing the pool must not change the returned slice.
	b := Get()
	b.WriteString("XXXXXXX")
	Put(b)

	if string(out) != "payload" {
		t.Fatalf("expected %q, got %q", "payload", out)
	}
}

func TestEncodeError(t *testing.T) {
	want := errors.New("boom")
	out, err := Encode(func(*bytes.Buffer) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if out != nil {
		t.Fatalf("expected nil output, got %q", out)
	}
}

func TestConcurrentEncode(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := Encode(func(b *bytes.Buffer) error {
				b.WriteString("concurrent test data")
				return nil
			})
			if err != nil || string(out) != "concurrent test data" {
				t.Errorf("unexpected result %q, %v", out, err)
			}
		}()
	}
	wg.Wait()
}
