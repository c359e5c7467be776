// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"bytes"
	"sync"
)

// Buffers grown beyond this are left to the GC instead of being pooled.
const maxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer from the pool.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns a buffer to the pool.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// Encode runs fn against a pooled buffer and returns a copy of what it wrote.
func Encode(fn func(*bytes.Buffer) error) ([]byte, error) {
	b := Get()
	defer Put(b)

	if err := fn(b); err != nil {
		return nil, err
	}
	return bytes.Clone(b.Bytes()), nil
}
