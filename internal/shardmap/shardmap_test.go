// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package shardmap

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapBasic(t *testing.T) {
	m := New[int]()

	m.Set("a", 1)
	m.Set("a", 2)
	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, m.Len())

	prev, loaded := m.Swap("a", 3)
	assert.True(t, loaded)
	assert.Equal(t, 2, prev)

	actual, loaded := m.LoadOrStore("a", 10)
	assert.True(t, loaded)
	assert.Equal(t, 3, actual)

	actual, loaded = m.LoadOrStore("b", 10)
	assert.False(t, loaded)
	assert.Equal(t, 10, actual)
	assert.Equal(t, 2, m.Len())

	assert.False(t, m.CompareAndDelete("b", func(v int) bool { return v == 11 }))
	assert.True(t, m.CompareAndDelete("b", func(v int) bool { return v == 10 }))

	v, ok = m.Delete("a")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
	_, ok = m.Delete("a")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestMapConcurrent(t *testing.T) {
	m := New[int]()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Set(fmt.Sprintf("k-%d-%d", i, j), j)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 800, m.Len())

	seen := 0
	m.ForEach(func(string, int) { seen++ })
	assert.Equal(t, 800, seen)
}
