// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package shardmap

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const numShards = 64

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map splits string-keyed values across multiple shards to reduce lock contention.
// Each shard has its own RWMutex so concurrent operations on different clients
// don't block each other.
type Map[V any] struct {
	shards [numShards]shard[V]
	count  atomic.Int64
}

// New creates a new sharded map.
func New[V any]() *Map[V] {
	m := &Map[V]{}
	for i := range m.shards {
		m.shards[i].items = make(map[string]V)
	}
	return m
}

func (m *Map[V]) shard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.shards[h.Sum32()%numShards]
}

// Get retrieves the value stored under key.
func (m *Map[V]) Get(key string) (V, bool) {
	s := m.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Set stores a value, replacing any previous one.
func (m *Map[V]) Set(key string, v V) {
	s := m.shard(key)
	s.mu.Lock()
	if _, exists := s.items[key]; !exists {
		m.count.Add(1)
	}
	s.items[key] = v
	s.mu.Unlock()
}

// Swap stores a value and returns the previous one, if any.
func (m *Map[V]) Swap(key string, v V) (prev V, loaded bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, loaded = s.items[key]
	if !loaded {
		m.count.Add(1)
	}
	s.items[key] = v
	return prev, loaded
}

// LoadOrStore returns the existing value for key if present.
// Otherwise it stores and returns v.
func (m *Map[V]) LoadOrStore(key string, v V) (actual V, loaded bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[key]; ok {
		return existing, true
	}
	s.items[key] = v
	m.count.Add(1)
	return v, false
}

// Delete removes the value stored under key and returns it.
func (m *Map[V]) Delete(key string) (V, bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if ok {
		delete(s.items, key)
		m.count.Add(-1)
	}
	return v, ok
}

// CompareAndDelete removes key only if eq reports the stored value matches.
func (m *Map[V]) CompareAndDelete(key string, eq func(V) bool) bool {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if !ok || !eq(v) {
		return false
	}
	delete(s.items, key)
	m.count.Add(-1)
	return true
}

// ForEach calls fn for every entry. Iteration order is not guaranteed.
// fn must not modify the map.
func (m *Map[V]) ForEach(fn func(key string, v V)) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		for k, v := range s.items {
			fn(k, v)
		}
		s.mu.RUnlock()
	}
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	return int(m.count.Load())
}
