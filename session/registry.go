// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "github.com/luthuanphong/tbmq/internal/shardmap"

// Registry resolves client ids to sessions.
type Registry interface {
	// Get returns nil if the client has no session.
	Get(clientID string) *Session
}

var _ Registry = (*Cache)(nil)

// Cache is an in-memory session registry sharded by client id.
type Cache struct {
	sessions *shardmap.Map[*Session]
}

// NewCache creates an empty session cache.
func NewCache() *Cache {
	return &Cache{sessions: shardmap.New[*Session]()}
}

// Get retrieves a session by client ID.
func (c *Cache) Get(clientID string) *Session {
	s, _ := c.sessions.Get(clientID)
	return s
}

// Set stores a session, replacing any previous session of the same client.
func (c *Cache) Set(s *Session) {
	c.sessions.Set(s.ClientID, s)
}

// Delete removes a session. Returns true if the session was present.
func (c *Cache) Delete(clientID string) bool {
	_, ok := c.sessions.Delete(clientID)
	return ok
}

// ForEach iterates over all sessions. The iteration order is not guaranteed.
func (c *Cache) ForEach(fn func(*Session)) {
	c.sessions.ForEach(func(_ string, s *Session) { fn(s) })
}

// Count returns the total number of sessions.
func (c *Cache) Count() int {
	return c.sessions.Len()
}

// ConnectedCount returns the number of connected sessions.
func (c *Cache) ConnectedCount() int {
	count := 0
	c.ForEach(func(s *Session) {
		if s.IsConnected() {
			count++
		}
	})
	return count
}
