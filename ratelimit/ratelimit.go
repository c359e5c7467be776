// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter rate limits outbound messages per client.
// A nil *ClientLimiter allows everything.
type ClientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter creates a per-client limiter.
// r is messages per second, burst is the burst allowance. Limiters of clients
// idle for two cleanup intervals are dropped; a cleanupInterval <= 0 disables
// the cleanup loop.
func NewClientLimiter(r float64, burst int, cleanupInterval time.Duration) *ClientLimiter {
	l := &ClientLimiter{
		limiters: make(map[string]*clientEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go l.cleanupLoop()
	}
	return l
}

// Allow reports whether one more message may be sent to the client now.
func (l *ClientLimiter) Allow(clientID string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	entry, exists := l.limiters[clientID]
	if !exists {
		entry = &clientEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[clientID] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove drops the limiter of a disconnected client.
func (l *ClientLimiter) Remove(clientID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, clientID)
	l.mu.Unlock()
}

// Len returns the number of tracked clients.
func (l *ClientLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *ClientLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now().Add(-l.cleanup * 2))
		case <-l.stopCh:
			return
		}
	}
}

func (l *ClientLimiter) removeStale(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, id)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *ClientLimiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
}
