// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import "sync"

// Signal wakes backlog consumers blocked in Poll when records are appended.
// Waiters grab the channel before reading, so a Notify racing with the read
// is never lost.
type Signal struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

// NewSignal creates a new append signal.
func NewSignal() *Signal {
	return &Signal{chans: make(map[string]chan struct{})}
}

// Wait returns a channel that is closed on the next Notify for clientID.
func (s *Signal) Wait(clientID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.chans[clientID]
	if !ok {
		ch = make(chan struct{})
		s.chans[clientID] = ch
	}
	return ch
}

// Notify wakes every waiter of clientID.
func (s *Signal) Notify(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.chans[clientID]; ok {
		close(ch)
		delete(s.chans, clientID)
	}
}
