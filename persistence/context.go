// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// PackContext tracks the delivery outcome of every packet of one pack
// processing round. A packet is pending until it is acknowledged or its
// channel write fails.
type PackContext struct {
	id string

	mu        sync.Mutex
	pending   map[uint16]Entry
	failed    map[uint16]Entry
	acked     map[uint16]Entry
	submitted map[uint16]struct{}
	done      chan struct{}
	closed    bool
	changed   chan struct{}
}

// NewPackContext creates a context in which all entries are pending.
func NewPackContext(entries []Entry) *PackContext {
	c := &PackContext{
		id:        uuid.NewString(),
		pending:   make(map[uint16]Entry, len(entries)),
		failed:    make(map[uint16]Entry),
		acked:     make(map[uint16]Entry),
		submitted: make(map[uint16]struct{}, len(entries)),
		done:      make(chan struct{}),
		changed:   make(chan struct{}),
	}
	for _, e := range entries {
		c.pending[e.PacketID()] = e
	}
	c.checkDone()
	return c
}

// ID identifies the processing round in logs.
func (c *PackContext) ID() string {
	return c.id
}

// MarkSubmitted records that the packet was handed to the channel.
func (c *PackContext) MarkSubmitted(packetID uint16) {
	c.mu.Lock()
	c.submitted[packetID] = struct{}{}
	c.mu.Unlock()
}

// Submitted reports whether the packet was handed to the channel.
func (c *PackContext) Submitted(packetID uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.submitted[packetID]
	return ok
}

// OnSuccess marks the packet as acknowledged. A late ack of a failed packet
// still counts. Returns false if the packet is not part of this round.
func (c *PackContext) OnSuccess(packetID uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.pending[packetID]
	if ok {
		delete(c.pending, packetID)
	} else if e, ok = c.failed[packetID]; ok {
		delete(c.failed, packetID)
	} else {
		return false
	}

	c.acked[packetID] = e
	c.changedLocked()
	return true
}

// carryAcked marks as acknowledged the packets of c that prev saw
// acknowledged. Returns the number of packets carried over.
func (c *PackContext) carryAcked(prev *PackContext) int {
	prev.mu.Lock()
	ids := slices.Collect(maps.Keys(prev.acked))
	prev.mu.Unlock()

	n := 0
	for _, id := range ids {
		if c.OnSuccess(id) {
			n++
		}
	}
	return n
}

// OnFailure marks a pending packet as failed.
func (c *PackContext) OnFailure(packetID uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.pending[packetID]
	if !ok {
		return false
	}
	delete(c.pending, packetID)
	c.failed[packetID] = e
	c.changedLocked()
	return true
}

func (c *PackContext) changedLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
	c.checkDone()
}

func (c *PackContext) checkDone() {
	if !c.closed && len(c.pending) == 0 && len(c.failed) == 0 {
		c.closed = true
		close(c.done)
	}
}

// Await blocks until every packet is acknowledged or ctx is done.
// Returns true if the whole round was acknowledged.
func (c *PackContext) Await(ctx context.Context) bool {
	select {
	case <-c.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// AwaitPacket blocks until the packet is acknowledged, fails, or ctx is done.
// Returns true only for an acknowledged packet.
func (c *PackContext) AwaitPacket(ctx context.Context, packetID uint16) bool {
	for {
		c.mu.Lock()
		if _, ok := c.acked[packetID]; ok {
			c.mu.Unlock()
			return true
		}
		if _, ok := c.pending[packetID]; !ok {
			c.mu.Unlock()
			return false
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}

// Pending returns a copy of the packets still awaiting acknowledgement.
func (c *PackContext) Pending() map[uint16]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.pending)
}

// Unsent returns a copy of the pending packets that were never submitted.
func (c *PackContext) Unsent() map[uint16]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[uint16]Entry)
	for id, e := range c.pending {
		if _, ok := c.submitted[id]; !ok {
			out[id] = e
		}
	}
	return out
}

// Failed returns a copy of the packets whose channel write failed.
func (c *PackContext) Failed() map[uint16]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.failed)
}

// AckedCount returns the number of acknowledged packets.
func (c *PackContext) AckedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acked)
}
