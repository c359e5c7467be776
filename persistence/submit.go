// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"slices"
)

// Submit strategy names.
const (
	SubmitBurst      = "burst"
	SubmitSequential = "sequential"
)

// CommitFunc persists offset as the last processed backlog offset.
type CommitFunc func(offset int64) error

// SubmitStrategy decides how the entries of a pack are handed to the channel.
type SubmitStrategy interface {
	// Init resets the strategy to a freshly polled pack.
	Init(entries []Entry)

	// Pending returns the entries of the next processing round in offset order.
	Pending() []Entry

	// Process submits the pending entries through send. It returns early when
	// ctx is done.
	Process(ctx context.Context, pctx *PackContext, send func(Entry))

	// Update replaces the pending entries with the ones to reprocess.
	Update(reprocess map[uint16]Entry)

	// OnCommit commits the last offset of the pack.
	OnCommit() error
}

type pack struct {
	commit  CommitFunc
	pending []Entry
	last    int64
}

func (p *pack) Init(entries []Entry) {
	p.pending = slices.Clone(entries)
	p.last = 0
	if n := len(entries); n > 0 {
		p.last = entries[n-1].Offset
	}
}

func (p *pack) Pending() []Entry {
	return slices.Clone(p.pending)
}

func (p *pack) Update(reprocess map[uint16]Entry) {
	p.pending = sortedEntries(reprocess)
}

func (p *pack) OnCommit() error {
	if p.last == 0 || p.commit == nil {
		return nil
	}
	return p.commit(p.last)
}

// Burst submits all pending entries at once.
type Burst struct {
	pack
}

// NewBurst creates a burst submit strategy.
func NewBurst(commit CommitFunc) *Burst {
	return &Burst{pack: pack{commit: commit}}
}

func (b *Burst) Process(ctx context.Context, _ *PackContext, send func(Entry)) {
	for _, e := range b.pending {
		if ctx.Err() != nil {
			return
		}
		send(e)
	}
}

// Sequential submits one entry at a time and waits for its acknowledgement
// before sending the next. Processing stops at the first entry that is not
// acknowledged in time; the rest stay pending.
type Sequential struct {
	pack
}

// NewSequential creates a sequential submit strategy.
func NewSequential(commit CommitFunc) *Sequential {
	return &Sequential{pack: pack{commit: commit}}
}

func (s *Sequential) Process(ctx context.Context, pctx *PackContext, send func(Entry)) {
	for _, e := range s.pending {
		if ctx.Err() != nil {
			return
		}
		send(e)
		if !pctx.AwaitPacket(ctx, e.PacketID()) {
			return
		}
	}
}
