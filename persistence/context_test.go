// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/luthuanphong/tbmq/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntries(offsets ...int64) []Entry {
	records := make([]storage.Record, 0, len(offsets))
	for _, off := range offsets {
		records = append(records, storage.Record{
			Message: &storage.Message{Topic: "a/b", QoS: 1},
			Offset:  off,
		})
	}
	return newEntries(records)
}

func TestPacketIDFor(t *testing.T) {
	tests := []struct {
		offset int64
		want   uint16
	}{
		{0, 1},
		{1, 2},
		{65533, 65534},
		{65534, 65535},
		{65535, 1},
		{65536, 2},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, PacketIDFor(tt.offset), "offset %d", tt.offset)
	}
}

func TestNewEntriesDoesNotMutateRecords(t *testing.T) {
	msg := &storage.Message{Topic: "a/b", QoS: 1}
	entries := newEntries([]storage.Record{{Message: msg, Offset: 7}})

	require.Len(t, entries, 1)
	assert.Equal(t, uint16(8), entries[0].PacketID())
	assert.Equal(t, uint16(0), msg.PacketID)
}

func TestPackContextAwaitAllAcked(t *testing.T) {
	pctx := NewPackContext(testEntries(1, 2))

	assert.True(t, pctx.OnSuccess(PacketIDFor(1)))
	assert.False(t, pctx.OnSuccess(PacketIDFor(1)), "duplicate ack")

	go pctx.OnSuccess(PacketIDFor(2))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.True(t, pctx.Await(ctx))
	assert.Empty(t, pctx.Pending())
	assert.Equal(t, 2, pctx.AckedCount())
}

func TestPackContextAwaitTimeout(t *testing.T) {
	pctx := NewPackContext(testEntries(1, 2))
	pctx.OnSuccess(PacketIDFor(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, pctx.Await(ctx))

	pending := pctx.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[PacketIDFor(2)].Offset)
}

func TestPackContextFailedBlocksCompletion(t *testing.T) {
	pctx := NewPackContext(testEntries(1))
	assert.True(t, pctx.OnFailure(PacketIDFor(1)))
	assert.False(t, pctx.OnFailure(PacketIDFor(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, pctx.Await(ctx))
	assert.Len(t, pctx.Failed(), 1)

	// A late ack still completes the round.
	assert.True(t, pctx.OnSuccess(PacketIDFor(1)))
	assert.True(t, pctx.Await(context.Background()))
	assert.Empty(t, pctx.Failed())
}

func TestPackContextEmpty(t *testing.T) {
	pctx := NewPackContext(nil)
	assert.True(t, pctx.Await(context.Background()))
	assert.NotEmpty(t, pctx.ID())
}

func TestPackContextAwaitPacket(t *testing.T) {
	pctx := NewPackContext(testEntries(1, 2))
	id := PacketIDFor(1)

	go func() {
		time.Sleep(10 * time.Millisecond)
		pctx.OnSuccess(id)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.True(t, pctx.AwaitPacket(ctx, id))

	pctx.OnFailure(PacketIDFor(2))
	assert.False(t, pctx.AwaitPacket(ctx, PacketIDFor(2)))
	assert.False(t, pctx.AwaitPacket(ctx, 999), "unknown packet")
}

func TestPackContextUnsent(t *testing.T) {
	pctx := NewPackContext(testEntries(1, 2, 3))
	pctx.MarkSubmitted(PacketIDFor(1))
	pctx.MarkSubmitted(PacketIDFor(2))
	pctx.OnSuccess(PacketIDFor(1))

	unsent := pctx.Unsent()
	require.Len(t, unsent, 1)
	assert.Contains(t, unsent, PacketIDFor(3))
	assert.True(t, pctx.Submitted(PacketIDFor(2)))
	assert.False(t, pctx.Submitted(PacketIDFor(3)))
}

func TestPackContextCarryAcked(t *testing.T) {
	prev := NewPackContext(testEntries(1, 2, 3))
	require.True(t, prev.OnSuccess(PacketIDFor(1)))

	next := NewPackContext(testEntries(2, 3))
	// Acknowledged after the previous round was analyzed.
	require.True(t, prev.OnSuccess(PacketIDFor(3)))

	assert.Equal(t, 1, next.carryAcked(prev))
	assert.Equal(t, 1, next.AckedCount())
	assert.Contains(t, next.Pending(), PacketIDFor(2))
	assert.NotContains(t, next.Pending(), PacketIDFor(3))
}
