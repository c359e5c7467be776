// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"cmp"
	"maps"
	"slices"

	"github.com/luthuanphong/tbmq/storage"
)

// maxPacketID bounds the packet ID space of durable deliveries.
const maxPacketID = 65535

// Entry is a backlog message bound to its durable offset. The message carries
// the packet ID derived from the offset.
type Entry struct {
	Message *storage.Message
	Offset  int64
}

// PacketID returns the outbound packet ID of the entry.
func (e Entry) PacketID() uint16 {
	return e.Message.PacketID
}

// redelivery returns the entry marked as a duplicate delivery.
func (e Entry) redelivery() Entry {
	if e.Message.Dup {
		return e
	}
	cp := *e.Message
	cp.Dup = true
	return Entry{Message: &cp, Offset: e.Offset}
}

// PacketIDFor maps a durable offset onto the MQTT packet ID space (1..65535).
// Offsets of one pack never collide as long as the pack holds at most 65535
// records.
func PacketIDFor(offset int64) uint16 {
	return uint16(offset%maxPacketID) + 1
}

func newEntries(records []storage.Record) []Entry {
	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, Entry{
			Message: r.Message.WithPacketID(PacketIDFor(r.Offset)),
			Offset:  r.Offset,
		})
	}
	return entries
}

// sortedEntries returns the values of m ordered by offset.
func sortedEntries(m map[uint16]Entry) []Entry {
	out := slices.Collect(maps.Values(m))
	slices.SortFunc(out, func(a, b Entry) int {
		return cmp.Compare(a.Offset, b.Offset)
	})
	return out
}
