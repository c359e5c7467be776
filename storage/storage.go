// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrConsumerClosed = errors.New("backlog consumer closed")
	ErrConsumerBusy   = errors.New("backlog consumer already open")
)

// DefaultPartition is the only partition of a per-client backlog.
const DefaultPartition = 0

// Message represents a PUBLISH message routed through the broker.
// A Message is never mutated after construction; per-subscriber variants are
// produced with WithDelivery.
type Message struct {
	PublishTime time.Time
	Payload     []byte
	Properties  map[string]string
	Topic       string
	SenderID    string
	PacketID    uint16
	QoS         byte
	Retain      bool
	Dup         bool
}

// WithDelivery returns a copy of the message with the given QoS and retain flag.
// The payload is shared, not copied.
func (m *Message) WithDelivery(qos byte, retain bool) *Message {
	cp := *m
	cp.QoS = qos
	cp.Retain = retain
	return &cp
}

// WithPacketID returns a copy of the message carrying the given packet ID.
func (m *Message) WithPacketID(packetID uint16) *Message {
	cp := *m
	cp.PacketID = packetID
	return &cp
}

// CopyMessage creates a deep copy of a message.
func CopyMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}

	cp := *msg
	if len(msg.Payload) > 0 {
		cp.Payload = make([]byte, len(msg.Payload))
		copy(cp.Payload, msg.Payload)
	}
	if len(msg.Properties) > 0 {
		cp.Properties = make(map[string]string, len(msg.Properties))
		for k, v := range msg.Properties {
			cp.Properties[k] = v
		}
	}
	return &cp
}

// Record is a message read from a client backlog together with its offset.
type Record struct {
	Message *Message
	Offset  int64
}

// Backlog is the durable per-client message log consumed by the persistent
// delivery loops. Offsets are sequential per client starting at 1; an offset of
// 0 means nothing was committed yet.
type Backlog interface {
	// Append stores the message at the tail of the client's backlog and returns
	// the assigned offset.
	Append(ctx context.Context, clientID string, msg *Message) (int64, error)

	// Open returns a consumer positioned right after the last committed offset.
	// Only one consumer per client may be open at a time.
	Open(ctx context.Context, clientID string) (Consumer, error)

	// Delete removes the client's backlog, including its committed offset.
	Delete(ctx context.Context, clientID string) error

	// Close releases backend resources.
	Close() error
}

// Consumer reads one client's backlog in packs.
// The read position advances on Poll; only Commit makes it durable.
type Consumer interface {
	// Poll returns up to the configured number of records after the current read
	// position, waiting at most maxWait for new data. An empty result is not an
	// error.
	Poll(ctx context.Context, maxWait time.Duration) ([]Record, error)

	// Commit persists offset as the last processed offset of the partition.
	Commit(ctx context.Context, partition int, offset int64) error

	// Committed returns the last committed offset of the partition.
	Committed(ctx context.Context, partition int) (int64, error)

	// Close releases the consumer. The backlog itself is kept.
	Close() error
}
