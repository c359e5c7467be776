// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/luthuanphong/tbmq/internal/bufpool"
	"github.com/luthuanphong/tbmq/storage"
)

// Compression selects how record payloads are stored.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionS2   Compression = "s2"
)

// Payloads shorter than this are stored as is even when compression is on.
const minCompressSize = 256

type record struct {
	PublishTime time.Time         `json:"publish_time"`
	Payload     []byte            `json:"payload,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Topic       string            `json:"topic"`
	SenderID    string            `json:"sender_id,omitempty"`
	PacketID    uint16            `json:"packet_id,omitempty"`
	QoS         byte              `json:"qos"`
	Retain      bool              `json:"retain,omitempty"`
	Dup         bool              `json:"dup,omitempty"`
	Compressed  bool              `json:"compressed,omitempty"`
}

func encodeRecord(msg *storage.Message, c Compression) ([]byte, error) {
	r := record{
		PublishTime: msg.PublishTime,
		Payload:     msg.Payload,
		Properties:  msg.Properties,
		Topic:       msg.Topic,
		SenderID:    msg.SenderID,
		PacketID:    msg.PacketID,
		QoS:         msg.QoS,
		Retain:      msg.Retain,
		Dup:         msg.Dup,
	}
	if c == CompressionS2 && len(msg.Payload) >= minCompressSize {
		r.Payload = s2.Encode(nil, msg.Payload)
		r.Compressed = true
	}

	data, err := bufpool.Encode(func(b *bytes.Buffer) error {
		return json.NewEncoder(b).Encode(r)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*storage.Message, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	payload := r.Payload
	if r.Compressed {
		decoded, err := s2.Decode(nil, r.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
		payload = decoded
	}

	return &storage.Message{
		PublishTime: r.PublishTime,
		Payload:     payload,
		Properties:  r.Properties,
		Topic:       r.Topic,
		SenderID:    r.SenderID,
		PacketID:    r.PacketID,
		QoS:         r.QoS,
		Retain:      r.Retain,
		Dup:         r.Dup,
	}, nil
}
