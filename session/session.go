// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync/atomic"

	"github.com/luthuanphong/tbmq/storage"
)

// ClientType classifies durable subscribers into delivery buckets.
type ClientType int

const (
	Device ClientType = iota
	Application
)

func (t ClientType) String() string {
	switch t {
	case Device:
		return "device"
	case Application:
		return "application"
	default:
		return "unknown"
	}
}

// Channel writes outbound PUBLISH messages to a connected client.
type Channel interface {
	Write(ctx context.Context, msg *storage.Message) error
}

// InFlight is the per-client outbound QoS 1/2 window.
type InFlight interface {
	// Send writes msg to the client or queues it when the window is full.
	Send(ctx context.Context, msg *storage.Message) error

	// Ack releases the packet ID. Returns false if it was not in flight.
	Ack(packetID uint16) bool

	// InFlightCount returns the number of unacknowledged packets.
	InFlightCount() int
}

// Session is the broker-side state of a client relevant to message delivery.
type Session struct {
	ClientID       string
	NodeID         string // Node owning the client connection
	ClientType     ClientType
	CleanStart     bool
	ExpiryInterval uint32 // Session expiry in seconds (v5)

	// Channel and InFlight are nil when the session is owned by another node.
	Channel  Channel
	InFlight InFlight

	connected atomic.Bool
	packetID  atomic.Uint32
}

// IsPersistent reports whether the session outlives the connection.
func (s *Session) IsPersistent() bool {
	return !s.CleanStart || s.ExpiryInterval > 0
}

// IsConnected reports whether the client currently has a live connection.
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

// SetConnected updates the connection flag.
func (s *Session) SetConnected(connected bool) {
	s.connected.Store(connected)
}

// NextPacketID returns the next outbound packet ID of a non-durable delivery.
// It never returns 0.
func (s *Session) NextPacketID() uint16 {
	for {
		if id := uint16(s.packetID.Add(1)); id != 0 {
			return id
		}
	}
}

// InFlightCount returns the number of unacknowledged outbound packets,
// or 0 if the session has no in-flight window.
func (s *Session) InFlightCount() int {
	if s.InFlight == nil {
		return 0
	}
	return s.InFlight.InFlightCount()
}
