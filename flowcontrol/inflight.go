// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package flowcontrol

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/luthuanphong/tbmq/server/otel"
	"github.com/luthuanphong/tbmq/session"
	"github.com/luthuanphong/tbmq/storage"
)

var _ session.InFlight = (*InFlightCtx)(nil)

type delayedMsg struct {
	msg      *storage.Message
	queuedAt time.Time
}

// InFlightCtx tracks unacknowledged outbound QoS 1/2 packets of one client.
// Messages beyond the budget are delayed until the governor emits them.
type InFlightCtx struct {
	clientID    string
	channel     session.Channel
	maxInFlight int
	governor    *Governor
	metrics     *otel.Metrics
	logger      *slog.Logger

	mu       sync.Mutex
	inflight map[uint16]time.Time
	delayed  []delayedMsg
}

// NewInFlightCtx creates the in-flight window of a client.
// Without an enabled governor messages are never delayed.
func NewInFlightCtx(clientID string, ch session.Channel, maxInFlight int, governor *Governor, metrics *otel.Metrics, logger *slog.Logger) *InFlightCtx {
	if maxInFlight <= 0 {
		maxInFlight = 65535
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InFlightCtx{
		clientID:    clientID,
		channel:     ch,
		maxInFlight: maxInFlight,
		governor:    governor,
		metrics:     metrics,
		logger:      logger,
		inflight:    make(map[uint16]time.Time),
	}
}

// Send writes msg to the client, or delays it when the window is full.
// QoS 0 messages bypass the window. A resend of a packet that is still in
// flight already holds its slot and is written right away; a resend of a
// delayed packet replaces the queued copy.
func (c *InFlightCtx) Send(ctx context.Context, msg *storage.Message) error {
	if msg.QoS == 0 {
		return c.channel.Write(ctx, msg)
	}

	c.mu.Lock()
	if _, ok := c.inflight[msg.PacketID]; ok {
		c.inflight[msg.PacketID] = time.Now()
		c.mu.Unlock()
		return c.write(ctx, msg)
	}
	for i := range c.delayed {
		if c.delayed[i].msg.PacketID == msg.PacketID {
			c.delayed[i].msg = msg
			c.mu.Unlock()
			return nil
		}
	}

	throttle := c.governor.Enabled() && (len(c.delayed) > 0 || len(c.inflight) >= c.maxInFlight)
	if throttle {
		c.delayed = append(c.delayed, delayedMsg{msg: msg, queuedAt: time.Now()})
		c.mu.Unlock()

		c.metrics.RecordDelayed()
		c.governor.AddToMap(c.clientID, c)
		return nil
	}
	c.inflight[msg.PacketID] = time.Now()
	c.mu.Unlock()

	return c.write(ctx, msg)
}

func (c *InFlightCtx) write(ctx context.Context, msg *storage.Message) error {
	if err := c.channel.Write(ctx, msg); err != nil {
		c.mu.Lock()
		delete(c.inflight, msg.PacketID)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Ack releases the packet ID. Returns false if it was not in flight.
func (c *InFlightCtx) Ack(packetID uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inflight[packetID]; !ok {
		return false
	}
	delete(c.inflight, packetID)
	return true
}

// ProcessMsg emits the oldest delayed message if the budget allows it.
func (c *InFlightCtx) ProcessMsg(timeout time.Duration) bool {
	c.mu.Lock()
	expired := c.dropExpired(timeout)
	if len(c.delayed) == 0 || len(c.inflight) >= c.maxInFlight {
		c.mu.Unlock()
		c.logExpired(expired)
		return false
	}

	d := c.delayed[0]
	c.delayed[0] = delayedMsg{}
	c.delayed = c.delayed[1:]
	c.inflight[d.msg.PacketID] = time.Now()
	c.mu.Unlock()
	c.logExpired(expired)

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := c.write(ctx, d.msg); err != nil {
		c.logger.Debug("failed to deliver delayed message",
			slog.String("client_id", c.clientID),
			slog.Uint64("packet_id", uint64(d.msg.PacketID)),
			slog.String("error", err.Error()))
	}
	return true
}

func (c *InFlightCtx) dropExpired(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-timeout)
	n := 0
	for n < len(c.delayed) && c.delayed[n].queuedAt.Before(cutoff) {
		c.delayed[n] = delayedMsg{}
		n++
	}
	c.delayed = c.delayed[n:]
	return n
}

func (c *InFlightCtx) logExpired(n int) {
	if n == 0 {
		return
	}
	c.metrics.RecordDelayedExpired(n)
	c.logger.Debug("dropped expired delayed messages",
		slog.String("client_id", c.clientID),
		slog.Int("count", n))
}

// InFlightCount returns the number of unacknowledged packets.
func (c *InFlightCtx) InFlightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// DelayedCount returns the number of messages waiting for budget.
func (c *InFlightCtx) DelayedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delayed)
}

// Clear drops all in-flight and delayed state and stops governor tracking.
func (c *InFlightCtx) Clear() {
	c.mu.Lock()
	c.inflight = make(map[uint16]time.Time)
	c.delayed = nil
	c.mu.Unlock()

	c.governor.RemoveFromMap(c.clientID)
}
