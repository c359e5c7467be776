// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package downlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/luthuanphong/tbmq/ratelimit"
	"github.com/luthuanphong/tbmq/server/otel"
	"github.com/luthuanphong/tbmq/session"
	"github.com/luthuanphong/tbmq/storage"
)

var _ Handler = (*LocalProcessor)(nil)

// ErrNoPersister is returned for durable messages on a node without backlog storage.
var ErrNoPersister = errors.New("no persister configured")

// Persister appends durable messages to local backlogs.
type Persister interface {
	Persist(ctx context.Context, clientID string, msg *storage.Message) error
}

// LocalProcessor delivers messages to clients connected to this node.
type LocalProcessor struct {
	sessions  session.Registry
	limiter   *ratelimit.ClientLimiter
	persister Persister
	metrics   *otel.Metrics
	logger    *slog.Logger
}

// NewLocalProcessor creates the local downlink handler.
// limiter may be nil to disable outbound QoS 0 rate limiting.
func NewLocalProcessor(sessions session.Registry, limiter *ratelimit.ClientLimiter, persister Persister, metrics *otel.Metrics, logger *slog.Logger) *LocalProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalProcessor{
		sessions:  sessions,
		limiter:   limiter,
		persister: persister,
		metrics:   metrics,
		logger:    logger,
	}
}

// SendBasic writes msg to the client if it is connected. QoS 0 messages over
// the client's rate budget are dropped; QoS 1/2 messages go through the
// session's in-flight window.
func (p *LocalProcessor) SendBasic(ctx context.Context, clientID string, msg *storage.Message) error {
	s := p.sessions.Get(clientID)
	if s == nil || !s.IsConnected() || s.Channel == nil {
		p.logger.Debug("dropping message for disconnected client",
			slog.String("client_id", clientID),
			slog.String("topic", msg.Topic))
		return nil
	}

	var err error
	switch {
	case msg.QoS == 0:
		if !p.limiter.Allow(clientID) {
			p.logger.Debug("outbound rate limit exceeded",
				slog.String("client_id", clientID),
				slog.String("topic", msg.Topic))
			return nil
		}
		err = s.Channel.Write(ctx, msg)
	case s.InFlight != nil:
		err = s.InFlight.Send(ctx, msg.WithPacketID(s.NextPacketID()))
	default:
		err = s.Channel.Write(ctx, msg.WithPacketID(s.NextPacketID()))
	}

	if err != nil {
		if !s.IsConnected() {
			return nil
		}
		p.logger.Debug("failed to deliver message",
			slog.String("client_id", clientID),
			slog.String("topic", msg.Topic),
			slog.String("error", err.Error()))
		return err
	}

	p.metrics.RecordFastPath(msg.QoS)
	return nil
}

// SendPersistent appends msg to the local backlog of the client.
func (p *LocalProcessor) SendPersistent(ctx context.Context, clientID string, msg *storage.Message) error {
	if p.persister == nil {
		return fmt.Errorf("persist for %s: %w", clientID, ErrNoPersister)
	}
	return p.persister.Persist(ctx, clientID, msg)
}
