// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"errors"
	"log/slog"

	"github.com/luthuanphong/tbmq/dispatch"
	"github.com/luthuanphong/tbmq/server/otel"
	"github.com/luthuanphong/tbmq/storage"
)

var _ dispatch.PersistenceHandler = (*Manager)(nil)

// Forwarder hands a durable delivery to the node owning the client.
type Forwarder interface {
	SendPersistent(ctx context.Context, nodeID, clientID string, msg *storage.Message) error
}

// Manager persists the durable deliveries of a publish. Deliveries for
// clients owned by this node are appended locally, the rest are forwarded.
type Manager struct {
	nodeID    string
	appender  *Appender
	forwarder Forwarder
	metrics   *otel.Metrics
	logger    *slog.Logger
}

// NewManager creates a manager. forwarder may be nil on a single node.
func NewManager(nodeID string, appender *Appender, forwarder Forwarder, metrics *otel.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		nodeID:    nodeID,
		appender:  appender,
		forwarder: forwarder,
		metrics:   metrics,
		logger:    logger,
	}
}

// ProcessPublish persists every delivery and returns once all are handed off.
// A failed delivery does not stop the others; all errors are returned joined.
func (m *Manager) ProcessPublish(ctx context.Context, msg *storage.Message, deliveries dispatch.PersistentDeliveries) error {
	var errs []error
	for _, bucket := range []struct {
		class      string
		deliveries []dispatch.Delivery
	}{
		{"device", deliveries.Device},
		{"application", deliveries.Application},
	} {
		if len(bucket.deliveries) == 0 {
			continue
		}
		m.metrics.RecordDurable(bucket.class, len(bucket.deliveries))

		for _, d := range bucket.deliveries {
			if err := m.persist(ctx, d); err != nil {
				m.logger.Warn("failed to persist delivery",
					slog.String("client_id", d.ClientID()),
					slog.String("topic", msg.Topic),
					slog.String("error", err.Error()))
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) persist(ctx context.Context, d dispatch.Delivery) error {
	nodeID := d.NodeID()
	if nodeID == "" || nodeID == m.nodeID || m.forwarder == nil {
		return m.appender.Persist(ctx, d.ClientID(), d.Message)
	}
	return m.forwarder.SendPersistent(ctx, nodeID, d.ClientID(), d.Message)
}
