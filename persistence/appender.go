// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/luthuanphong/tbmq/storage"
)

// Appender appends durable deliveries to client backlogs on this node.
// Appending wakes the client's loop if it is polling.
type Appender struct {
	backlog storage.Backlog
	logger  *slog.Logger
}

// NewAppender creates an appender over backlog.
func NewAppender(backlog storage.Backlog, logger *slog.Logger) *Appender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Appender{backlog: backlog, logger: logger}
}

// Persist appends msg to the client's backlog.
func (a *Appender) Persist(ctx context.Context, clientID string, msg *storage.Message) error {
	offset, err := a.backlog.Append(ctx, clientID, msg)
	if err != nil {
		return fmt.Errorf("failed to persist message for %s: %w", clientID, err)
	}

	a.logger.Debug("persisted message",
		slog.String("client_id", clientID),
		slog.String("topic", msg.Topic),
		slog.Int64("offset", offset))
	return nil
}
