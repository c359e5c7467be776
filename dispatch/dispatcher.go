// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/luthuanphong/tbmq/server/otel"
	"github.com/luthuanphong/tbmq/shared"
	"github.com/luthuanphong/tbmq/storage"
	"github.com/luthuanphong/tbmq/subscription"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Sender delivers a fast-path message to a client on any node.
type Sender interface {
	SendBasic(ctx context.Context, nodeID, clientID string, msg *storage.Message) error
}

// PersistenceHandler takes over the durable deliveries of a publish.
type PersistenceHandler interface {
	ProcessPublish(ctx context.Context, msg *storage.Message, deliveries PersistentDeliveries) error
}

// Dispatcher fans a publish out to its subscribers.
type Dispatcher struct {
	resolver    *subscription.Resolver
	selector    *shared.Selector
	router      *Router
	sender      Sender
	persistence PersistenceHandler
	metrics     *otel.Metrics
	tracer      trace.Tracer // nil if tracing disabled
	logger      *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	resolver *subscription.Resolver,
	selector *shared.Selector,
	router *Router,
	sender Sender,
	persistence PersistenceHandler,
	metrics *otel.Metrics,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		resolver:    resolver,
		selector:    selector,
		router:      router,
		sender:      sender,
		persistence: persistence,
		metrics:     metrics,
		tracer:      tracer,
		logger:      logger,
	}
}

// Subscriptions resolves the recipients of msg: plain subscriptions plus one
// member of every matching shared group.
func (d *Dispatcher) Subscriptions(msg *storage.Message) []subscription.Subscription {
	resolved := d.resolver.Resolve(msg.Topic, msg.SenderID)

	subs := make([]subscription.Subscription, 0, len(resolved.Plain)+len(resolved.Shared))
	subs = append(subs, resolved.Plain...)
	for _, group := range resolved.Shared {
		if sub, ok := d.selector.Select(group, groupQoS(group, msg.QoS)); ok {
			subs = append(subs, sub)
		}
	}
	return subs
}

// groupQoS caps the publish QoS by the highest QoS requested in the group.
func groupQoS(group subscription.SharedGroup, qos byte) byte {
	var highest byte
	for _, m := range group.Members {
		highest = max(highest, m.QoS)
	}
	return min(highest, qos)
}

// Dispatch delivers msg to all fast-path subscribers and hands the durable
// deliveries to the persistence handler. It returns after both are done.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *storage.Message) error {
	start := time.Now()

	var span trace.Span
	if d.tracer != nil {
		ctx, span = d.tracer.Start(ctx, "dispatch.publish",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("mqtt.topic", msg.Topic),
				attribute.Int("mqtt.qos", int(msg.QoS)),
				attribute.String("mqtt.sender_id", msg.SenderID),
			))
		defer span.End()
	}

	routes := d.router.Route(msg, d.Subscriptions(msg))
	if span != nil {
		span.SetAttributes(
			attribute.Int("dispatch.fast_path", len(routes.FastPath)),
			attribute.Int("dispatch.persistent", routes.PersistentDeliveries.Len()))
	}

	for _, delivery := range routes.FastPath {
		d.sendBasic(ctx, delivery)
	}

	if routes.PersistentDeliveries.Len() > 0 && d.persistence != nil {
		if err := d.persistence.ProcessPublish(ctx, msg, routes.PersistentDeliveries); err != nil {
			if span != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "persistence failed")
			}
			return fmt.Errorf("failed to persist publish on %s: %w", msg.Topic, err)
		}
	}

	d.metrics.RecordPublish(msg.QoS, time.Since(start))
	return nil
}

func (d *Dispatcher) sendBasic(ctx context.Context, delivery Delivery) {
	err := d.sender.SendBasic(ctx, delivery.NodeID(), delivery.ClientID(), delivery.Message)
	if err != nil {
		d.logger.Debug("failed to send fast-path message",
			slog.String("client_id", delivery.ClientID()),
			slog.String("topic", delivery.Message.Topic),
			slog.String("error", err.Error()))
	}
}
