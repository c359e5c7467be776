// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the delivery core.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	meter metric.Meter

	// Counters
	publishesTotal   metric.Int64Counter
	fastPathTotal    metric.Int64Counter
	durableTotal     metric.Int64Counter
	packsCommitted   metric.Int64Counter
	packetsRetried   metric.Int64Counter
	staleAcksTotal   metric.Int64Counter
	delayedTotal     metric.Int64Counter
	delayedExpired   metric.Int64Counter
	downlinkFailures metric.Int64Counter

	// UpDownCounters (Gauges)
	loopsActive metric.Int64UpDownCounter

	// Histograms
	packSize         metric.Int64Histogram
	packDuration     metric.Float64Histogram
	dispatchDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized
// from the global meter provider.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("tbmq-delivery"),
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.publishesTotal, "tbmq.publishes.total", "Total messages dispatched"},
		{&m.fastPathTotal, "tbmq.deliveries.fast_path.total", "Total messages delivered without persistence"},
		{&m.durableTotal, "tbmq.deliveries.durable.total", "Total messages appended to client backlogs"},
		{&m.packsCommitted, "tbmq.packs.committed.total", "Total committed delivery packs"},
		{&m.packetsRetried, "tbmq.packets.reprocessed.total", "Total packets scheduled for redelivery"},
		{&m.staleAcksTotal, "tbmq.acks.stale.total", "Total acknowledgements without an active pack"},
		{&m.delayedTotal, "tbmq.flow_control.delayed.total", "Total messages delayed by flow control"},
		{&m.delayedExpired, "tbmq.flow_control.expired.total", "Total delayed messages dropped after timeout"},
		{&m.downlinkFailures, "tbmq.downlink.failures.total", "Total failed cross-node downlink calls"},
	}
	for _, c := range counters {
		var err error
		*c.dst, err = m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	var err error
	m.loopsActive, err = m.meter.Int64UpDownCounter(
		"tbmq.delivery.loops.active",
		metric.WithDescription("Number of running persistent delivery loops"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create loopsActive gauge: %w", err)
	}

	m.packSize, err = m.meter.Int64Histogram(
		"tbmq.pack.size",
		metric.WithDescription("Number of messages per delivery pack"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create packSize histogram: %w", err)
	}

	m.packDuration, err = m.meter.Float64Histogram(
		"tbmq.pack.duration.ms",
		metric.WithDescription("Time from pack submit to commit in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create packDuration histogram: %w", err)
	}

	m.dispatchDuration, err = m.meter.Float64Histogram(
		"tbmq.dispatch.duration.ms",
		metric.WithDescription("Publish dispatch duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchDuration histogram: %w", err)
	}

	return m, nil
}

// RecordPublish records a dispatched message and how long dispatch took.
func (m *Metrics) RecordPublish(qos byte, d time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.publishesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
	))
	m.dispatchDuration.Record(ctx, float64(d.Microseconds())/1000)
}

// RecordFastPath records a message delivered without persistence.
func (m *Metrics) RecordFastPath(qos byte) {
	if m == nil {
		return
	}
	m.fastPathTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
	))
}

// RecordDurable records messages appended to backlogs of one client class.
func (m *Metrics) RecordDurable(clientType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.durableTotal.Add(context.Background(), int64(n), metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordPackCommitted records a committed pack.
func (m *Metrics) RecordPackCommitted(size int, d time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.packsCommitted.Add(ctx, 1)
	m.packSize.Record(ctx, int64(size))
	m.packDuration.Record(ctx, float64(d.Microseconds())/1000)
}

// RecordReprocessed records packets scheduled for redelivery.
func (m *Metrics) RecordReprocessed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.packetsRetried.Add(context.Background(), int64(n))
}

// RecordStaleAck records an acknowledgement that matched no active pack.
func (m *Metrics) RecordStaleAck() {
	if m == nil {
		return
	}
	m.staleAcksTotal.Add(context.Background(), 1)
}

// RecordDelayed records a message queued by flow control.
func (m *Metrics) RecordDelayed() {
	if m == nil {
		return
	}
	m.delayedTotal.Add(context.Background(), 1)
}

// RecordDelayedExpired records delayed messages dropped after timeout.
func (m *Metrics) RecordDelayedExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.delayedExpired.Add(context.Background(), int64(n))
}

// RecordDownlinkFailure records a failed call to a peer node.
func (m *Metrics) RecordDownlinkFailure(method string) {
	if m == nil {
		return
	}
	m.downlinkFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordLoopStarted records a persistent delivery loop start.
func (m *Metrics) RecordLoopStarted() {
	if m == nil {
		return
	}
	m.loopsActive.Add(context.Background(), 1)
}

// RecordLoopStopped records a persistent delivery loop exit.
func (m *Metrics) RecordLoopStopped() {
	if m == nil {
		return
	}
	m.loopsActive.Add(context.Background(), -1)
}
