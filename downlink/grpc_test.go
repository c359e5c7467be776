// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package downlink

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/luthuanphong/tbmq/storage"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

// startPair serves handler on an in-memory listener and returns a transport
// whose peer "node-2" points at it.
func startPair(t *testing.T, handler Handler, cfg TransportConfig) *GRPCTransport {
	t.Helper()

	lis := bufconn.Listen(bufSize)
	server := NewGRPCTransport(TransportConfig{NodeID: "node-2"}, handler, nil, nil)
	go func() {
		_ = server.Serve(lis)
	}()

	cfg.NodeID = "node-1"
	client := NewGRPCTransport(cfg, NewMockHandler(), nil, nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, client.ConnectPeer("node-2", "passthrough:///bufnet"))

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client
}

func TestGRPCSendBasic(t *testing.T) {
	handler := NewMockHandler()
	client := startPair(t, handler, TransportConfig{})

	msg := &storage.Message{
		Topic:      "a/b",
		Payload:    []byte("hello"),
		QoS:        1,
		PacketID:   9,
		Retain:     true,
		SenderID:   "pub",
		Properties: map[string]string{"k": "v"},
	}
	require.NoError(t, client.SendBasic(context.Background(), "node-2", "c1", msg))

	sent := handler.Sent("c1")
	require.Len(t, sent, 1)
	assert.Equal(t, "a/b", sent[0].Topic)
	assert.Equal(t, []byte("hello"), sent[0].Payload)
	assert.Equal(t, byte(1), sent[0].QoS)
	assert.Equal(t, uint16(9), sent[0].PacketID)
	assert.True(t, sent[0].Retain)
	assert.Equal(t, "v", sent[0].Properties["k"])
}

func TestGRPCSendPersistent(t *testing.T) {
	handler := NewMockHandler()
	client := startPair(t, handler, TransportConfig{})

	msg := &storage.Message{Topic: "a/b", Payload: []byte("durable"), QoS: 2}
	require.NoError(t, client.SendPersistent(context.Background(), "node-2", "c1", msg))

	persisted := handler.Persisted("c1")
	require.Len(t, persisted, 1)
	assert.Equal(t, []byte("durable"), persisted[0].Payload)
	assert.Empty(t, handler.Sent("c1"))
}

func TestGRPCPropagatesTraceContext(t *testing.T) {
	prevTP, prevProp := otelapi.GetTracerProvider(), otelapi.GetTextMapPropagator()
	t.Cleanup(func() {
		otelapi.SetTracerProvider(prevTP)
		otelapi.SetTextMapPropagator(prevProp)
	})
	recorder := tracetest.NewSpanRecorder()
	otelapi.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	otelapi.SetTextMapPropagator(propagation.TraceContext{})

	handler := NewMockHandler()
	client := startPair(t, handler, TransportConfig{})

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0xa, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		SpanID:     trace.SpanID{0xb, 1, 2, 3, 4, 5, 6, 7},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), parent)
	require.NoError(t, client.SendPersistent(ctx, "node-2", "c1", &storage.Message{Topic: "a/b", QoS: 1}))
	require.Len(t, handler.Persisted("c1"), 1)

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, persistMethod, ended[0].Name())
	assert.Equal(t, parent.TraceID(), ended[0].SpanContext().TraceID())
	assert.Equal(t, parent.SpanID(), ended[0].Parent().SpanID())
}

func TestGRPCUnknownPeer(t *testing.T) {
	client := startPair(t, NewMockHandler(), TransportConfig{})

	err := client.SendBasic(context.Background(), "node-3", "c1", &storage.Message{Topic: "a"})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestGRPCHandlerError(t *testing.T) {
	handler := NewMockHandler()
	handler.err = errors.New("no such client")
	client := startPair(t, handler, TransportConfig{})

	err := client.SendBasic(context.Background(), "node-2", "c1", &storage.Message{Topic: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such client")
}

func TestGRPCCircuitBreakerOpens(t *testing.T) {
	handler := NewMockHandler()
	handler.err = errors.New("unavailable")
	client := startPair(t, handler, TransportConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		CallTimeout:      time.Second,
	})
	ctx := context.Background()
	msg := &storage.Message{Topic: "a"}

	require.Error(t, client.SendBasic(ctx, "node-2", "c1", msg))
	require.Error(t, client.SendBasic(ctx, "node-2", "c1", msg))

	// Breaker is open: the call fails without reaching the handler.
	handler.mu.Lock()
	handler.err = nil
	handler.mu.Unlock()

	err := client.SendBasic(ctx, "node-2", "c1", msg)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Empty(t, handler.Sent("c1"))
}
