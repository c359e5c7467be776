// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package downlink

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/luthuanphong/tbmq/server/otel"
	"github.com/luthuanphong/tbmq/storage"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	serviceName     = "tbmq.downlink.v1.Downlink"
	sendBasicMethod = "/" + serviceName + "/SendBasic"
	persistMethod   = "/" + serviceName + "/SendPersistent"
)

var _ RemoteSender = (*GRPCTransport)(nil)

// SendRequest carries a message for a client owned by another node.
type SendRequest struct {
	ClientID string           `json:"client_id"`
	Message  *storage.Message `json:"message"`
}

// Empty is the response of every downlink call.
type Empty struct{}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendBasic", Handler: sendBasicHandler},
		{MethodName: "SendPersistent", Handler: sendPersistentHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tbmq/downlink/v1",
}

func sendBasicHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return handleSend(ctx, dec, interceptor, &grpc.UnaryServerInfo{Server: srv, FullMethod: sendBasicMethod}, srv.(Handler).SendBasic)
}

func sendPersistentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return handleSend(ctx, dec, interceptor, &grpc.UnaryServerInfo{Server: srv, FullMethod: persistMethod}, srv.(Handler).SendPersistent)
}

type sendFunc func(ctx context.Context, clientID string, msg *storage.Message) error

func handleSend(ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor, info *grpc.UnaryServerInfo, send sendFunc) (any, error) {
	in := new(SendRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		r := req.(*SendRequest)
		if r.Message == nil {
			return nil, status.Errorf(codes.InvalidArgument, "send to %s: missing message", r.ClientID)
		}

		ctx, span := otel.StartServerSpan(ctx, info.FullMethod)
		defer span.End()
		if err := send(ctx, r.ClientID, r.Message); err != nil {
			span.RecordError(err)
			return nil, err
		}
		return &Empty{}, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, info, call)
}

// TransportConfig holds gRPC downlink transport settings.
type TransportConfig struct {
	NodeID           string
	BindAddr         string
	CallTimeout      time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
}

type peer struct {
	addr    string
	conn    *grpc.ClientConn
	breaker *gobreaker.CircuitBreaker
}

// GRPCTransport serves the downlink service for this node and forwards
// downlink calls to peer nodes.
type GRPCTransport struct {
	cfg      TransportConfig
	server   *grpc.Server
	dialOpts []grpc.DialOption
	metrics  *otel.Metrics
	logger   *slog.Logger

	mu    sync.RWMutex
	peers map[string]*peer
}

// NewGRPCTransport creates a transport dispatching incoming calls to handler.
// Extra dial options are appended to the defaults for every peer connection.
func NewGRPCTransport(cfg TransportConfig, handler Handler, metrics *otel.Metrics, logger *slog.Logger, opts ...grpc.DialOption) *GRPCTransport {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if logger == nil {
		logger = slog.Default()
	}

	server := grpc.NewServer()
	server.RegisterService(&serviceDesc, handler)

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}

	return &GRPCTransport{
		cfg:      cfg,
		server:   server,
		dialOpts: append(dialOpts, opts...),
		metrics:  metrics,
		logger:   logger,
		peers:    make(map[string]*peer),
	}
}

// Start listens on the configured bind address and serves in the background.
func (t *GRPCTransport) Start() error {
	lis, err := net.Listen("tcp", t.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.cfg.BindAddr, err)
	}

	go func() {
		if err := t.Serve(lis); err != nil {
			t.logger.Error("downlink transport stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Serve serves the downlink service on lis until Close. It blocks.
func (t *GRPCTransport) Serve(lis net.Listener) error {
	t.logger.Info("starting downlink transport", slog.String("addr", lis.Addr().String()))
	return t.server.Serve(lis)
}

// ConnectPeer creates a lazily connecting client for a peer node.
func (t *GRPCTransport) ConnectPeer(nodeID, addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.peers[nodeID]; exists {
		return nil
	}

	conn, err := grpc.NewClient(addr, t.dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to connect to peer %s at %s: %w", nodeID, addr, err)
	}

	t.peers[nodeID] = &peer{
		addr:    addr,
		conn:    conn,
		breaker: t.newBreaker(nodeID),
	}

	t.logger.Info("connected to peer", slog.String("node_id", nodeID), slog.String("addr", addr))
	return nil
}

func (t *GRPCTransport) newBreaker(nodeID string) *gobreaker.CircuitBreaker {
	threshold := uint32(t.cfg.FailureThreshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        nodeID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     t.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			t.logger.Warn("downlink circuit breaker state changed",
				slog.String("node_id", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
}

// SendBasic forwards a non-durable message to a client on node nodeID.
func (t *GRPCTransport) SendBasic(ctx context.Context, nodeID, clientID string, msg *storage.Message) error {
	return t.invoke(ctx, nodeID, sendBasicMethod, &SendRequest{ClientID: clientID, Message: msg})
}

// SendPersistent forwards a durable message to the node owning clientID.
func (t *GRPCTransport) SendPersistent(ctx context.Context, nodeID, clientID string, msg *storage.Message) error {
	return t.invoke(ctx, nodeID, persistMethod, &SendRequest{ClientID: clientID, Message: msg})
}

func (t *GRPCTransport) invoke(ctx context.Context, nodeID, method string, req any) error {
	t.mu.RLock()
	p, ok := t.peers[nodeID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s to %s: %w", method, nodeID, ErrUnknownPeer)
	}

	ctx = otel.InjectOutgoing(ctx)
	_, err := p.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
		defer cancel()
		return nil, p.conn.Invoke(ctx, method, req, &Empty{})
	})
	if err != nil {
		t.metrics.RecordDownlinkFailure(method)
		return fmt.Errorf("%s to %s: %w", method, nodeID, err)
	}
	return nil
}

// Close closes peer connections and stops the server.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	for id, p := range t.peers {
		if err := p.conn.Close(); err != nil {
			t.logger.Warn("failed to close peer connection",
				slog.String("node_id", id),
				slog.String("error", err.Error()))
		}
	}
	t.peers = make(map[string]*peer)
	t.mu.Unlock()

	t.server.GracefulStop()
	return nil
}
