// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/luthuanphong/tbmq/config"
	"github.com/luthuanphong/tbmq/dispatch"
	"github.com/luthuanphong/tbmq/downlink"
	"github.com/luthuanphong/tbmq/flowcontrol"
	"github.com/luthuanphong/tbmq/persistence"
	"github.com/luthuanphong/tbmq/ratelimit"
	"github.com/luthuanphong/tbmq/server/otel"
	"github.com/luthuanphong/tbmq/session"
	"github.com/luthuanphong/tbmq/shared"
	"github.com/luthuanphong/tbmq/storage"
	"github.com/luthuanphong/tbmq/subscription"
	"github.com/luthuanphong/tbmq/topics"
	"go.opentelemetry.io/otel/trace"
)

// Engine wires the dispatch and delivery core of one broker node.
type Engine struct {
	nodeID     string
	sessions   *session.Cache
	index      *subscription.TrieIndex
	resolver   *subscription.Resolver
	router     *dispatch.Router
	dispatcher *dispatch.Dispatcher
	selector   *shared.Selector
	transport  *downlink.GRPCTransport // nil on a single node
	processor  *persistence.Processor
	governor   *flowcontrol.Governor
	limiter    *ratelimit.ClientLimiter // nil if rate limiting is disabled
	backlog    storage.Backlog

	running     atomic.Bool
	maxInFlight int
	peers       map[string]string
	metrics     *otel.Metrics
	logger      *slog.Logger
}

// New creates an engine over backlog. The engine owns the backlog and closes
// it on Close.
//
// Parameters:
//   - classify: durable bucket policy (nil classifies by session client type)
//   - metrics: OTel metrics (nil if metrics disabled)
//   - tracer: OTel tracer (nil if tracing disabled)
func New(cfg *config.Config, backlog storage.Backlog, classify dispatch.Classifier, metrics *otel.Metrics, tracer trace.Tracer, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	factory, err := persistence.NewStrategyFactory(cfg.Delivery.Device, cfg.Delivery.Application)
	if err != nil {
		return nil, err
	}
	strategy, err := shared.NewStrategy(cfg.SharedSubscriptions.Strategy)
	if err != nil {
		return nil, err
	}

	nodeID := cfg.Cluster.NodeID
	sessions := session.NewCache()
	index := subscription.NewTrieIndex()
	resolver := subscription.NewResolver(index, sessions, logger)
	selector := shared.NewSelector(strategy, cfg.SharedSubscriptions.OfflineSessionExpiry, logger)

	var limiter *ratelimit.ClientLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewClientLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, time.Minute)
	}

	governor := flowcontrol.NewGovernor(flowcontrol.Config{
		Enabled:       cfg.FlowControl.Enabled,
		Timeout:       cfg.FlowControl.Timeout,
		SleepInterval: cfg.FlowControl.SleepInterval,
	}, logger)

	processor := persistence.NewProcessor(persistence.Config{
		PollInterval:          cfg.Delivery.PollInterval,
		PackProcessingTimeout: cfg.Delivery.PackProcessingTimeout,
		StopProcessingTimeout: cfg.Delivery.StopProcessingTimeout,
	}, backlog, sessions, factory, metrics, logger)

	appender := persistence.NewAppender(backlog, logger)
	local := downlink.NewLocalProcessor(sessions, limiter, appender, metrics, logger)

	var (
		transport *downlink.GRPCTransport
		remote    downlink.RemoteSender
	)
	if cfg.Cluster.Transport.BindAddr != "" {
		transport = downlink.NewGRPCTransport(downlink.TransportConfig{
			NodeID:           nodeID,
			BindAddr:         cfg.Cluster.Transport.BindAddr,
			CallTimeout:      cfg.Cluster.Transport.CallTimeout,
			FailureThreshold: cfg.Cluster.CircuitBreaker.FailureThreshold,
			ResetTimeout:     cfg.Cluster.CircuitBreaker.ResetTimeout,
		}, local, metrics, logger)
		remote = transport
	}

	proxy := downlink.NewProxy(nodeID, local, remote)
	manager := persistence.NewManager(nodeID, appender, proxy, metrics, logger)
	router := dispatch.NewRouter(classify)

	return &Engine{
		nodeID:      nodeID,
		sessions:    sessions,
		index:       index,
		resolver:    resolver,
		router:      router,
		dispatcher:  dispatch.NewDispatcher(resolver, selector, router, proxy, manager, metrics, tracer, logger),
		selector:    selector,
		transport:   transport,
		processor:   processor,
		governor:    governor,
		limiter:     limiter,
		backlog:     backlog,
		maxInFlight: cfg.FlowControl.MaxInFlight,
		peers:       cfg.Cluster.Transport.Peers,
		metrics:     metrics,
		logger:      logger,
	}, nil
}

// Start runs the flow control governor and the downlink transport.
func (e *Engine) Start(ctx context.Context) error {
	e.governor.Start(ctx)

	if e.transport == nil {
		e.running.Store(true)
		return nil
	}
	if err := e.transport.Start(); err != nil {
		return err
	}
	for nodeID, addr := range e.peers {
		if nodeID == e.nodeID {
			continue
		}
		if err := e.transport.ConnectPeer(nodeID, addr); err != nil {
			return err
		}
	}
	e.running.Store(true)
	return nil
}

// NodeID returns the identifier of this node.
func (e *Engine) NodeID() string {
	return e.nodeID
}

// Ready reports whether the engine was started and not closed yet.
func (e *Engine) Ready() bool {
	return e.running.Load()
}

// SessionCount returns the number of registered sessions.
func (e *Engine) SessionCount() int {
	return e.sessions.Count()
}

// ConnectedCount returns the number of connected sessions.
func (e *Engine) ConnectedCount() int {
	return e.sessions.ConnectedCount()
}

// ProcessingCount returns the number of persistent delivery loops.
func (e *Engine) ProcessingCount() int {
	return e.processor.ProcessingCount()
}

// Peers returns the sorted node IDs of the configured downlink peers.
func (e *Engine) Peers() []string {
	peers := make([]string, 0, len(e.peers))
	for nodeID := range e.peers {
		if nodeID != e.nodeID {
			peers = append(peers, nodeID)
		}
	}
	slices.Sort(peers)
	return peers
}

// Sessions returns the session registry.
func (e *Engine) Sessions() *session.Cache {
	return e.sessions
}

// Index returns the subscription index.
func (e *Engine) Index() *subscription.TrieIndex {
	return e.index
}

// RegisterSession stores a connected session. A local session with a channel
// gets a flow controlled in-flight window.
func (e *Engine) RegisterSession(s *session.Session) {
	if s.NodeID == "" {
		s.NodeID = e.nodeID
	}
	if s.NodeID == e.nodeID && s.Channel != nil && s.InFlight == nil {
		s.InFlight = flowcontrol.NewInFlightCtx(s.ClientID, s.Channel, e.maxInFlight, e.governor, e.metrics, e.logger)
	}
	s.SetConnected(true)
	e.sessions.Set(s)
}

// DisconnectSession marks the client disconnected and stops its delivery
// loop. A non-persistent session is removed together with its subscriptions.
func (e *Engine) DisconnectSession(clientID string) {
	s := e.sessions.Get(clientID)
	if s == nil {
		return
	}
	s.SetConnected(false)

	if e.processor.IsProcessing(clientID) {
		e.processor.StopProcessing(clientID)
	}
	if c, ok := s.InFlight.(*flowcontrol.InFlightCtx); ok {
		c.Clear()
	}
	e.limiter.Remove(clientID)

	if !s.IsPersistent() {
		groups := e.index.SharedKeys(clientID)
		e.index.RemoveClient(clientID)
		e.sessions.Delete(clientID)
		e.forgetEmptyGroups(groups...)
	}
}

// Subscribe adds a subscription to the index. Shared filters use the
// $share/{name}/{filter} form.
func (e *Engine) Subscribe(clientID, filter string, qos byte, opts subscription.Options) error {
	return e.index.Subscribe(clientID, filter, qos, opts)
}

// Unsubscribe removes a subscription from the index.
func (e *Engine) Unsubscribe(clientID, filter string) bool {
	if !e.index.Unsubscribe(clientID, filter) {
		return false
	}
	if name, topicFilter, ok := topics.ParseShared(filter); ok {
		e.forgetEmptyGroups(subscription.SharedKey{TopicFilter: topicFilter, ShareName: name})
	}
	return true
}

func (e *Engine) forgetEmptyGroups(keys ...subscription.SharedKey) {
	for _, key := range keys {
		if !e.index.HasSharedGroup(key) {
			e.selector.Forget(key)
		}
	}
}

// Resolve returns the subscriptions matching topic for a publish by senderID.
func (e *Engine) Resolve(topic, senderID string) subscription.Resolved {
	return e.resolver.Resolve(topic, senderID)
}

// Route splits subscriptions into fast-path and durable deliveries of msg.
func (e *Engine) Route(msg *storage.Message, subs []subscription.Subscription) dispatch.Routes {
	return e.router.Route(msg, subs)
}

// Publish dispatches msg to its subscribers.
func (e *Engine) Publish(ctx context.Context, msg *storage.Message) error {
	if err := topics.ValidateTopicName(msg.Topic); err != nil {
		return err
	}
	if msg.PublishTime.IsZero() {
		cp := *msg
		cp.PublishTime = time.Now()
		msg = &cp
	}
	return e.dispatcher.Dispatch(ctx, msg)
}

// AcknowledgeDelivery releases the packet from the client's in-flight window
// and records it against the active pack of a persistent client.
func (e *Engine) AcknowledgeDelivery(clientID string, packetID uint16) {
	s := e.sessions.Get(clientID)
	if s != nil && s.InFlight != nil {
		s.InFlight.Ack(packetID)
	}
	if s == nil || s.IsPersistent() {
		e.processor.AcknowledgeDelivery(clientID, packetID)
	}
}

// StartProcessing starts the delivery loop of a connected persistent client.
func (e *Engine) StartProcessing(clientID string) error {
	return e.processor.StartProcessing(clientID)
}

// StopProcessing stops the delivery loop of a client.
func (e *Engine) StopProcessing(clientID string) {
	e.processor.StopProcessing(clientID)
}

// ClearPersistedBacklog deletes the durable backlog of a client.
func (e *Engine) ClearPersistedBacklog(ctx context.Context, clientID string) error {
	return e.processor.ClearPersistedBacklog(ctx, clientID)
}

// Close stops all loops and releases the transport and the backlog.
func (e *Engine) Close() error {
	e.running.Store(false)
	e.processor.Close()
	e.governor.Stop()
	e.limiter.Stop()

	var errs []error
	if e.transport != nil {
		if err := e.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close downlink transport: %w", err))
		}
	}
	if err := e.backlog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close backlog: %w", err))
	}
	return errors.Join(errs...)
}
