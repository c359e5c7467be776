// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/luthuanphong/tbmq/internal/shardmap"
	"github.com/luthuanphong/tbmq/server/otel"
	"github.com/luthuanphong/tbmq/session"
	"github.com/luthuanphong/tbmq/storage"
)

// Processor errors.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrAlreadyProcessing = errors.New("persisted messages are already being processed")
	ErrNoChannel         = errors.New("session has no channel")
)

// Config holds the timing of the delivery loops.
type Config struct {
	PollInterval          time.Duration
	PackProcessingTimeout time.Duration
	StopProcessingTimeout time.Duration
}

type loop struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopping atomic.Bool
}

func (l *loop) stop() {
	l.stopping.Store(true)
	l.cancel()
}

// Processor runs one delivery loop per connected durable client. A loop
// consumes the client's backlog in packs and commits a pack's last offset
// only after the ack strategy decides so.
type Processor struct {
	cfg      Config
	backlog  storage.Backlog
	sessions session.Registry
	factory  *StrategyFactory
	metrics  *otel.Metrics
	logger   *slog.Logger

	contexts *shardmap.Map[*PackContext]
	loops    *shardmap.Map[*loop]

	ctx    context.Context
	cancel context.CancelFunc
}

// NewProcessor creates a processor. Loops are started with StartProcessing.
func NewProcessor(cfg Config, backlog storage.Backlog, sessions session.Registry, factory *StrategyFactory, metrics *otel.Metrics, logger *slog.Logger) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.PackProcessingTimeout <= 0 {
		cfg.PackProcessingTimeout = 20 * time.Second
	}
	if cfg.StopProcessingTimeout <= 0 {
		cfg.StopProcessingTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		cfg:      cfg,
		backlog:  backlog,
		sessions: sessions,
		factory:  factory,
		metrics:  metrics,
		logger:   logger,
		contexts: shardmap.New[*PackContext](),
		loops:    shardmap.New[*loop](),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// StartProcessing starts the delivery loop of a client. A loop that is still
// stopping is replaced; the new loop takes over the backlog once the old one
// released it.
func (p *Processor) StartProcessing(clientID string) error {
	s := p.sessions.Get(clientID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, clientID)
	}
	if p.ctx.Err() != nil {
		return p.ctx.Err()
	}

	ctx, cancel := context.WithCancel(p.ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}

	if prev, loaded := p.loops.LoadOrStore(clientID, l); loaded {
		if !prev.stopping.Load() {
			cancel()
			return fmt.Errorf("%w: %s", ErrAlreadyProcessing, clientID)
		}
		p.loops.Set(clientID, l)
	}

	p.logger.Debug("starting persisted messages processing", slog.String("client_id", clientID))
	p.metrics.RecordLoopStarted()
	go p.run(ctx, s, l)
	return nil
}

// StopProcessing stops the delivery loop of a client and waits for it to exit
// at most StopProcessingTimeout.
func (p *Processor) StopProcessing(clientID string) {
	l, ok := p.loops.Get(clientID)
	if !ok {
		p.logger.Warn("cannot find processing loop for client", slog.String("client_id", clientID))
		return
	}
	l.stop()

	timer := time.NewTimer(p.cfg.StopProcessingTimeout)
	defer timer.Stop()

	select {
	case <-l.done:
	case <-timer.C:
		p.logger.Warn("timed out stopping processing loop",
			slog.String("client_id", clientID),
			slog.Duration("timeout", p.cfg.StopProcessingTimeout))
	}
}

// IsProcessing reports whether a delivery loop runs for the client.
func (p *Processor) IsProcessing(clientID string) bool {
	l, ok := p.loops.Get(clientID)
	return ok && !l.stopping.Load()
}

// ProcessingCount returns the number of delivery loops, stopping ones included.
func (p *Processor) ProcessingCount() int {
	return p.loops.Len()
}

// AcknowledgeDelivery records the acknowledgement of a durable packet against
// the client's active pack.
func (p *Processor) AcknowledgeDelivery(clientID string, packetID uint16) {
	pctx, ok := p.contexts.Get(clientID)
	if !ok {
		p.metrics.RecordStaleAck()
		p.logger.Warn("cannot find processing context for client",
			slog.String("client_id", clientID),
			slog.Uint64("packet_id", uint64(packetID)))
		return
	}

	if !pctx.OnSuccess(packetID) {
		p.metrics.RecordStaleAck()
		p.logger.Debug("ack for unknown packet",
			slog.String("client_id", clientID),
			slog.String("pack_id", pctx.ID()),
			slog.Uint64("packet_id", uint64(packetID)))
	}
}

// ClearPersistedBacklog deletes the client's backlog and committed offset.
func (p *Processor) ClearPersistedBacklog(ctx context.Context, clientID string) error {
	if err := p.backlog.Delete(ctx, clientID); err != nil {
		return fmt.Errorf("failed to clear persisted messages of %s: %w", clientID, err)
	}
	return nil
}

// Close stops all loops and waits for them to exit.
func (p *Processor) Close() {
	p.cancel()

	var loops []*loop
	p.loops.ForEach(func(_ string, l *loop) {
		loops = append(loops, l)
	})
	for _, l := range loops {
		l.stop()
		<-l.done
	}
}

func (p *Processor) run(ctx context.Context, s *session.Session, l *loop) {
	logger := p.logger.With(slog.String("client_id", s.ClientID))
	defer func() {
		p.loops.CompareAndDelete(s.ClientID, func(v *loop) bool { return v == l })
		p.metrics.RecordLoopStopped()
		close(l.done)
	}()

	consumer, offset, ok := p.open(ctx, s, logger)
	if !ok {
		return
	}
	defer consumer.Close()

	logger.Info("persisted messages processing started", slog.Int64("offset", offset))

	for p.active(ctx, s) {
		records, err := consumer.Poll(ctx, p.cfg.PollInterval)
		if err != nil {
			p.retryLater(ctx, s, logger, "failed to poll backlog", err)
			continue
		}
		if len(records) == 0 {
			continue
		}

		committed, err := p.processPack(ctx, s, consumer, records, logger)
		if err != nil {
			p.retryLater(ctx, s, logger, "failed to process pack", err)
			continue
		}
		if committed {
			offset = records[len(records)-1].Offset
		}
	}

	logger.Info("persisted messages processing stopped", slog.Int64("offset", offset))
}

// open opens the backlog consumer and reads the committed offset, retrying
// while the client stays connected.
func (p *Processor) open(ctx context.Context, s *session.Session, logger *slog.Logger) (storage.Consumer, int64, bool) {
	for p.active(ctx, s) {
		consumer, err := p.backlog.Open(ctx, s.ClientID)
		if err == nil {
			var offset int64
			offset, err = consumer.Committed(ctx, storage.DefaultPartition)
			if err == nil {
				return consumer, offset, true
			}
			consumer.Close()
		}

		if errors.Is(err, storage.ErrConsumerBusy) {
			logger.Debug("backlog consumer still held by previous loop")
			p.pause(ctx)
			continue
		}
		p.retryLater(ctx, s, logger, "failed to open backlog consumer", err)
	}
	return nil, 0, false
}

func (p *Processor) processPack(ctx context.Context, s *session.Session, consumer storage.Consumer, records []storage.Record, logger *slog.Logger) (bool, error) {
	start := time.Now()
	ack, submit := p.factory.New(s.ClientType, func(offset int64) error {
		logger.Debug("committing offset", slog.Int64("offset", offset))
		return consumer.Commit(ctx, storage.DefaultPartition, offset)
	})
	submit.Init(newEntries(records))

	pctx := NewPackContext(submit.Pending())
	p.contexts.Set(s.ClientID, pctx)
	defer p.contexts.CompareAndDelete(s.ClientID, func(v *PackContext) bool { return v == pctx })

	var decision Decision
	for p.active(ctx, s) {
		roundCtx, cancel := context.WithTimeout(ctx, p.cfg.PackProcessingTimeout)
		submit.Process(roundCtx, pctx, func(e Entry) {
			p.deliver(roundCtx, s, pctx, e, logger)
		})
		if s.IsConnected() {
			pctx.Await(roundCtx)
		}
		cancel()

		decision = ack.Analyze(pctx)
		if decision.Commit {
			break
		}

		logger.Debug("reprocessing pack",
			slog.String("pack_id", pctx.ID()),
			slog.Int("count", len(decision.Reprocess)))
		p.metrics.RecordReprocessed(len(decision.Reprocess))
		pctx = p.nextRound(s.ClientID, pctx, submit, decision.Reprocess)
	}

	if !decision.Commit || !p.active(ctx, s) {
		return false, nil
	}
	if decision.Dropped > 0 {
		logger.Debug("committing pack with unacknowledged packets",
			slog.String("pack_id", pctx.ID()),
			slog.Int("count", decision.Dropped))
	}
	if err := submit.OnCommit(); err != nil {
		return false, fmt.Errorf("failed to commit offset: %w", err)
	}

	p.metrics.RecordPackCommitted(len(records), time.Since(start))
	return true, nil
}

// nextRound registers the context of the next round before the previous one
// is released, so acks never land on a context nobody reads. Packets the
// previous round saw acknowledged after Analyze are not resent.
func (p *Processor) nextRound(clientID string, prev *PackContext, submit SubmitStrategy, reprocess map[uint16]Entry) *PackContext {
	submit.Update(reprocess)
	next := NewPackContext(submit.Pending())
	p.contexts.Set(clientID, next)

	if next.carryAcked(prev) > 0 {
		submit.Update(next.Pending())
	}
	return next
}

func (p *Processor) deliver(ctx context.Context, s *session.Session, pctx *PackContext, e Entry, logger *slog.Logger) {
	pctx.MarkSubmitted(e.PacketID())

	var err error
	switch {
	case s.InFlight != nil:
		err = s.InFlight.Send(ctx, e.Message)
	case s.Channel != nil:
		err = s.Channel.Write(ctx, e.Message)
	default:
		err = ErrNoChannel
	}
	if err == nil {
		return
	}

	pctx.OnFailure(e.PacketID())
	if s.IsConnected() {
		logger.Debug("failed to send persisted message",
			slog.Uint64("packet_id", uint64(e.PacketID())),
			slog.String("error", err.Error()))
	}
}

func (p *Processor) active(ctx context.Context, s *session.Session) bool {
	return ctx.Err() == nil && s.IsConnected()
}

func (p *Processor) retryLater(ctx context.Context, s *session.Session, logger *slog.Logger, msg string, err error) {
	if !p.active(ctx, s) {
		return
	}
	logger.Warn(msg, slog.String("error", err.Error()))
	p.pause(ctx)
}

func (p *Processor) pause(ctx context.Context) {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
