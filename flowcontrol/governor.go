// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package flowcontrol

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/luthuanphong/tbmq/internal/shardmap"
)

// Handle is a per-client source of delayed messages.
type Handle interface {
	// ProcessMsg emits at most one delayed message if the client's in-flight
	// budget allows it. Delayed messages older than timeout are dropped.
	// Returns true if a message was emitted.
	ProcessMsg(timeout time.Duration) bool
}

// Config holds governor settings.
type Config struct {
	Enabled       bool
	Timeout       time.Duration // Max age of a delayed message
	SleepInterval time.Duration // Pause after a scan that emitted nothing
}

// Governor periodically drains delayed messages of throttled clients.
type Governor struct {
	cfg     Config
	clients *shardmap.Map[Handle]
	logger  *slog.Logger

	sleep func(ctx context.Context)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewGovernor creates a governor. It does nothing until Start is called.
func NewGovernor(cfg Config, logger *slog.Logger) *Governor {
	if cfg.SleepInterval <= 0 {
		cfg.SleepInterval = 5 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Governor{
		cfg:     cfg,
		clients: shardmap.New[Handle](),
		logger:  logger,
	}
	g.sleep = g.pause
	return g
}

// Enabled reports whether flow control is active.
func (g *Governor) Enabled() bool {
	return g != nil && g.cfg.Enabled
}

// AddToMap starts tracking a client with delayed messages.
// It is a no-op when flow control is disabled or the arguments are empty.
func (g *Governor) AddToMap(clientID string, h Handle) {
	if !g.Enabled() || clientID == "" || h == nil {
		return
	}
	g.clients.Set(clientID, h)
}

// RemoveFromMap stops tracking a client. Safe for clients never tracked.
func (g *Governor) RemoveFromMap(clientID string) {
	if g == nil || clientID == "" {
		return
	}
	g.clients.Delete(clientID)
}

// Len returns the number of tracked clients.
func (g *Governor) Len() int {
	return g.clients.Len()
}

// Start launches the scan loop. Calling Start on a running or disabled
// governor does nothing.
func (g *Governor) Start(ctx context.Context) {
	if !g.Enabled() {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return
	}

	ctx, g.cancel = context.WithCancel(ctx)
	g.done = make(chan struct{})
	g.running = true
	go g.run(ctx, g.done)

	g.logger.Info("flow control started",
		slog.Duration("timeout", g.cfg.Timeout),
		slog.Duration("sleep_interval", g.cfg.SleepInterval))
}

// Stop stops the scan loop and waits for it to exit.
func (g *Governor) Stop() {
	if g == nil {
		return
	}

	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	cancel, done := g.cancel, g.done
	g.mu.Unlock()

	cancel()
	<-done
}

func (g *Governor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		if !g.runCycle() {
			g.sleep(ctx)
		}
	}
}

// runCycle scans all tracked clients once and reports whether any delayed
// message was emitted.
func (g *Governor) runCycle() bool {
	emitted := false
	var handles []Handle
	g.clients.ForEach(func(_ string, h Handle) {
		handles = append(handles, h)
	})

	for _, h := range handles {
		if h.ProcessMsg(g.cfg.Timeout) {
			emitted = true
		}
	}
	return emitted
}

func (g *Governor) pause(ctx context.Context) {
	t := time.NewTimer(g.cfg.SleepInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
