// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luthuanphong/tbmq/broker"
	"github.com/luthuanphong/tbmq/config"
	"github.com/luthuanphong/tbmq/server/health"
	"github.com/luthuanphong/tbmq/server/otel"
	"github.com/luthuanphong/tbmq/storage"
	"github.com/luthuanphong/tbmq/storage/badger"
	"github.com/luthuanphong/tbmq/storage/memory"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting delivery engine", "node_id", cfg.Cluster.NodeID)
	slog.Info("Configuration loaded",
		"storage", cfg.Storage.Type,
		"poll_interval", cfg.Delivery.PollInterval,
		"pack_processing_timeout", cfg.Delivery.PackProcessingTimeout,
		"max_pack_size", cfg.Delivery.MaxPackSize,
		"shared_strategy", cfg.SharedSubscriptions.Strategy,
		"flow_control", cfg.FlowControl.Enabled,
		"downlink_addr", cfg.Cluster.Transport.BindAddr,
		"log_level", cfg.Log.Level)

	var backlog storage.Backlog
	switch cfg.Storage.Type {
	case "memory":
		backlog = memory.New(cfg.Delivery.MaxPackSize)
		slog.Info("Using in-memory backlog")
	case "badger":
		badgerBacklog, err := badger.New(badger.Config{
			Dir:         cfg.Storage.BadgerDir,
			Compression: badger.Compression(cfg.Storage.Compression),
			MaxPackSize: cfg.Delivery.MaxPackSize,
			SyncWrites:  cfg.Storage.SyncWrites,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB backlog", "error", err)
			os.Exit(1)
		}
		backlog = badgerBacklog
		slog.Info("Using BadgerDB backlog", "dir", cfg.Storage.BadgerDir, "compression", cfg.Storage.Compression)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}

	var provider *otel.Provider
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Metrics.Enabled || cfg.Metrics.TracesEnabled {
		p, err := otel.Setup(context.Background(), cfg.Metrics, cfg.Cluster.NodeID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		provider = p
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Metrics.Endpoint, "insecure", cfg.Metrics.Insecure)

		if cfg.Metrics.Enabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}

		if cfg.Metrics.TracesEnabled {
			tracer = provider.Tracer()
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Metrics.TraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	engine, err := broker.New(cfg, backlog, nil, metrics, tracer, logger)
	if err != nil {
		slog.Error("Failed to create delivery engine", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		slog.Error("Failed to start delivery engine", "error", err)
		os.Exit(1)
	}

	slog.Info("Delivery engine started successfully")

	healthDone := make(chan struct{})
	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Address,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
		}, engine, logger)
		go func() {
			defer close(healthDone)
			if err := healthServer.Listen(ctx); err != nil {
				slog.Error("Health check server error", "error", err)
			}
		}()
	} else {
		close(healthDone)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	slog.Info("Received shutdown signal", "signal", sig)

	cancel()
	<-healthDone

	if err := engine.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if provider != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := provider.Shutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Delivery engine stopped")
}
