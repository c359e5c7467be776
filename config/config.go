// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxPackSize is the upper bound of delivery.max_pack_size. Packet IDs of a
// pack are derived from backlog offsets and must not repeat within a pack.
const MaxPackSize = 65535

var (
	storageTypes     = []string{"memory", "badger"}
	compressionTypes = []string{"none", "s2"}
	ackStrategies    = []string{"skip_all", "retry_all", "retry_failed_only"}
	submitStrategies = []string{"burst", "sequential"}
	sharedStrategies = []string{"round_robin", "random", "least_inflight"}
	logLevels        = []string{"debug", "info", "warn", "error"}
	logFormats       = []string{"text", "json"}
)

// Config holds all configuration for the delivery engine.
type Config struct {
	Log                 LogConfig         `yaml:"log"`
	Storage             StorageConfig     `yaml:"storage"`
	Delivery            DeliveryConfig    `yaml:"delivery"`
	SharedSubscriptions SharedConfig      `yaml:"shared_subscriptions"`
	FlowControl         FlowControlConfig `yaml:"flow_control"`
	RateLimit           RateLimitConfig   `yaml:"rate_limit"`
	Cluster             ClusterConfig     `yaml:"cluster"`
	Metrics             MetricsConfig     `yaml:"metrics"`
	Health              HealthConfig      `yaml:"health"`
}

// HealthConfig holds the health check endpoint configuration.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds durable backlog configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir   string `yaml:"badger_dir"`
	SyncWrites  bool   `yaml:"sync_writes"`
	Compression string `yaml:"compression"` // none, s2
}

// DeliveryConfig holds persistent delivery loop settings.
type DeliveryConfig struct {
	// How long an idle loop waits for new backlog records
	PollInterval time.Duration `yaml:"poll_interval"`

	// How long a pack waits for acknowledgements before the ack strategy runs
	PackProcessingTimeout time.Duration `yaml:"pack_processing_timeout"`

	// How long StopProcessing waits for a loop to exit
	StopProcessingTimeout time.Duration `yaml:"stop_processing_timeout"`

	// Maximum messages per pack
	MaxPackSize int `yaml:"max_pack_size"`

	Device      ClassConfig `yaml:"device"`
	Application ClassConfig `yaml:"application"`
}

// ClassConfig holds the delivery strategies of one client class.
type ClassConfig struct {
	AckStrategy    string `yaml:"ack_strategy"`    // skip_all, retry_all, retry_failed_only
	SubmitStrategy string `yaml:"submit_strategy"` // burst, sequential
	MaxRetries     int    `yaml:"max_retries"`     // 0 means unlimited
}

// SharedConfig holds shared subscription settings.
type SharedConfig struct {
	Strategy string `yaml:"strategy"` // round_robin, random, least_inflight

	// Session expiry (seconds) of the placeholder used when a group is fully offline
	OfflineSessionExpiry uint32 `yaml:"offline_session_expiry"`
}

// FlowControlConfig holds outbound flow control settings.
type FlowControlConfig struct {
	Enabled bool `yaml:"enabled"`

	// Delayed messages older than this are dropped
	Timeout time.Duration `yaml:"timeout"`

	// Pause between scans that emitted nothing
	SleepInterval time.Duration `yaml:"sleep_interval"`

	// Maximum unacknowledged QoS 1/2 messages per client
	MaxInFlight int `yaml:"max_in_flight"`
}

// RateLimitConfig holds the per-client outbound QoS 0 rate limit.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // Messages per second
	Burst   int     `yaml:"burst"` // Max burst size
}

// ClusterConfig holds multi-node settings.
type ClusterConfig struct {
	NodeID         string               `yaml:"node_id"`
	Transport      TransportConfig      `yaml:"transport"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TransportConfig holds inter-node downlink transport configuration.
type TransportConfig struct {
	BindAddr    string            `yaml:"bind_addr"`    // gRPC address (e.g., "0.0.0.0:7948")
	Peers       map[string]string `yaml:"peers"`        // Map of nodeID -> transport address for peers
	CallTimeout time.Duration     `yaml:"call_timeout"` // Per-call deadline
}

// CircuitBreakerConfig holds per-peer circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// MetricsConfig holds OpenTelemetry configuration.
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	Endpoint        string        `yaml:"endpoint"` // OTLP gRPC endpoint
	Insecure        bool          `yaml:"insecure"` // Plaintext connection to the collector
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
	Interval        time.Duration `yaml:"interval"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:        "memory",
			BadgerDir:   "/tmp/tbmq/data",
			Compression: "none",
		},
		Delivery: DeliveryConfig{
			PollInterval:          100 * time.Millisecond,
			PackProcessingTimeout: 20 * time.Second,
			StopProcessingTimeout: 5 * time.Second,
			MaxPackSize:           100,
			Device: ClassConfig{
				AckStrategy:    "skip_all",
				SubmitStrategy: "burst",
			},
			Application: ClassConfig{
				AckStrategy:    "retry_all",
				SubmitStrategy: "burst",
				MaxRetries:     3,
			},
		},
		SharedSubscriptions: SharedConfig{
			Strategy:             "round_robin",
			OfflineSessionExpiry: 1000,
		},
		FlowControl: FlowControlConfig{
			Enabled:       true,
			Timeout:       10 * time.Second,
			SleepInterval: 5 * time.Millisecond,
			MaxInFlight:   65535,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Rate:    1000,
			Burst:   100,
		},
		Cluster: ClusterConfig{
			NodeID: "tbmq-1",
			Transport: TransportConfig{
				BindAddr:    "",
				CallTimeout: 5 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			TracesEnabled:   false,
			Endpoint:        "localhost:4317",
			Insecure:        true,
			ServiceName:     "tbmq",
			ServiceVersion:  "dev",
			TraceSampleRate: 0.1,
			Interval:        10 * time.Second,
		},
		Health: HealthConfig{
			Enabled:         false,
			Address:         ":8081",
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file.
// If filename is empty or the file does not exist, the defaults are returned.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !slices.Contains(logLevels, c.Log.Level) {
		return fmt.Errorf("log.level must be one of %v", logLevels)
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		return fmt.Errorf("log.format must be one of %v", logFormats)
	}

	if !slices.Contains(storageTypes, c.Storage.Type) {
		return fmt.Errorf("storage.type must be one of %v", storageTypes)
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when storage type is badger")
	}
	if !slices.Contains(compressionTypes, c.Storage.Compression) {
		return fmt.Errorf("storage.compression must be one of %v", compressionTypes)
	}

	d := c.Delivery
	if d.PollInterval <= 0 {
		return fmt.Errorf("delivery.poll_interval must be positive")
	}
	if d.PackProcessingTimeout <= 0 {
		return fmt.Errorf("delivery.pack_processing_timeout must be positive")
	}
	if d.StopProcessingTimeout <= 0 {
		return fmt.Errorf("delivery.stop_processing_timeout must be positive")
	}
	if d.MaxPackSize < 1 || d.MaxPackSize > MaxPackSize {
		return fmt.Errorf("delivery.max_pack_size must be between 1 and %d", MaxPackSize)
	}
	for name, cc := range map[string]ClassConfig{"device": d.Device, "application": d.Application} {
		if err := cc.validate("delivery." + name); err != nil {
			return err
		}
	}

	if !slices.Contains(sharedStrategies, c.SharedSubscriptions.Strategy) {
		return fmt.Errorf("shared_subscriptions.strategy must be one of %v", sharedStrategies)
	}

	if c.FlowControl.Enabled {
		if c.FlowControl.Timeout <= 0 {
			return fmt.Errorf("flow_control.timeout must be positive")
		}
		if c.FlowControl.SleepInterval <= 0 {
			return fmt.Errorf("flow_control.sleep_interval must be positive")
		}
		if c.FlowControl.MaxInFlight < 1 || c.FlowControl.MaxInFlight > 65535 {
			return fmt.Errorf("flow_control.max_in_flight must be between 1 and 65535")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate_limit.rate must be positive")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("rate_limit.burst must be at least 1")
		}
	}

	if c.Cluster.NodeID == "" {
		return fmt.Errorf("cluster.node_id cannot be empty")
	}
	for id, addr := range c.Cluster.Transport.Peers {
		if id == c.Cluster.NodeID {
			return fmt.Errorf("cluster.transport.peers cannot contain the local node %q", id)
		}
		if addr == "" {
			return fmt.Errorf("cluster.transport.peers[%s] address cannot be empty", id)
		}
	}
	if len(c.Cluster.Transport.Peers) > 0 && c.Cluster.Transport.CallTimeout <= 0 {
		return fmt.Errorf("cluster.transport.call_timeout must be positive")
	}
	if c.Cluster.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("cluster.circuit_breaker.failure_threshold must be at least 1")
	}

	if c.Metrics.TraceSampleRate < 0 || c.Metrics.TraceSampleRate > 1 {
		return fmt.Errorf("metrics.trace_sample_rate must be between 0.0 and 1.0")
	}
	if (c.Metrics.Enabled || c.Metrics.TracesEnabled) && c.Metrics.Endpoint == "" {
		return fmt.Errorf("metrics.endpoint required when metrics or traces are enabled")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health.address required when health endpoint is enabled")
	}

	return nil
}

func (cc ClassConfig) validate(prefix string) error {
	if !slices.Contains(ackStrategies, cc.AckStrategy) {
		return fmt.Errorf("%s.ack_strategy must be one of %v", prefix, ackStrategies)
	}
	if !slices.Contains(submitStrategies, cc.SubmitStrategy) {
		return fmt.Errorf("%s.submit_strategy must be one of %v", prefix, submitStrategies)
	}
	if cc.MaxRetries < 0 {
		return fmt.Errorf("%s.max_retries cannot be negative", prefix)
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
