// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the function runtime.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Otel      OtelConfig      `yaml:"otel"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

// ServerConfig holds the listener configuration.
type ServerConfig struct {
	AdminAddr       string        `yaml:"admin_addr"`
	AdminEnabled    bool          `yaml:"admin_enabled"`
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	StatsInterval   time.Duration `yaml:"stats_interval"` // WebSocket stats push interval
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds blob store configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir     string `yaml:"badger_dir"`
	MaxObjectSize int64  `yaml:"max_object_size"`
}

// QueueConfig holds queue engine configuration.
type QueueConfig struct {
	DataDir             string `yaml:"data_dir"`
	MaxMessageSize      int64  `yaml:"max_message_size"`
	DefaultMaxBytes     int64  `yaml:"default_max_bytes"`
	DefaultMaxMessages  int64  `yaml:"default_max_messages"`
	DefaultPolicy       string `yaml:"default_policy"` // reject, drop_oldest
	SyncWrites          bool   `yaml:"sync_writes"`
	CompactionThreshold int    `yaml:"compaction_threshold"`
}

// ExecutorConfig holds function execution configuration.
type ExecutorConfig struct {
	WorkspaceDir       string        `yaml:"workspace_dir"`
	MaxConcurrent      int64         `yaml:"max_concurrent"`
	ParallelExecutions bool          `yaml:"parallel_executions"`
	ExecutionTimeout   time.Duration `yaml:"execution_timeout"`
	JanitorInterval    time.Duration `yaml:"janitor_interval"`
	WorkspaceMaxAge    time.Duration `yaml:"workspace_max_age"`
	PythonBin          string        `yaml:"python_bin"`
	DotnetBin          string        `yaml:"dotnet_bin"`
}

// DispatchConfig holds queue trigger dispatch configuration.
type DispatchConfig struct {
	PollTimeout          time.Duration `yaml:"poll_timeout"`
	RetryMaxAttempts     int           `yaml:"retry_max_attempts"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
	RetryMultiplier      float64       `yaml:"retry_multiplier"`
	BreakerThreshold     uint32        `yaml:"breaker_threshold"`
	BreakerResetTimeout  time.Duration `yaml:"breaker_reset_timeout"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
}

// OtelConfig holds OpenTelemetry configuration.
type OtelConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// RateLimitConfig holds per-host admin API rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	Request RateLimitBucket `yaml:"request"`
	Execute RateLimitBucket `yaml:"execute"`
}

// RateLimitBucket holds one token bucket definition.
type RateLimitBucket struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`  // events per second per host
	Burst           int           `yaml:"burst"` // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddr:       ":8080",
			AdminEnabled:    true,
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			StatsInterval:   5 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:          "badger",
			BadgerDir:     "./data/blobs",
			MaxObjectSize: 64 * 1024 * 1024, // 64MB
		},
		Queue: QueueConfig{
			DataDir:             "./data",
			MaxMessageSize:      1024 * 1024, // 1MB
			DefaultMaxBytes:     64 * 1024 * 1024,
			DefaultMaxMessages:  100000,
			DefaultPolicy:       "reject",
			SyncWrites:          true,
			CompactionThreshold: 4096,
		},
		Executor: ExecutorConfig{
			WorkspaceDir:       "./data/workspaces",
			MaxConcurrent:      8,
			ParallelExecutions: true,
			ExecutionTimeout:   60 * time.Second,
			JanitorInterval:    5 * time.Minute,
			WorkspaceMaxAge:    30 * time.Minute,
			PythonBin:          "python3",
			DotnetBin:          "dotnet",
		},
		Dispatch: DispatchConfig{
			PollTimeout:          5 * time.Second,
			RetryMaxAttempts:     3,
			RetryInitialInterval: 100 * time.Millisecond,
			RetryMaxInterval:     10 * time.Second,
			RetryMultiplier:      2.0,
			BreakerThreshold:     5,
			BreakerResetTimeout:  30 * time.Second,
			ShutdownTimeout:      30 * time.Second,
		},
		Otel: OtelConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxfn",
			ServiceVersion:  "0.1.0",
			MetricsEnabled:  true,
			TracesEnabled:   false, // Disabled by default for performance
			TraceSampleRate: 0.1,   // 10% sampling when enabled
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Request: RateLimitBucket{
				Enabled:         true,
				Rate:            50,
				Burst:           100,
				CleanupInterval: 5 * time.Minute,
			},
			Execute: RateLimitBucket{
				Enabled:         true,
				Rate:            5,
				Burst:           10,
				CleanupInterval: 5 * time.Minute,
			},
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
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
	if c.Server.AdminEnabled && c.Server.AdminAddr == "" {
		return fmt.Errorf("server.admin_addr required when the admin server is enabled")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when the health server is enabled")
	}
	if c.Server.StatsInterval < time.Second {
		return fmt.Errorf("server.stats_interval must be at least 1 second")
	}
	if c.Server.ShutdownTimeout < time.Second {
		return fmt.Errorf("server.shutdown_timeout must be at least 1 second")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}
	if c.Storage.MaxObjectSize < 1024 {
		return fmt.Errorf("storage.max_object_size must be at least 1KB")
	}

	if c.Queue.DataDir == "" {
		return fmt.Errorf("queue.data_dir cannot be empty")
	}
	if c.Queue.MaxMessageSize < 1024 {
		return fmt.Errorf("queue.max_message_size must be at least 1KB")
	}
	if c.Queue.DefaultMaxBytes < c.Queue.MaxMessageSize {
		return fmt.Errorf("queue.default_max_bytes must be at least queue.max_message_size")
	}
	if c.Queue.DefaultMaxMessages < 1 {
		return fmt.Errorf("queue.default_max_messages must be at least 1")
	}
	if c.Queue.DefaultPolicy != "reject" && c.Queue.DefaultPolicy != "drop_oldest" {
		return fmt.Errorf("queue.default_policy must be 'reject' or 'drop_oldest'")
	}
	if c.Queue.CompactionThreshold < 0 {
		return fmt.Errorf("queue.compaction_threshold cannot be negative")
	}

	if c.Executor.WorkspaceDir == "" {
		return fmt.Errorf("executor.workspace_dir cannot be empty")
	}
	if c.Executor.MaxConcurrent < 1 {
		return fmt.Errorf("executor.max_concurrent must be at least 1")
	}
	if c.Executor.ExecutionTimeout < time.Second {
		return fmt.Errorf("executor.execution_timeout must be at least 1 second")
	}

	if c.Dispatch.PollTimeout < 100*time.Millisecond {
		return fmt.Errorf("dispatch.poll_timeout must be at least 100ms")
	}
	if c.Dispatch.RetryMaxAttempts < 1 {
		return fmt.Errorf("dispatch.retry_max_attempts must be at least 1")
	}
	if c.Dispatch.RetryMultiplier < 1.0 {
		return fmt.Errorf("dispatch.retry_multiplier must be at least 1.0")
	}
	if c.Dispatch.BreakerThreshold < 1 {
		return fmt.Errorf("dispatch.breaker_threshold must be at least 1")
	}
	if c.Dispatch.ShutdownTimeout < time.Second {
		return fmt.Errorf("dispatch.shutdown_timeout must be at least 1 second")
	}

	if c.Otel.Enabled {
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint required when telemetry is enabled")
		}
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name required when telemetry is enabled")
		}
		if c.Otel.TraceSampleRate < 0.0 || c.Otel.TraceSampleRate > 1.0 {
			return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.RateLimit.Enabled {
		buckets := []struct {
			name string
			b    RateLimitBucket
		}{
			{"request", c.RateLimit.Request},
			{"execute", c.RateLimit.Execute},
		}
		for _, bucket := range buckets {
			if !bucket.b.Enabled {
				continue
			}
			if bucket.b.Rate <= 0 {
				return fmt.Errorf("ratelimit.%s.rate must be positive", bucket.name)
			}
			if bucket.b.Burst < 1 {
				return fmt.Errorf("ratelimit.%s.burst must be at least 1", bucket.name)
			}
			if bucket.b.CleanupInterval < time.Second {
				return fmt.Errorf("ratelimit.%s.cleanup_interval must be at least 1 second", bucket.name)
			}
		}
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
