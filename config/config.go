// Copyright (c) Pushmesh
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pushmesh/connector/ratelimit"
)

// Config holds all configuration for the push connector.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Broker    BrokerConfig     `yaml:"broker"`
	Retry     RetryConfig      `yaml:"retry"`
	Dedup     DedupConfig      `yaml:"dedup"`
	Directory DirectoryConfig  `yaml:"directory"`
	Storage   StorageConfig    `yaml:"storage"`
	Log       LogConfig        `yaml:"log"`
	Webhook   WebhookConfig    `yaml:"webhook"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

// ServerConfig holds client-facing server configuration.
type ServerConfig struct {
	TCPAddr         string        `yaml:"tcp_addr"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	HealthAddr      string        `yaml:"health_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"` // OTLP endpoint
	TCPMaxConn      int           `yaml:"tcp_max_connections"`
	MaxFrameSize    int           `yaml:"max_frame_size"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	WSEnabled       bool          `yaml:"ws_enabled"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`

	// OpenTelemetry configuration
	OtelServiceName    string `yaml:"otel_service_name"`
	OtelServiceVersion string `yaml:"otel_service_version"`
}

// BrokerConfig holds AMQP broker settings.
type BrokerConfig struct {
	// URL overrides Address/Username/Password/Vhost when set.
	URL      string `yaml:"url"`
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Vhost    string `yaml:"vhost"`

	// Exchange is the fanout exchange notifications arrive on.
	Exchange string `yaml:"exchange"`

	// DeadLetterExchange receives envelopes that repeatedly fail to decode.
	DeadLetterExchange string `yaml:"dead_letter_exchange"`

	// MaxMalformedRedeliveries bounds requeueing of undecodable envelopes.
	MaxMalformedRedeliveries int `yaml:"max_malformed_redeliveries"`

	Prefetch    int           `yaml:"prefetch"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
}

// RetryConfig holds reconciliation scheduler settings.
type RetryConfig struct {
	// Interval between reconciliation passes.
	Interval time.Duration `yaml:"interval"`

	// Window is how long a sent message stays eligible for resend.
	Window time.Duration `yaml:"window"`

	// ResendRate caps resends per second across a pass (0 = unlimited).
	ResendRate float64 `yaml:"resend_rate"`

	// ResendBurst is the limiter burst allowance.
	ResendBurst int `yaml:"resend_burst"`

	// PruneEvery is how often aged-out records are deleted (0 = never).
	PruneEvery time.Duration `yaml:"prune_every"`
}

// DedupConfig holds delivery-tag dedup settings.
type DedupConfig struct {
	// Window is how long a delivery tag is remembered.
	Window time.Duration `yaml:"window"`

	// SweepInterval is how often expired tags are evicted.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DirectoryConfig holds connection directory settings.
type DirectoryConfig struct {
	// LivenessTimeout evicts clients whose last heartbeat is older than
	// this (0 = never evict).
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`

	// SweepInterval is how often the eviction sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int               `yaml:"workers"`          // Number of worker goroutines
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          WebhookRetryConfig   `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// WebhookRetryConfig holds retry configuration for webhook delivery.
type WebhookRetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name    string              `yaml:"name"`
	URL     string              `yaml:"url"`
	Events  []string            `yaml:"events"` // Event type filter (empty = all)
	Headers map[string]string   `yaml:"headers"`
	Timeout time.Duration       `yaml:"timeout,omitempty"` // Override default
	Retry   *WebhookRetryConfig `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:         ":9100",
			TCPMaxConn:      10000,
			MaxFrameSize:    4096,
			IdleTimeout:     300 * time.Second,
			WriteTimeout:    30 * time.Second,
			TLSEnabled:      false,
			WSAddr:          ":9101",
			WSPath:          "/push",
			WSEnabled:       true,
			HealthAddr:      ":9102",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:    "push-connector",
			OtelServiceVersion: "1.0.0",
		},
		Broker: BrokerConfig{
			Address:                  "localhost:5672",
			Vhost:                    "/",
			Exchange:                 "message",
			DeadLetterExchange:       "message.dlx",
			MaxMalformedRedeliveries: 5,
			Prefetch:                 64,
			DialTimeout:              10 * time.Second,
			Heartbeat:                10 * time.Second,
		},
		Retry: RetryConfig{
			Interval:    5 * time.Second,
			Window:      15 * time.Minute,
			ResendRate:  0, // unlimited
			ResendBurst: 0,
			PruneEvery:  time.Minute,
		},
		Dedup: DedupConfig{
			Window:        30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Directory: DirectoryConfig{
			LivenessTimeout: 90 * time.Second,
			SweepInterval:   10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:      "memory",
			BadgerDir: "/tmp/pushconn/data",
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: WebhookRetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
		RateLimit: ratelimit.DefaultConfig(),
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
	if c.Server.TCPAddr == "" {
		return fmt.Errorf("server.tcp_addr cannot be empty")
	}
	if c.Server.TCPMaxConn < 0 {
		return fmt.Errorf("server.tcp_max_connections cannot be negative")
	}
	if c.Server.MaxFrameSize < 64 {
		return fmt.Errorf("server.max_frame_size must be at least 64 bytes")
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCertFile == "" {
			return fmt.Errorf("server.tls_cert_file required when TLS is enabled")
		}
		if c.Server.TLSKeyFile == "" {
			return fmt.Errorf("server.tls_key_file required when TLS is enabled")
		}
	}

	if c.Broker.URL == "" && c.Broker.Address == "" {
		return fmt.Errorf("broker.url or broker.address required")
	}
	if c.Broker.Exchange == "" {
		return fmt.Errorf("broker.exchange cannot be empty")
	}
	if c.Broker.MaxMalformedRedeliveries < 1 {
		return fmt.Errorf("broker.max_malformed_redeliveries must be at least 1")
	}

	if c.Retry.Interval < time.Second {
		return fmt.Errorf("retry.interval must be at least 1 second")
	}
	if c.Retry.Window < time.Minute {
		return fmt.Errorf("retry.window must be at least 1 minute")
	}
	if c.Retry.ResendRate < 0 {
		return fmt.Errorf("retry.resend_rate cannot be negative")
	}

	if c.Dedup.Window < time.Minute {
		return fmt.Errorf("dedup.window must be at least 1 minute")
	}

	if c.Directory.LivenessTimeout < 0 {
		return fmt.Errorf("directory.liveness_timeout cannot be negative")
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

	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.MetricsAddr == "" {
			return fmt.Errorf("server.metrics_addr cannot be empty when metrics enabled")
		}
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
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
