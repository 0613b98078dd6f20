// Package config defines the orchestrator's configuration surface and the
// Loader abstraction for reading it.
package config

import (
	"fmt"
	"time"
)

// BrokerKind selects the event broker implementation.
type BrokerKind string

const (
	// BrokerKindMemory fans events out in-process only. Suitable for a
	// single-instance deployment.
	BrokerKindMemory BrokerKind = "memory"

	// BrokerKindKafka mirrors events through a shared Kafka topic so SSE
	// clients see events regardless of which instance handled the callback.
	BrokerKindKafka BrokerKind = "kafka"
)

// WebConfig configures the HTTP listener.
type WebConfig struct {
	Addr            string        `yaml:"addr"`
	DebugAddr       string        `yaml:"debug_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PostgresConfig configures the database pool.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MinConns int32  `yaml:"min_conns"`
	MaxConns int32  `yaml:"max_conns"`
}

// KafkaConfig configures the shared event topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// BrokerConfig selects and configures the event broker.
type BrokerConfig struct {
	Kind  BrokerKind  `yaml:"kind"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// CallbacksConfig configures the collector callback ingress.
type CallbacksConfig struct {
	// BaseURL is the orchestrator address reachable from collectors. It is
	// embedded in every dispatch so collectors know where to report.
	BaseURL string `yaml:"base_url"`

	// Token is the shared secret collectors present on callbacks.
	Token string `yaml:"token"`

	// RPS and Burst bound per-collector callback throughput.
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// CollectorEndpoint names one collector's base URL.
type CollectorEndpoint struct {
	BaseURL string `yaml:"base_url"`
}

// DispatchConfig configures outbound calls to collectors.
type DispatchConfig struct {
	Timeout time.Duration `yaml:"timeout"`

	// Collectors maps collector names to endpoints. A profile may only
	// enable collectors registered here.
	Collectors map[string]CollectorEndpoint `yaml:"collectors"`

	// Inspector is the endpoint of the credentialed inspection collector.
	Inspector CollectorEndpoint `yaml:"inspector"`
}

// Config is the top-level orchestrator configuration.
type Config struct {
	// Environment names the deployment tier, e.g. "development" or
	// "production". Some safety checks only bind in production.
	Environment string `yaml:"environment"`

	Web       WebConfig       `yaml:"web"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Broker    BrokerConfig    `yaml:"broker"`
	Callbacks CallbacksConfig `yaml:"callbacks"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
}

// ApplyDefaults fills unset fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Environment == "" {
		c.Environment = "production"
	}
	if c.Web.Addr == "" {
		c.Web.Addr = ":8080"
	}
	if c.Web.DebugAddr == "" {
		c.Web.DebugAddr = ":6060"
	}
	if c.Web.ReadTimeout == 0 {
		c.Web.ReadTimeout = 10 * time.Second
	}
	if c.Web.IdleTimeout == 0 {
		c.Web.IdleTimeout = 2 * time.Minute
	}
	if c.Web.ShutdownTimeout == 0 {
		c.Web.ShutdownTimeout = 30 * time.Second
	}
	if c.Postgres.MinConns == 0 {
		c.Postgres.MinConns = 5
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 20
	}
	if c.Broker.Kind == "" {
		c.Broker.Kind = BrokerKindMemory
	}
	if c.Callbacks.RPS == 0 {
		c.Callbacks.RPS = 10
	}
	if c.Callbacks.Burst == 0 {
		c.Callbacks.Burst = 20
	}
	if c.Dispatch.Timeout == 0 {
		c.Dispatch.Timeout = 30 * time.Second
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	if c.Callbacks.BaseURL == "" {
		return fmt.Errorf("callbacks.base_url is required")
	}
	// An unset token is tolerated only outside production so local setups
	// can skip shared-secret plumbing. Deployed configurations must set it.
	if c.Callbacks.Token == "" && c.Environment == "production" {
		return fmt.Errorf("callbacks.token is required in production")
	}
	if len(c.Dispatch.Collectors) == 0 {
		return fmt.Errorf("dispatch.collectors must register at least one collector")
	}
	if c.Dispatch.Inspector.BaseURL == "" {
		return fmt.Errorf("dispatch.inspector.base_url is required")
	}
	if c.Broker.Kind == BrokerKindKafka {
		if len(c.Broker.Kafka.Brokers) == 0 {
			return fmt.Errorf("broker.kafka.brokers is required for the kafka broker")
		}
		if c.Broker.Kafka.Topic == "" {
			return fmt.Errorf("broker.kafka.topic is required for the kafka broker")
		}
	}
	if c.Broker.Kind != BrokerKindMemory && c.Broker.Kind != BrokerKindKafka {
		return fmt.Errorf("unknown broker kind %q", c.Broker.Kind)
	}
	return nil
}
