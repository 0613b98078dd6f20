// Package fileloader loads orchestrator configuration from a yaml file,
// with environment variables overriding the secrets and addresses that vary
// per deployment.
package fileloader

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dbsweep/dbsweep/internal/config"
)

// FileLoader loads configuration from a file on disk. It implements the
// Loader interface to provide file-based configuration management.
type FileLoader struct {
	// path is the filesystem path to the configuration file.
	path string
}

// NewFileLoader creates a new FileLoader that will load configuration from
// the specified file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the configuration file, applies environment
// overrides and defaults, and validates the result.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides lets per-deployment values be injected without editing
// the config file. Secrets in particular should come from the environment,
// not the file.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("CALLBACK_TOKEN"); v != "" {
		cfg.Callbacks.Token = v
	}
	if v := os.Getenv("CALLBACK_BASE_URL"); v != "" {
		cfg.Callbacks.BaseURL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Broker.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_EVENTS_TOPIC"); v != "" {
		cfg.Broker.Kafka.Topic = v
	}
	if v := os.Getenv("BROKER_KIND"); v != "" {
		cfg.Broker.Kind = config.BrokerKind(v)
	}
}
