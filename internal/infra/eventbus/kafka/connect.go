package kafka

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/dbsweep/dbsweep/pkg/common/logger"
)

// ConnectWithRetry establishes the Kafka-backed broker with exponential
// backoff, retrying for up to 5 minutes. This rides out broker unavailability
// during rolling deploys and cluster restarts.
func ConnectWithRetry(cfg *Config, log *logger.Logger, tracer trace.Tracer) (*Broker, error) {
	var broker *Broker

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		client, err := NewClient(cfg)
		if err != nil {
			return fmt.Errorf("failed to create kafka client: %w", err)
		}

		broker, err = NewBroker(cfg, client, log, tracer)
		if err != nil {
			client.Close()
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to kafka after retries: %w", err)
	}

	return broker, nil
}
