// Package kafka provides a Kafka-backed implementation of the event broker
// for multi-instance deployments: every instance mirrors its scan events to a
// shared topic and replays events published by its peers into its local
// in-process fan-out, so an SSE stream served by any instance observes every
// scan.
package kafka

import (
	"time"

	"github.com/IBM/sarama"
)

// Config contains all configuration needed for the Kafka broker.
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string
}

// NewClient creates and configures a sarama client with settings shared by
// the producer and the consumer group.
func NewClient(cfg *Config) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	// Consumer settings
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	// Scan events are a live feed: new instances care about current scans,
	// not history.
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second

	// Producer settings
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	// Hash partitioning by scan id keeps each scan's events ordered.
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}
