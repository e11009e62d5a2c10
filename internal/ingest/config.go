package ingest

import (
	"errors"
	"strings"
	"time"

	"github.com/triplestream/eventlog/internal/config"
)

const (
	defaultTopic          = "commit-events"
	defaultGroupID        = "eventlog-ingester"
	defaultEndpoint       = "http://localhost:8080/events"
	defaultForwardBudget  = 30 * time.Second
	defaultRetryPause     = 5 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

var (
	// ErrNoBrokers indicates KAFKA_BROKERS is unset or empty.
	ErrNoBrokers = errors.New("at least one kafka broker is required")

	// ErrNoEndpoint indicates the event-log endpoint is empty.
	ErrNoEndpoint = errors.New("event log endpoint cannot be empty")
)

// Config holds the ingester configuration.
type Config struct {
	// Brokers is the Kafka bootstrap broker list.
	Brokers []string

	// Topic is the commit-event topic.
	Topic string

	// GroupID is the consumer group; offsets are tracked per group.
	GroupID string

	// Endpoint is the event-log events endpoint commits are forwarded to.
	Endpoint string

	// ForwardBudget bounds the backoff retries of one forward attempt.
	ForwardBudget time.Duration

	// RetryPause is the rest between exhausted forward budgets.
	RetryPause time.Duration
}

// LoadConfig loads ingester configuration from environment variables with
// sensible defaults. KAFKA_BROKERS is a comma-separated list.
func LoadConfig() *Config {
	return &Config{
		Brokers:       config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "")),
		Topic:         config.GetEnvStr("KAFKA_TOPIC", defaultTopic),
		GroupID:       config.GetEnvStr("KAFKA_GROUP_ID", defaultGroupID),
		Endpoint:      config.GetEnvStr("EVENTLOG_ENDPOINT", defaultEndpoint),
		ForwardBudget: defaultForwardBudget,
		RetryPause:    defaultRetryPause,
	}
}

// Validate checks the ingester configuration.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	if strings.TrimSpace(c.Endpoint) == "" {
		return ErrNoEndpoint
	}

	return nil
}
