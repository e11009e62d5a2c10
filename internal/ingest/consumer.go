package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type (
	// MessageReader is the slice of kafka.Reader the consumer drives. An
	// interface so unit tests can script the topic.
	MessageReader interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	}

	// MessageForwarder hands one commit message to the event log.
	MessageForwarder interface {
		Forward(ctx context.Context, message []byte) (Outcome, error)
	}

	// Consumer moves commit messages from the topic to the event log, in
	// order, committing each offset once the event log took a position.
	Consumer struct {
		reader     MessageReader
		forwarder  MessageForwarder
		retryPause time.Duration
		logger     *slog.Logger
	}
)

// NewReader creates the kafka reader for the commit topic. Offsets live with
// the consumer group; a fresh group starts from the oldest retained message.
func NewReader(config *Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     config.Brokers,
		GroupID:     config.GroupID,
		Topic:       config.Topic,
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,
	})
}

// NewConsumer wires the consumer loop.
func NewConsumer(reader MessageReader, forwarder MessageForwarder, config *Config, logger *slog.Logger) *Consumer {
	retryPause := config.RetryPause
	if retryPause <= 0 {
		retryPause = defaultRetryPause
	}

	return &Consumer{
		reader:     reader,
		forwarder:  forwarder,
		retryPause: retryPause,
		logger:     logger,
	}
}

// Run consumes the topic until the context ends. A message whose forward
// budget ran out is tried again after the retry pause; the loop never skips
// ahead of an unanswered message, so order is preserved and nothing is lost.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "ingester started")

	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.InfoContext(ctx, "ingester stopped")

				return nil
			}

			return fmt.Errorf("failed to fetch commit message: %w", err)
		}

		if err := c.deliver(ctx, message); err != nil {
			c.logger.InfoContext(ctx, "ingester stopped")

			return nil
		}
	}
}

// deliver forwards one message until the event log takes a position, then
// commits its offset. Returns the context error when cancelled mid-message.
func (c *Consumer) deliver(ctx context.Context, message kafka.Message) error {
	for {
		outcome, err := c.forwarder.Forward(ctx, message.Value)
		if err == nil {
			if outcome == Forwarded {
				c.logger.DebugContext(ctx, "commit event forwarded",
					slog.Int64("offset", message.Offset),
					slog.Int("partition", message.Partition),
				)
			}

			c.commit(ctx, message)

			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.ErrorContext(ctx, "forward budget exhausted, holding offset",
			slog.Int64("offset", message.Offset),
			slog.Int("partition", message.Partition),
			slog.String("error", err.Error()),
		)

		wait(ctx, c.retryPause)
	}
}

// commit records the offset. Failures are logged, not fatal: commits are
// cumulative, so the next successful one covers this message; worst case is
// a redelivery, which the event log absorbs.
func (c *Consumer) commit(ctx context.Context, message kafka.Message) {
	if err := c.reader.CommitMessages(ctx, message); err != nil {
		c.logger.ErrorContext(ctx, "failed to commit offset",
			slog.Int64("offset", message.Offset),
			slog.Int("partition", message.Partition),
			slog.String("error", err.Error()),
		)
	}
}

// wait sleeps for d unless the context ends first.
func wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
