package statuschange

import (
	"context"
	"log/slog"
	"time"

	"github.com/triplestream/eventlog/internal/eventstore"
)

const defaultPollInterval = time.Second

// QueueProcessor drains status_change_events_queue oldest first. Rows whose
// update fails stay queued and are retried on the next poll; rows that no
// longer decode are dropped so one bad row cannot wedge the queue.
type QueueProcessor struct {
	store        *eventstore.Store
	changer      *StatusChanger
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewQueueProcessor creates the processor. A non-positive pollInterval
// falls back to one second.
func NewQueueProcessor(
	store *eventstore.Store,
	changer *StatusChanger,
	pollInterval time.Duration,
	logger *slog.Logger,
) *QueueProcessor {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	return &QueueProcessor{
		store:        store,
		changer:      changer,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Run polls the queue until the context is cancelled.
func (p *QueueProcessor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := p.processNext(ctx)
		if err != nil {
			p.logger.ErrorContext(ctx, "status change queue processing failed",
				slog.String("error", err.Error()),
			)
			wait(ctx, p.pollInterval)

			continue
		}

		if !processed {
			wait(ctx, p.pollInterval)
		}
	}
}

// processNext handles one queue row. Returns false when the queue is empty.
func (p *QueueProcessor) processNext(ctx context.Context) (bool, error) {
	row, err := p.store.FetchOldestStatusChange(ctx)
	if err != nil {
		return false, err
	}

	if row == nil {
		return false, nil
	}

	event, err := DecodeQueued(row.EventType, row.Payload)
	if err != nil {
		p.logger.ErrorContext(ctx, "dropping undecodable status change queue row",
			slog.Int64("id", row.ID),
			slog.String("event_type", row.EventType),
			slog.String("error", err.Error()),
		)

		return true, p.store.RemoveStatusChange(ctx, row.ID)
	}

	if _, err := p.changer.Update(ctx, event); err != nil {
		// Row kept: the update is retried on the next poll.
		return false, err
	}

	return true, p.store.RemoveStatusChange(ctx, row.ID)
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
