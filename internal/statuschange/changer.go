// Package statuschange moves events through the processing state machine.
// Every transition arrives as a StatusChangeEvent variant; the StatusChanger
// applies a variant's database changes in one transaction and keeps the
// status gauges in step with the committed state.
package statuschange

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/triplestream/eventlog/internal/events"
	"github.com/triplestream/eventlog/internal/eventstore"
)

// Sentinel errors of the status changer.
var (
	// ErrInvalidTransition reports a guarded update that matched no row:
	// the event is not in the status the transition starts from.
	ErrInvalidTransition = errors.New("status transition not allowed")

	// ErrEventNotFound reports a transition addressed to an unknown event.
	ErrEventNotFound = errors.New("event not found")

	// ErrMalformedEvent reports a status change payload that decodes to no
	// known variant.
	ErrMalformedEvent = errors.New("malformed status change payload")
)

const defaultRetryInterval = 10 * time.Second

type (
	// StatusChangeEvent is one transition of the event state machine. The
	// variant set is closed: every implementation lives in this package.
	StatusChangeEvent interface {
		// EventType names the variant in log lines and queue rows.
		EventType() string

		updateDB(ctx context.Context, tx *sql.Tx, c *StatusChanger) (UpdateResults, error)
	}

	// rollbacker is implemented by variants that leave the event in a
	// retriable state when their transaction fails.
	rollbacker interface {
		rollback(ctx context.Context, c *StatusChanger) error
	}

	// UpdateResults carries the recomputed per-status counts of every
	// project an update touched, keyed by slug. Empty results mean the
	// gauges need no adjustment.
	UpdateResults struct {
		Projects map[string]map[events.Status]int
	}

	// GaugeSync is the slice of the status gauges the changer needs.
	GaugeSync interface {
		SyncProject(slug string, counts map[events.Status]int)
	}

	// StatusChanger applies status change events to the store.
	StatusChanger struct {
		store         *eventstore.Store
		gauges        GaugeSync
		logger        *slog.Logger
		retryInterval time.Duration
	}
)

// NewStatusChanger creates a StatusChanger. retryInterval is the default
// execution delay of recoverable failures whose event carries none.
func NewStatusChanger(
	store *eventstore.Store,
	gauges GaugeSync,
	retryInterval time.Duration,
	logger *slog.Logger,
) *StatusChanger {
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}

	return &StatusChanger{
		store:         store,
		gauges:        gauges,
		logger:        logger,
		retryInterval: retryInterval,
	}
}

// Update runs the variant's database changes in a single transaction and
// syncs the gauges of every touched project. When the transaction fails and
// the variant declares a rollback hook, the hook runs in a fresh transaction
// so the event lands back in a state a finder can pick up again.
func (c *StatusChanger) Update(ctx context.Context, event StatusChangeEvent) (UpdateResults, error) {
	var results UpdateResults

	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := event.updateDB(ctx, tx, c)
		if err != nil {
			return err
		}

		results = r

		return nil
	})
	if err != nil {
		c.runRollback(ctx, event, err)

		return UpdateResults{}, fmt.Errorf("%s failed: %w", event.EventType(), err)
	}

	for slug, counts := range results.Projects {
		c.gauges.SyncProject(slug, counts)
	}

	c.logger.InfoContext(ctx, "status change applied",
		slog.String("event_type", event.EventType()),
	)

	return results, nil
}

func (c *StatusChanger) runRollback(ctx context.Context, event StatusChangeEvent, cause error) {
	// Transition guards failing is not a database fault; the event simply
	// is not where the variant expects it, so there is nothing to undo.
	if errors.Is(cause, ErrInvalidTransition) || errors.Is(cause, ErrEventNotFound) {
		return
	}

	rb, ok := event.(rollbacker)
	if !ok {
		return
	}

	if err := rb.rollback(ctx, c); err != nil {
		c.logger.ErrorContext(ctx, "status change rollback failed",
			slog.String("event_type", event.EventType()),
			slog.String("error", err.Error()),
		)
	}
}

// recount builds the UpdateResults entry for one project.
func (c *StatusChanger) recount(
	ctx context.Context,
	tx *sql.Tx,
	project events.Project,
) (UpdateResults, error) {
	counts, err := c.store.CountsForProjectTx(ctx, tx, project.ID)
	if err != nil {
		return UpdateResults{}, err
	}

	return UpdateResults{Projects: map[string]map[events.Status]int{project.Slug: counts}}, nil
}
