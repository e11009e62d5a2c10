// Package dispatch delivers ready events to registered subscribers. One
// dispatcher loop runs per egress category; each pairs an EventFinder, which
// atomically claims the next dispatchable event from the store, with the
// category's subscriber registry and an EventsSender that posts the event
// over HTTP multipart.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/triplestream/eventlog/internal/events"
	"github.com/triplestream/eventlog/internal/subscribers"
)

const (
	defaultNoEventSleep  = time.Second
	defaultRetryInterval = 10 * time.Second
)

type (
	// EventFinder claims the next dispatchable event of its category.
	// deliveryID identifies the subscriber about to receive the event; the
	// finder stamps it on the delivery row so the claim can be traced back
	// to its holder. A nil event with nil error means nothing is ready.
	EventFinder interface {
		PopEvent(ctx context.Context, deliveryID string) (*SendableEvent, error)
	}

	// deliveredHook is implemented by finders that settle extra state once
	// their event reached a subscriber.
	deliveredHook interface {
		delivered(ctx context.Context, event *SendableEvent) error
	}

	// misdeliveredHook is implemented by finders that can undo an in-flight
	// claim after its subscriber turned out to be gone.
	misdeliveredHook interface {
		misdelivered(ctx context.Context, event *SendableEvent) error
	}

	// Sender posts one event to one subscriber. Implemented by EventsSender;
	// an interface so dispatcher tests can script outcomes.
	Sender interface {
		Send(ctx context.Context, url string, event *SendableEvent) (SendResult, error)
	}

	// SentCounter is the slice of the metrics the dispatcher marks.
	SentCounter interface {
		Mark(category events.Category)
	}

	// DispatcherConfig carries the loop pacing knobs.
	DispatcherConfig struct {
		// NoEventSleep is the pause after an empty pop.
		NoEventSleep time.Duration

		// RetryInterval is the pause after a pop or rollback failure.
		RetryInterval time.Duration
	}

	// EventsDispatcher moves events of one category from the store to its
	// subscribers until the context ends.
	EventsDispatcher struct {
		category      events.Category
		registry      *subscribers.Registry
		finder        EventFinder
		sender        Sender
		sent          SentCounter
		noEventSleep  time.Duration
		retryInterval time.Duration
		logger        *slog.Logger
	}
)

// NewEventsDispatcher wires a dispatcher loop for one category.
func NewEventsDispatcher(
	registry *subscribers.Registry,
	finder EventFinder,
	sender Sender,
	sent SentCounter,
	config DispatcherConfig,
	logger *slog.Logger,
) *EventsDispatcher {
	if config.NoEventSleep <= 0 {
		config.NoEventSleep = defaultNoEventSleep
	}

	if config.RetryInterval <= 0 {
		config.RetryInterval = defaultRetryInterval
	}

	return &EventsDispatcher{
		category:      registry.Category(),
		registry:      registry,
		finder:        finder,
		sender:        sender,
		sent:          sent,
		noEventSleep:  config.NoEventSleep,
		retryInterval: config.RetryInterval,
		logger:        logger,
	}
}

// Run drives the dispatch loop until the context is cancelled. Errors never
// stop the loop; they are logged and followed by a retry pause.
func (d *EventsDispatcher) Run(ctx context.Context) {
	d.logger.InfoContext(ctx, "dispatcher started",
		slog.String("category", string(d.category)),
	)

	for {
		if ctx.Err() != nil {
			d.logger.InfoContext(ctx, "dispatcher stopped",
				slog.String("category", string(d.category)),
			)

			return
		}

		if err := d.dispatchNext(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}

			d.logger.ErrorContext(ctx, "dispatch cycle failed",
				slog.String("category", string(d.category)),
				slog.String("error", err.Error()),
			)
			wait(ctx, d.retryInterval)
		}
	}
}

// dispatchNext runs one cycle: reserve a subscriber, claim an event, deliver.
func (d *EventsDispatcher) dispatchNext(ctx context.Context) error {
	url, err := d.registry.FindAvailableSubscriber(ctx)
	if err != nil {
		return err
	}

	deliveryID, ok := d.registry.DeliveryID(url)
	if !ok {
		// Deleted between hand-out and here; the next cycle picks another.
		return nil
	}

	event, err := d.finder.PopEvent(ctx, deliveryID)
	if err != nil {
		return err
	}

	if event == nil {
		wait(ctx, d.noEventSleep)

		return nil
	}

	return d.deliver(ctx, url, event)
}

// deliver sends one claimed event, walking the registry until a subscriber
// takes it or the outcome is final.
func (d *EventsDispatcher) deliver(ctx context.Context, url string, event *SendableEvent) error {
	for {
		result, err := d.sender.Send(ctx, url, event)

		switch result {
		case SendDelivered:
			d.sent.Mark(d.category)
			d.logger.InfoContext(ctx, "event delivered",
				slog.String("category", string(d.category)),
				slog.String("event", event.Ref()),
				slog.String("subscriber", url),
			)

			if hook, ok := d.finder.(deliveredHook); ok {
				if err := hook.delivered(ctx, event); err != nil {
					return err
				}
			}

			return nil

		case SendTemporarilyUnavailable:
			d.logger.WarnContext(ctx, "subscriber temporarily unavailable",
				slog.String("category", string(d.category)),
				slog.String("subscriber", url),
				slog.String("error", err.Error()),
			)

			// The event stays claimed; another subscriber gets it now.
			d.registry.MarkBusy(url)

			next, err := d.registry.FindAvailableSubscriber(ctx)
			if err != nil {
				return err
			}

			url = next

		case SendMisdelivered:
			d.logger.ErrorContext(ctx, "subscriber unreachable, removing it",
				slog.String("category", string(d.category)),
				slog.String("subscriber", url),
				slog.String("error", err.Error()),
			)

			if _, err := d.registry.Delete(ctx, url); err != nil {
				d.logger.ErrorContext(ctx, "failed to remove subscriber",
					slog.String("subscriber", url),
					slog.String("error", err.Error()),
				)
			}

			if hook, ok := d.finder.(misdeliveredHook); ok {
				if err := hook.misdelivered(ctx, event); err != nil {
					return err
				}
			}

			return nil

		case SendFatal:
			// The claim stays; the zombie cleaner reclaims the event once
			// its grace period runs out.
			d.logger.ErrorContext(ctx, "subscriber rejected event",
				slog.String("category", string(d.category)),
				slog.String("event", event.Ref()),
				slog.String("subscriber", url),
				slog.String("error", err.Error()),
			)

			return nil
		}
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
