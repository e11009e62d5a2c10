package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/triplestream/eventlog/internal/events"
	"github.com/triplestream/eventlog/internal/eventstore"
	"github.com/triplestream/eventlog/internal/statuschange"
)

type (
	// Outcome classifies a consumer's verdict on one ingress event.
	Outcome int

	// Result is what a Consumer reports back to the events endpoint. Message
	// refines the default response text where the caller needs detail.
	Result struct {
		Outcome Outcome
		Message string
	}

	// Consumer handles one ingress category of the events endpoint.
	Consumer interface {
		// Category routes multipart events to this consumer.
		Category() events.Category

		// Consume processes the decoded event part. payload is the request's
		// optional payload part, empty when none was sent.
		Consume(ctx context.Context, body []byte, payload events.Payload) Result
	}

	// EventGauges is the slice of the metrics surface the consumers adjust.
	EventGauges interface {
		Increment(slug string, status events.Status)
		SyncProject(slug string, counts map[events.Status]int)
	}

	// StatusUpdater applies decoded status change events.
	StatusUpdater interface {
		Update(ctx context.Context, event statuschange.StatusChangeEvent) (statuschange.UpdateResults, error)
	}
)

// Consumer outcomes, in the order of the endpoint's response table.
const (
	OutcomeAccepted Outcome = iota
	OutcomeBusy
	OutcomeUnsupported
	OutcomeBadRequest
	OutcomeUnavailable
	OutcomeSchedulingError
)

// Accepted reports the event was taken on.
func Accepted() Result { return Result{Outcome: OutcomeAccepted} }

// Busy reports the category's concurrency limit is exhausted.
func Busy() Result { return Result{Outcome: OutcomeBusy} }

// Unsupported rejects a category no consumer serves.
func Unsupported() Result { return Result{Outcome: OutcomeUnsupported} }

// BadRequest rejects the event with a caller-visible reason.
func BadRequest(reason string) Result { return Result{Outcome: OutcomeBadRequest, Message: reason} }

// ServiceUnavailable reports a dependency outage worth retrying later.
func ServiceUnavailable(reason string) Result {
	return Result{Outcome: OutcomeUnavailable, Message: reason}
}

// SchedulingError reports the event could not be processed or scheduled.
func SchedulingError() Result { return Result{Outcome: OutcomeSchedulingError} }

// status maps the outcome to its response code.
func (r Result) status() int {
	switch r.Outcome {
	case OutcomeAccepted:
		return http.StatusAccepted
	case OutcomeBusy:
		return http.StatusTooManyRequests
	case OutcomeUnsupported, OutcomeBadRequest:
		return http.StatusBadRequest
	case OutcomeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// text returns the response message, falling back to the outcome default.
func (r Result) text() string {
	if r.Message != "" {
		return r.Message
	}

	switch r.Outcome {
	case OutcomeAccepted:
		return "Event accepted"
	case OutcomeBusy:
		return "Busy"
	case OutcomeUnsupported:
		return "Unsupported Event Type"
	case OutcomeBadRequest:
		return "Malformed event body"
	case OutcomeUnavailable:
		return "Service unavailable"
	default:
		return "Failed to schedule event"
	}
}

// limiter bounds how many events of one category are processed at once.
// Acquisition never blocks: a full limiter is the Busy signal.
type limiter chan struct{}

func newLimiter(capacity int) limiter {
	if capacity <= 0 {
		capacity = 1
	}

	return make(limiter, capacity)
}

func (l limiter) acquire() bool {
	select {
	case l <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l limiter) release() {
	<-l
}

type (
	// CreationConsumer persists CREATION events.
	CreationConsumer struct {
		store  *eventstore.Store
		gauges EventGauges
		slots  limiter
		logger *slog.Logger
	}

	// StatusChangeConsumer decodes EVENTS_STATUS_CHANGE requests and hands
	// them to the status changer.
	StatusChangeConsumer struct {
		changer StatusUpdater
		slots   limiter
		logger  *slog.Logger
	}

	// CleanUpRequestConsumer marks whole projects for deletion.
	CleanUpRequestConsumer struct {
		store  *eventstore.Store
		gauges EventGauges
		slots  limiter
		logger *slog.Logger
	}
)

// NewCreationConsumer builds the CREATION consumer with the given concurrency
// limit.
func NewCreationConsumer(
	store *eventstore.Store,
	gauges EventGauges,
	concurrency int,
	logger *slog.Logger,
) *CreationConsumer {
	return &CreationConsumer{
		store:  store,
		gauges: gauges,
		slots:  newLimiter(concurrency),
		logger: logger,
	}
}

// Category implements Consumer.
func (c *CreationConsumer) Category() events.Category { return events.CategoryCreation }

// creationPayload is the event part of a CREATION request. Status defaults
// to NEW when absent.
type creationPayload struct {
	ID        string          `json:"id"`
	Project   events.Project  `json:"project"`
	Date      time.Time       `json:"date"`
	BatchDate time.Time       `json:"batchDate"`
	Body      json.RawMessage `json:"body"`
	Status    events.Status   `json:"status"`
	Message   string          `json:"message"`
}

// Consume persists the event. A replay of an already stored event is
// accepted without touching the row.
func (c *CreationConsumer) Consume(ctx context.Context, body []byte, _ events.Payload) Result {
	var p creationPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return BadRequest("Malformed event body")
	}

	if p.Status == "" {
		p.Status = events.StatusNew
	}

	event := events.CreationEvent{
		ID:        p.ID,
		Project:   p.Project,
		Date:      p.Date,
		BatchDate: p.BatchDate,
		Body:      p.Body,
		Status:    p.Status,
		Message:   p.Message,
	}

	if err := event.Validate(); err != nil {
		return BadRequest(err.Error())
	}

	if !c.slots.acquire() {
		return Busy()
	}
	defer c.slots.release()

	created, err := c.store.CreateEvent(ctx, event)
	if err != nil {
		if eventstore.IsConnectionError(err) {
			return ServiceUnavailable("Database unavailable")
		}

		c.logger.ErrorContext(ctx, "failed to store creation event",
			slog.String("event_id", event.ID),
			slog.Int64("project_id", event.Project.ID),
			slog.String("error", err.Error()),
		)

		return SchedulingError()
	}

	if created {
		c.gauges.Increment(event.Project.Slug, event.Status)
	}

	return Accepted()
}

// NewStatusChangeConsumer builds the EVENTS_STATUS_CHANGE consumer. The
// concurrency limit defaults to 1, serializing transitions the way the
// workers expect.
func NewStatusChangeConsumer(changer StatusUpdater, concurrency int, logger *slog.Logger) *StatusChangeConsumer {
	return &StatusChangeConsumer{
		changer: changer,
		slots:   newLimiter(concurrency),
		logger:  logger,
	}
}

// Category implements Consumer.
func (c *StatusChangeConsumer) Category() events.Category { return events.CategoryStatusChange }

// Consume decodes the transition and schedules it. The caller gets its answer
// before the database work runs, so reporting workers are released at once;
// the limiter slot stays held until the transition lands.
func (c *StatusChangeConsumer) Consume(ctx context.Context, body []byte, payload events.Payload) Result {
	change, err := statuschange.Decode(body, payload)
	if err != nil {
		return BadRequest("Malformed event body")
	}

	if !c.slots.acquire() {
		return Busy()
	}

	// The update outlives the request, so it must not die with the
	// request context. Values (the correlation id) carry over.
	update := context.WithoutCancel(ctx)

	go func() {
		defer c.slots.release()

		if _, err := c.changer.Update(update, change); err != nil {
			c.logger.ErrorContext(update, "scheduled status change failed",
				slog.String("event_type", change.EventType()),
				slog.String("error", err.Error()),
			)
		}
	}()

	return Accepted()
}

// NewCleanUpRequestConsumer builds the CLEAN_UP_REQUEST consumer.
func NewCleanUpRequestConsumer(
	store *eventstore.Store,
	gauges EventGauges,
	concurrency int,
	logger *slog.Logger,
) *CleanUpRequestConsumer {
	return &CleanUpRequestConsumer{
		store:  store,
		gauges: gauges,
		slots:  newLimiter(concurrency),
		logger: logger,
	}
}

// Category implements Consumer.
func (c *CleanUpRequestConsumer) Category() events.Category { return events.CategoryCleanUpRequest }

// cleanUpRequest is the event part of a CLEAN_UP_REQUEST.
type cleanUpRequest struct {
	Project events.Project `json:"project"`
}

// Consume queues the project for clean-up and turns its remaining events into
// deletion work, both in one transaction.
func (c *CleanUpRequestConsumer) Consume(ctx context.Context, body []byte, _ events.Payload) Result {
	var req cleanUpRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return BadRequest("Malformed event body")
	}

	if req.Project.ID == 0 || req.Project.Slug == "" {
		return BadRequest("Malformed event body")
	}

	if !c.slots.acquire() {
		return Busy()
	}
	defer c.slots.release()

	var counts map[events.Status]int

	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := c.store.OfferToCleanUpQueueTx(ctx, tx, req.Project); err != nil {
			return err
		}

		if _, err := c.store.MarkProjectEventsForDeletionTx(ctx, tx, req.Project.ID); err != nil {
			return err
		}

		var err error
		counts, err = c.store.CountsForProjectTx(ctx, tx, req.Project.ID)

		return err
	})
	if err != nil {
		if eventstore.IsConnectionError(err) {
			return ServiceUnavailable("Database unavailable")
		}

		c.logger.ErrorContext(ctx, "failed to queue project clean-up",
			slog.String("project", req.Project.Slug),
			slog.String("error", err.Error()),
		)

		return SchedulingError()
	}

	c.gauges.SyncProject(req.Project.Slug, counts)

	c.logger.InfoContext(ctx, "project queued for clean-up",
		slog.String("project", req.Project.Slug),
		slog.Int64("project_id", req.Project.ID),
	)

	return Accepted()
}
