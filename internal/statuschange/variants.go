package statuschange

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/triplestream/eventlog/internal/events"
)

type (
	// ToTriplesGenerated settles a generation run: the event moves from
	// GENERATING_TRIPLES to TRIPLES_GENERATED and its payload is stored for
	// the transformation step.
	ToTriplesGenerated struct {
		EventID        string
		Project        events.Project
		ProcessingTime time.Duration
		Payload        events.Payload
	}

	// ToTriplesStore settles a transformation run: the event moves from
	// TRANSFORMING_TRIPLES to TRIPLES_STORE; unfinished ancestors of the
	// project are swept along since their output is now obsolete.
	ToTriplesStore struct {
		EventID        string
		Project        events.Project
		ProcessingTime time.Duration
	}

	// ToFailure records a failed run. NewStatus picks the failure family
	// and recoverability; recoverable failures are re-executed after
	// ExecutionDelay (the changer's retry interval when nil).
	ToFailure struct {
		EventID        string
		Project        events.Project
		Message        string
		NewStatus      events.Status
		ExecutionDelay *time.Duration
	}

	// RollbackToNew returns a generating event to NEW.
	RollbackToNew struct {
		EventID string
		Project events.Project
	}

	// RollbackToTriplesGenerated returns a transforming event to
	// TRIPLES_GENERATED.
	RollbackToTriplesGenerated struct {
		EventID string
		Project events.Project
	}

	// ToAwaitingDeletion marks an event for removal regardless of its
	// current status.
	ToAwaitingDeletion struct {
		EventID string
		Project events.Project
	}

	// RollbackToAwaitingDeletion returns a project's DELETING events to
	// AWAITING_DELETION after a failed clean-up round.
	RollbackToAwaitingDeletion struct {
		Project events.Project
	}

	// RedoProjectTransformation sends a project's latest TRIPLES_STORE
	// event back to TRIPLES_GENERATED so transformation runs again.
	RedoProjectTransformation struct {
		Project events.Project
	}

	// ProjectEventsToNew resets a whole project: deletion events are
	// removed, everything else returns to NEW with cleared payloads,
	// processing times and deliveries.
	ProjectEventsToNew struct {
		Project events.Project
	}

	// AllEventsToNew fans a ProjectEventsToNew out to every known project
	// through the durable status change queue.
	AllEventsToNew struct{}
)

// EventType implements StatusChangeEvent.
func (e ToTriplesGenerated) EventType() string         { return "ToTriplesGenerated" }
func (e ToTriplesStore) EventType() string             { return "ToTriplesStore" }
func (e ToFailure) EventType() string                  { return "ToFailure" }
func (e RollbackToNew) EventType() string              { return "RollbackToNew" }
func (e RollbackToTriplesGenerated) EventType() string { return "RollbackToTriplesGenerated" }
func (e ToAwaitingDeletion) EventType() string         { return "ToAwaitingDeletion" }
func (e RollbackToAwaitingDeletion) EventType() string { return "RollbackToAwaitingDeletion" }
func (e RedoProjectTransformation) EventType() string  { return "RedoProjectTransformation" }
func (e ProjectEventsToNew) EventType() string         { return "ProjectEventsToNew" }
func (e AllEventsToNew) EventType() string             { return "AllEventsToNew" }

// statusChangePayload is the decoded event part of an EVENTS_STATUS_CHANGE
// request. Pointer fields distinguish absent from zero.
type statusChangePayload struct {
	SubCategory    string          `json:"subCategory"`
	ID             string          `json:"id"`
	Project        *events.Project `json:"project"`
	NewStatus      events.Status   `json:"newStatus"`
	ProcessingTime *int64          `json:"processingTime"`
	ExecutionDelay *int64          `json:"executionDelay"`
	Message        string          `json:"message"`
}

// Decode turns the event part of an EVENTS_STATUS_CHANGE request into its
// variant. payload is the request's payload part, required only by
// ToTriplesGenerated. subCategory wins over newStatus; everything that fits
// no variant is ErrMalformedEvent.
func Decode(body []byte, payload events.Payload) (StatusChangeEvent, error) {
	var p statusChangePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	if p.SubCategory != "" {
		return decodeSubCategory(p)
	}

	switch {
	case p.NewStatus == events.StatusTriplesGenerated:
		return decodeTriplesGenerated(p, payload)

	case p.NewStatus == events.StatusTriplesStore:
		if p.ID == "" || p.Project == nil || p.ProcessingTime == nil {
			return nil, fmt.Errorf("%w: TRIPLES_STORE needs id, project and processingTime", ErrMalformedEvent)
		}

		return ToTriplesStore{
			EventID:        p.ID,
			Project:        *p.Project,
			ProcessingTime: time.Duration(*p.ProcessingTime) * time.Millisecond,
		}, nil

	case p.NewStatus == events.StatusNew:
		if p.ID == "" || p.Project == nil {
			return nil, fmt.Errorf("%w: NEW needs id and project", ErrMalformedEvent)
		}

		return RollbackToNew{EventID: p.ID, Project: *p.Project}, nil

	case p.NewStatus == events.StatusAwaitingDeletion:
		if p.Project == nil {
			return nil, fmt.Errorf("%w: AWAITING_DELETION needs a project", ErrMalformedEvent)
		}

		if p.ID == "" {
			return RollbackToAwaitingDeletion{Project: *p.Project}, nil
		}

		return ToAwaitingDeletion{EventID: p.ID, Project: *p.Project}, nil

	case p.NewStatus.IsFailure():
		return decodeFailure(p)

	default:
		return nil, fmt.Errorf("%w: no variant for newStatus %q", ErrMalformedEvent, p.NewStatus)
	}
}

func decodeSubCategory(p statusChangePayload) (StatusChangeEvent, error) {
	switch p.SubCategory {
	case "AllEventsToNew":
		return AllEventsToNew{}, nil

	case "ProjectEventsToNew":
		if p.Project == nil {
			return nil, fmt.Errorf("%w: ProjectEventsToNew needs a project", ErrMalformedEvent)
		}

		return ProjectEventsToNew{Project: *p.Project}, nil

	case "RedoProjectTransformation":
		if p.Project == nil {
			return nil, fmt.Errorf("%w: RedoProjectTransformation needs a project", ErrMalformedEvent)
		}

		return RedoProjectTransformation{Project: *p.Project}, nil

	default:
		return nil, fmt.Errorf("%w: unknown subCategory %q", ErrMalformedEvent, p.SubCategory)
	}
}

func decodeTriplesGenerated(p statusChangePayload, payload events.Payload) (StatusChangeEvent, error) {
	if p.ID == "" || p.Project == nil {
		return nil, fmt.Errorf("%w: TRIPLES_GENERATED needs id and project", ErrMalformedEvent)
	}

	if p.ProcessingTime == nil {
		return RollbackToTriplesGenerated{EventID: p.ID, Project: *p.Project}, nil
	}

	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: TRIPLES_GENERATED needs a payload part", ErrMalformedEvent)
	}

	return ToTriplesGenerated{
		EventID:        p.ID,
		Project:        *p.Project,
		ProcessingTime: time.Duration(*p.ProcessingTime) * time.Millisecond,
		Payload:        payload,
	}, nil
}

func decodeFailure(p statusChangePayload) (StatusChangeEvent, error) {
	if p.ID == "" || p.Project == nil || p.Message == "" {
		return nil, fmt.Errorf("%w: %s needs id, project and message", ErrMalformedEvent, p.NewStatus)
	}

	failure := ToFailure{
		EventID:   p.ID,
		Project:   *p.Project,
		Message:   p.Message,
		NewStatus: p.NewStatus,
	}

	if p.ExecutionDelay != nil {
		delay := time.Duration(*p.ExecutionDelay) * time.Millisecond
		failure.ExecutionDelay = &delay
	}

	return failure, nil
}

// queuedProject is the payload stored in status_change_events_queue rows.
type queuedProject struct {
	Project events.Project `json:"project"`
}

// encodeQueued serializes a project-scoped variant for the durable queue.
func encodeQueued(project events.Project) ([]byte, error) {
	return json.Marshal(queuedProject{Project: project})
}

// DecodeQueued rebuilds the variant stored in a queue row.
func DecodeQueued(eventType string, payload []byte) (StatusChangeEvent, error) {
	var q queuedProject
	if err := json.Unmarshal(payload, &q); err != nil {
		return nil, fmt.Errorf("%w: queue row payload: %w", ErrMalformedEvent, err)
	}

	switch eventType {
	case "ProjectEventsToNew":
		return ProjectEventsToNew{Project: q.Project}, nil
	case "RedoProjectTransformation":
		return RedoProjectTransformation{Project: q.Project}, nil
	default:
		return nil, fmt.Errorf("%w: unknown queued event type %q", ErrMalformedEvent, eventType)
	}
}

// failureSource returns the processing status a failure family starts from.
func failureSource(newStatus events.Status) (events.Status, error) {
	switch {
	case strings.HasPrefix(string(newStatus), "GENERATION_"):
		return events.StatusGeneratingTriples, nil
	case strings.HasPrefix(string(newStatus), "TRANSFORMATION_"):
		return events.StatusTransformingTriples, nil
	default:
		return "", fmt.Errorf("%w: %q is not a failure status", ErrMalformedEvent, newStatus)
	}
}
