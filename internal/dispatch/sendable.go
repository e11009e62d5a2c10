package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/triplestream/eventlog/internal/events"
)

// SendableEvent is one claimed unit of outbound work. Event scoped
// categories (AWAITING_GENERATION, AWAITING_TRANSFORMATION) carry an event
// id and body; project scoped categories (CLEAN_UP, MEMBER_SYNC) address the
// whole project and leave ID empty.
type SendableEvent struct {
	Category events.Category
	ID       string
	Project  events.Project
	Body     json.RawMessage

	// Payload is the zipped artifact attached as the request's payload
	// part. Only transformation events carry one.
	Payload events.Payload

	// Source is the status the event was claimed from, kept for log lines.
	Source events.Status
}

// envelope is the JSON wire form of the event part.
type envelope struct {
	CategoryName events.Category `json:"categoryName"`
	ID           string          `json:"id,omitempty"`
	Project      events.Project  `json:"project"`
	Body         json.RawMessage `json:"body,omitempty"`
}

// Ref identifies the event in log lines: the compound id for event scoped
// categories, the project slug otherwise.
func (e *SendableEvent) Ref() string {
	if e.ID == "" {
		return e.Project.Slug
	}

	return events.CompoundID{EventID: e.ID, ProjectID: e.Project.ID}.String()
}

// EncodeEnvelope renders the event part sent to subscribers.
func (e *SendableEvent) EncodeEnvelope() ([]byte, error) {
	data, err := json.Marshal(envelope{
		CategoryName: e.Category,
		ID:           e.ID,
		Project:      e.Project,
		Body:         e.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope of %s: %w", e.Ref(), err)
	}

	return data, nil
}
