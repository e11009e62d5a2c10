package events

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	// Category names an event stream. Ingress categories arrive on the events
	// endpoint; egress categories are dispatched to subscribers.
	Category string

	// Project identifies a forge project tracked by the event log.
	Project struct {
		ID   int64  `json:"id"`
		Slug string `json:"slug"`
	}

	// CompoundID is the composite identity of an event: the commit id plus the
	// project it belongs to. Commit ids repeat across forks, so neither half
	// is unique on its own.
	CompoundID struct {
		EventID   string
		ProjectID int64
	}

	// Event is a fully hydrated event row.
	Event struct {
		ID            string
		Project       Project
		Status        Status
		CreatedDate   time.Time
		ExecutionDate time.Time
		EventDate     time.Time
		BatchDate     time.Time
		Body          json.RawMessage
		Message       string
	}

	// CreationEvent is the input accepted by the CREATION consumer. Status is
	// limited to NEW, SKIPPED and AWAITING_DELETION; SKIPPED requires Message.
	CreationEvent struct {
		ID        string
		Project   Project
		Date      time.Time
		BatchDate time.Time
		Body      json.RawMessage
		Status    Status
		Message   string
	}

	// ProcessingTime records how long an event spent reaching a status.
	ProcessingTime struct {
		Status   Status
		Duration time.Duration
	}

	// CategorySyncTime records when a category last produced events for a project.
	CategorySyncTime struct {
		Category   Category
		LastSynced time.Time
	}
)

// Ingress categories.
const (
	CategoryCreation       Category = "CREATION"
	CategoryStatusChange   Category = "EVENTS_STATUS_CHANGE"
	CategoryCleanUpRequest Category = "CLEAN_UP_REQUEST"
)

// Egress categories.
const (
	CategoryAwaitingGeneration     Category = "AWAITING_GENERATION"
	CategoryAwaitingTransformation Category = "AWAITING_TRANSFORMATION"
	CategoryCleanUp                Category = "CLEAN_UP"
	CategoryMemberSync             Category = "MEMBER_SYNC"
)

// String renders the compound id the way it appears in log lines.
func (c CompoundID) String() string {
	return fmt.Sprintf("%s/%d", c.EventID, c.ProjectID)
}

// CompoundID returns the composite identity of the event.
func (e Event) CompoundID() CompoundID {
	return CompoundID{EventID: e.ID, ProjectID: e.Project.ID}
}

// Validate checks the creation event invariants shared by all creation statuses.
func (e CreationEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("creation event: missing id")
	}

	if e.Project.ID == 0 || e.Project.Slug == "" {
		return fmt.Errorf("creation event %s: incomplete project", e.ID)
	}

	if e.Date.IsZero() {
		return fmt.Errorf("creation event %s: missing date", e.ID)
	}

	switch e.Status {
	case StatusNew:
		if len(e.Body) == 0 {
			return fmt.Errorf("creation event %s: missing body", e.ID)
		}
	case StatusSkipped:
		if e.Message == "" {
			return fmt.Errorf("creation event %s: skipped without message", e.ID)
		}
	case StatusAwaitingDeletion:
		// Deletion placeholders carry no body.
	default:
		return fmt.Errorf("creation event %s: status %s not allowed at creation", e.ID, e.Status)
	}

	return nil
}
