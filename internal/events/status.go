// Package events defines the domain vocabulary shared across the event log:
// event statuses, category names, identifiers and payload helpers.
package events

// Status is the lifecycle state of an event, stored as an uppercase varchar.
// Transitions between statuses are guarded by the store's conditional
// updates, not here.
type Status string

// Lifecycle statuses, ordered roughly along the processing pipeline.
const (
	StatusNew                                 Status = "NEW"
	StatusGeneratingTriples                   Status = "GENERATING_TRIPLES"
	StatusTriplesGenerated                    Status = "TRIPLES_GENERATED"
	StatusTransformingTriples                 Status = "TRANSFORMING_TRIPLES"
	StatusTriplesStore                        Status = "TRIPLES_STORE"
	StatusGenerationRecoverableFailure        Status = "GENERATION_RECOVERABLE_FAILURE"
	StatusGenerationNonRecoverableFailure     Status = "GENERATION_NON_RECOVERABLE_FAILURE"
	StatusTransformationRecoverableFailure    Status = "TRANSFORMATION_RECOVERABLE_FAILURE"
	StatusTransformationNonRecoverableFailure Status = "TRANSFORMATION_NON_RECOVERABLE_FAILURE"
	StatusSkipped                             Status = "SKIPPED"
	StatusAwaitingDeletion                    Status = "AWAITING_DELETION"
	StatusDeleting                            Status = "DELETING"
)

// IsFailure reports whether s belongs to one of the four failure statuses.
func (s Status) IsFailure() bool {
	switch s {
	case StatusGenerationRecoverableFailure, StatusGenerationNonRecoverableFailure,
		StatusTransformationRecoverableFailure, StatusTransformationNonRecoverableFailure:
		return true
	default:
		return false
	}
}

// IsRecoverableFailure reports whether events in s are retried after a back-off.
func (s Status) IsRecoverableFailure() bool {
	return s == StatusGenerationRecoverableFailure || s == StatusTransformationRecoverableFailure
}
