package model

import "time"

// EventType is the kind of upstream change a webhook reports.
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventCreate || t == EventUpdate || t == EventDelete
}

// Event is one change notification. Events carry ids, not state; the
// processor re-fetches the record for creates and updates.
type Event struct {
	EventID    string    `json:"event_id,omitempty"`
	ObjectID   string    `json:"object_id"`
	Type       EventType `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Outcome is how a single event was resolved.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// EventFailure identifies an event that must be replayed.
type EventFailure struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

// BatchReport is the per-batch outcome of webhook processing.
type BatchReport struct {
	BatchID       string         `json:"batch_id"`
	Applied       int            `json:"applied"`
	Skipped       int            `json:"skipped"`
	Failed        int            `json:"failed"`
	FailedEvents  []EventFailure `json:"failed_events,omitempty"`
	ChangedFields []Field        `json:"changed_fields,omitempty"`
}
