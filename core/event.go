package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the outbound message type of a ProgressEvent. The values
// mirror the wire protocol consumed by clients.
type EventType string

const (
	// EventThinking reports analysis phases (parse, nutrition).
	EventThinking EventType = "thinking"
	// EventFindingRecords reports the recipe search settling.
	EventFindingRecords EventType = "finding_records"
	// EventSearchingMore reports restaurant and product searches settling.
	EventSearchingMore EventType = "searching_more"
	// EventOutput is the success / partial-success terminal event.
	EventOutput EventType = "output"
	// EventError is the terminal event for validation failures and
	// pipeline-fatal parse failures.
	EventError EventType = "error"
)

// ProgressEvent is one outbound record of the per-session event stream.
// After emission it should be treated as immutable.
//
// Sequence is strictly increasing per session. The terminal event (Type
// EventOutput or EventError) always carries the highest sequence number of
// its run and is emitted exactly once.
type ProgressEvent struct {
	Type      EventType `json:"type"`
	Phase     string    `json:"phase,omitempty"`
	Content   any       `json:"content"`
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether this event ends its session run.
func (e ProgressEvent) Terminal() bool {
	return e.Type == EventOutput || e.Type == EventError
}

// NewID generates a new unique identifier for sessions and runs.
func NewID() string { return uuid.NewString() }
