// Package audit contains domain types for the decision audit trail.
package audit

import (
	"context"
	"time"
)

// Event names the kind of audit entry.
type Event string

const (
	// EventApproved records an auto-approved action.
	EventApproved Event = "approved"
	// EventDenied records an action left to a human.
	EventDenied Event = "denied"
	// EventCircuitTripped records the moment a session's breaker opened.
	EventCircuitTripped Event = "circuit_tripped"
)

// Valid reports whether e is one of the known events.
func (e Event) Valid() bool {
	switch e {
	case EventApproved, EventDenied, EventCircuitTripped:
		return true
	}
	return false
}

// Entry is one line of the audit log. Entries are append-only; Parameters
// are redacted and sanitized by the logger before they are written.
type Entry struct {
	Timestamp      time.Time              `json:"timestamp"`
	Event          Event                  `json:"event"`
	RequestID      string                 `json:"request_id"`
	Session        string                 `json:"session,omitempty"`
	Agent          string                 `json:"agent"`
	Tool           string                 `json:"tool"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	Reason         string                 `json:"reason"`
	MatchedPattern string                 `json:"matched_pattern,omitempty"`
	SecurityRisk   bool                   `json:"security_risk"`
}

// Logger persists decision entries. Implementations must serialise writes
// so concurrent callers never interleave lines.
type Logger interface {
	LogDecision(ctx context.Context, entry Entry) error
}
