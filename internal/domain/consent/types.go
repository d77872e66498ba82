// Package consent tracks whether the user has opted in to auto-approval.
// Auto-approval is opt-in only: nothing in the gate ever enables it on the
// user's behalf.
package consent

import (
	"context"
	"time"
)

// Source records how the effective consent value was determined.
type Source string

const (
	// SourceEnvOverride means the override environment variable decided.
	SourceEnvOverride Source = "env_override"
	// SourceUserChoice means the user chose explicitly.
	SourceUserChoice Source = "user_choice"
	// SourceDefault means nothing was decided and the disabled default applies.
	SourceDefault Source = "default"
)

// State is the effective consent for one evaluation.
type State struct {
	AutoApprovalEnabled bool
	FirstRunComplete    bool
	Source              Source
	// Decided is false while the user has not yet made a first-run choice.
	Decided   bool
	UpdatedAt time.Time
}

// Record is the persisted part of the consent state. A nil
// AutoApprovalEnabled means the document predates the field or the user has
// not chosen yet.
type Record struct {
	AutoApprovalEnabled *bool
	FirstRunComplete    bool
	Source              Source
	UpdatedAt           time.Time
}

// Decided reports whether the record holds an explicit choice.
func (r Record) Decided() bool {
	return r.AutoApprovalEnabled != nil
}

// Store persists the consent record.
type Store interface {
	// Load returns the stored record. A missing document is not an error; it
	// yields the zero Record.
	Load() (Record, error)
	// Save replaces the stored record atomically.
	Save(rec Record) error
}

// PromptFunc asks the user for their first-run choice.
type PromptFunc func(ctx context.Context) (enabled bool, err error)
