package consent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/validation"
)

// DefaultEnvVar is the environment variable that overrides persisted consent.
const DefaultEnvVar = "MCP_AUTO_APPROVE"

// defaultRetryBackoff is the pause before the single write retry.
const defaultRetryBackoff = 50 * time.Millisecond

// Manager resolves and records consent. It is the only writer of the
// consent store.
type Manager struct {
	store        Store
	logger       *slog.Logger
	envVar       string
	lookupEnv    func(string) (string, bool)
	now          func() time.Time
	retryBackoff time.Duration

	mu sync.Mutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithEnvVar changes the override variable name.
func WithEnvVar(name string) ManagerOption {
	return func(m *Manager) { m.envVar = name }
}

// WithEnvLookup replaces os.LookupEnv, for tests.
func WithEnvLookup(fn func(string) (string, bool)) ManagerOption {
	return func(m *Manager) { m.lookupEnv = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithRetryBackoff sets the pause before retrying a failed write.
func WithRetryBackoff(d time.Duration) ManagerOption {
	return func(m *Manager) { m.retryBackoff = d }
}

// NewManager creates a Manager over store.
func NewManager(store Store, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:        store,
		logger:       logger,
		envVar:       DefaultEnvVar,
		lookupEnv:    os.LookupEnv,
		now:          time.Now,
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsAutoApprovalEnabled resolves consent: environment override, then the
// persisted user choice, then the disabled default. A store that cannot be
// read counts as disabled.
func (m *Manager) IsAutoApprovalEnabled(ctx context.Context) (bool, State) {
	st := m.Resolve(ctx)
	return st.AutoApprovalEnabled, st
}

// Resolve returns the effective consent state.
func (m *Manager) Resolve(_ context.Context) State {
	if enabled, ok := m.envOverride(); ok {
		return State{
			AutoApprovalEnabled: enabled,
			FirstRunComplete:    true,
			Decided:             true,
			Source:              SourceEnvOverride,
		}
	}

	rec, err := m.store.Load()
	if err != nil {
		m.logger.Error("consent state unreadable, auto-approval disabled", "error", err)
		return State{Source: SourceDefault}
	}
	return stateFromRecord(rec)
}

// RecordFirstRunChoice persists the user's first-run choice. Once a choice
// exists, later calls change nothing and return the stored state.
func (m *Manager) RecordFirstRunChoice(_ context.Context, enabled bool) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.Load()
	if err != nil {
		return State{Source: SourceDefault}, fmt.Errorf("load consent: %w", err)
	}
	if rec.Decided() {
		return stateFromRecord(rec), nil
	}
	return m.saveLocked(enabled)
}

// SetChoice records an explicit later change by the user.
func (m *Manager) SetChoice(_ context.Context, enabled bool) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(enabled)
}

// EnsureDecided prompts for a first-run choice when none exists. The prompt
// runs at most once per undecided state; when it fails or prompt is nil the
// state stays undecided and auto-approval stays disabled.
func (m *Manager) EnsureDecided(ctx context.Context, prompt PromptFunc) (State, error) {
	st := m.Resolve(ctx)
	if st.Decided || prompt == nil {
		return st, nil
	}

	enabled, err := prompt(ctx)
	if err != nil {
		return st, fmt.Errorf("consent prompt: %w", err)
	}
	return m.RecordFirstRunChoice(ctx, enabled)
}

func (m *Manager) saveLocked(enabled bool) (State, error) {
	rec := Record{
		AutoApprovalEnabled: &enabled,
		FirstRunComplete:    true,
		Source:              SourceUserChoice,
		UpdatedAt:           m.now().UTC(),
	}

	err := m.store.Save(rec)
	if err != nil {
		m.logger.Warn("consent write failed, retrying", "error", err, "backoff", m.retryBackoff)
		time.Sleep(m.retryBackoff)
		err = m.store.Save(rec)
	}
	if err != nil {
		return State{Source: SourceDefault}, &validation.PersistenceError{Op: "consent state", Err: err}
	}

	m.logger.Info("auto-approval consent recorded", "enabled", enabled)
	return stateFromRecord(rec), nil
}

func (m *Manager) envOverride() (enabled, ok bool) {
	raw, present := m.lookupEnv(m.envVar)
	if !present {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	case "":
		return false, false
	default:
		m.logger.Warn("ignoring unrecognised consent override",
			"variable", m.envVar, "value", validation.SanitizeForLog(raw))
		return false, false
	}
}

func stateFromRecord(rec Record) State {
	if !rec.Decided() {
		return State{Source: SourceDefault, FirstRunComplete: rec.FirstRunComplete, UpdatedAt: rec.UpdatedAt}
	}
	src := rec.Source
	if src == "" {
		src = SourceUserChoice
	}
	return State{
		AutoApprovalEnabled: *rec.AutoApprovalEnabled,
		FirstRunComplete:    true,
		Decided:             true,
		Source:              src,
		UpdatedAt:           rec.UpdatedAt,
	}
}
