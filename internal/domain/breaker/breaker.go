// Package breaker halts auto-approval for a session after repeated denials.
//
// Each session key has its own counter. When the count of consecutive
// denials reaches the threshold the session trips, and every later request
// in that session is denied without evaluation. A tripped session only
// closes again on an explicit End, or after ResetAfter when that is set.
package breaker

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults.
const (
	DefaultThreshold     = 10
	DefaultMaxSessions   = 10000
	DefaultSweepInterval = time.Minute
)

// Config controls breaker behaviour.
type Config struct {
	// Threshold is the number of consecutive denials that trips a session.
	Threshold int
	// ResetOnApproval clears the consecutive count when a request is approved.
	ResetOnApproval bool
	// ResetAfter closes a tripped session after this long. Zero keeps it
	// tripped until End.
	ResetAfter time.Duration
	// IdleTTL forgets sessions that are not tripped and saw no request for
	// this long. Zero disables idle expiry.
	IdleTTL time.Duration
	// MaxSessions bounds tracked sessions. The least recently used session
	// that is not tripped is evicted first.
	MaxSessions int
	// SweepInterval is how often Start's goroutine applies ResetAfter and
	// IdleTTL.
	SweepInterval time.Duration
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:       DefaultThreshold,
		ResetOnApproval: true,
		MaxSessions:     DefaultMaxSessions,
		SweepInterval:   DefaultSweepInterval,
	}
}

// State is a snapshot of one session's breaker.
type State struct {
	DenialCount int
	Tripped     bool
	TrippedAt   time.Time
}

type session struct {
	key      string
	state    State
	lastSeen time.Time
}

// Breaker is a keyed store of per-session breaker states. All methods are
// safe for concurrent use; increment-and-check is a single critical section.
type Breaker struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*list.Element
	lru      *list.List // front is most recently used

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a Breaker. Zero-valued numeric fields fall back to defaults.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	b := &Breaker{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*list.Element),
		lru:      list.New(),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Threshold returns the configured trip threshold.
func (b *Breaker) Threshold() int { return b.cfg.Threshold }

// Allow reports whether the session may be evaluated, with its state.
// It returns false once the session has tripped.
func (b *Breaker) Allow(key string) (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.sessions[key]
	if !ok {
		return State{}, true
	}
	s := el.Value.(*session)
	b.maybeResetLocked(s, b.now())
	return s.state, !s.state.Tripped
}

// RecordDenial counts a denial. justTripped is true for exactly the one call
// that moved the session from closed to tripped.
func (b *Breaker) RecordDenial(key string) (st State, justTripped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	s := b.touchLocked(key, now)
	b.maybeResetLocked(s, now)
	if s.state.Tripped {
		return s.state, false
	}

	s.state.DenialCount++
	if s.state.DenialCount >= b.cfg.Threshold {
		s.state.Tripped = true
		s.state.TrippedAt = now
		justTripped = true
		b.logger.Warn("circuit breaker tripped", "session", key, "denials", s.state.DenialCount)
	}
	return s.state, justTripped
}

// RecordApproval clears the consecutive-denial count when ResetOnApproval
// is set. It never closes a tripped session.
func (b *Breaker) RecordApproval(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.touchLocked(key, b.now())
	if b.cfg.ResetOnApproval && !s.state.Tripped {
		s.state.DenialCount = 0
	}
	return s.state
}

// State returns the session's state without touching its recency.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.sessions[key]; ok {
		return el.Value.(*session).state
	}
	return State{}
}

// End forgets a session. This is the only way a tripped session closes
// when ResetAfter is zero.
func (b *Breaker) End(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if el, ok := b.sessions[key]; ok {
		b.lru.Remove(el)
		delete(b.sessions, key)
		b.logger.Info("breaker session ended", "session", key)
	}
}

// Len returns the number of tracked sessions.
func (b *Breaker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// SessionRecord is one session's state for persistence between processes.
type SessionRecord struct {
	Key      string
	State    State
	LastSeen time.Time
}

// Export returns every tracked session, least recently used first.
func (b *Breaker) Export() []SessionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	records := make([]SessionRecord, 0, len(b.sessions))
	for el := b.lru.Back(); el != nil; el = el.Prev() {
		s := el.Value.(*session)
		records = append(records, SessionRecord{Key: s.key, State: s.state, LastSeen: s.lastSeen})
	}
	return records
}

// Import replaces all tracked sessions with records, which are expected
// least recently used first. MaxSessions applies as records are added.
func (b *Breaker) Import(records []SessionRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sessions = make(map[string]*list.Element, len(records))
	b.lru.Init()
	for _, r := range records {
		if r.Key == "" {
			continue
		}
		if el, ok := b.sessions[r.Key]; ok {
			b.lru.Remove(el)
			delete(b.sessions, r.Key)
		}
		if len(b.sessions) >= b.cfg.MaxSessions {
			b.evictLocked()
		}
		b.sessions[r.Key] = b.lru.PushFront(&session{key: r.Key, state: r.State, lastSeen: r.LastSeen})
	}
}

// touchLocked returns the session for key, creating it and evicting as
// needed. Must be called with the lock held.
func (b *Breaker) touchLocked(key string, now time.Time) *session {
	if el, ok := b.sessions[key]; ok {
		b.lru.MoveToFront(el)
		s := el.Value.(*session)
		s.lastSeen = now
		return s
	}
	if len(b.sessions) >= b.cfg.MaxSessions {
		b.evictLocked()
	}
	s := &session{key: key, lastSeen: now}
	b.sessions[key] = b.lru.PushFront(s)
	return s
}

// evictLocked drops the least recently used session that is not tripped.
// Must be called with the lock held.
func (b *Breaker) evictLocked() {
	for el := b.lru.Back(); el != nil; el = el.Prev() {
		s := el.Value.(*session)
		if s.state.Tripped {
			continue
		}
		b.lru.Remove(el)
		delete(b.sessions, s.key)
		return
	}
	b.logger.Warn("breaker session limit reached with only tripped sessions",
		"limit", b.cfg.MaxSessions, "sessions", len(b.sessions))
}

// maybeResetLocked applies ResetAfter to a tripped session.
func (b *Breaker) maybeResetLocked(s *session, now time.Time) {
	if !s.state.Tripped || b.cfg.ResetAfter <= 0 {
		return
	}
	if now.Sub(s.state.TrippedAt) >= b.cfg.ResetAfter {
		b.logger.Info("circuit breaker reset after cool-down", "session", s.key)
		s.state = State{}
	}
}

// Start runs the sweep goroutine when ResetAfter or IdleTTL is set.
// Call Stop to end it.
func (b *Breaker) Start(ctx context.Context) {
	if b.cfg.ResetAfter <= 0 && b.cfg.IdleTTL <= 0 {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopChan:
				return
			case <-ticker.C:
				b.Sweep()
			}
		}
	}()
}

// Sweep applies ResetAfter to tripped sessions and IdleTTL to idle ones.
func (b *Breaker) Sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for el := b.lru.Back(); el != nil; {
		prev := el.Prev()
		s := el.Value.(*session)
		b.maybeResetLocked(s, now)
		if !s.state.Tripped && b.cfg.IdleTTL > 0 && now.Sub(s.lastSeen) >= b.cfg.IdleTTL {
			b.lru.Remove(el)
			delete(b.sessions, s.key)
			removed++
		}
		el = prev
	}
	if removed > 0 {
		b.logger.Debug("removed idle breaker sessions", "count", removed)
	}
}

// Stop stops the sweep goroutine and waits for it to exit.
// Safe to call multiple times.
func (b *Breaker) Stop() {
	b.once.Do(func() {
		close(b.stopChan)
	})
	b.wg.Wait()
}
