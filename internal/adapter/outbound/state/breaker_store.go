package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/breaker"
)

// breakerDocumentVersion is written to every breaker state file.
const breakerDocumentVersion = 1

// BreakerDocument is the on-disk breaker state shared by hook processes.
type BreakerDocument struct {
	Version  int              `json:"version"`
	Sessions []BreakerSession `json:"sessions"`
}

// BreakerSession is one persisted session, listed least recently used first.
type BreakerSession struct {
	Key         string     `json:"key"`
	DenialCount int        `json:"denial_count"`
	Tripped     bool       `json:"tripped"`
	TrippedAt   *time.Time `json:"tripped_at,omitempty"`
	LastSeen    time.Time  `json:"last_seen"`
}

// FileBreakerStore persists breaker sessions so that short-lived hook
// processes share one breaker per session key.
type FileBreakerStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileBreakerStore creates a store for the given file path.
func NewFileBreakerStore(path string, logger *slog.Logger) *FileBreakerStore {
	return &FileBreakerStore{path: path, logger: logger}
}

// Path returns the configured file path.
func (s *FileBreakerStore) Path() string { return s.path }

// Load reads the persisted sessions without locking. A missing file yields
// no sessions.
func (s *FileBreakerStore) Load() ([]breaker.SessionRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read breaker state: %w", err)
	}
	var doc BreakerDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse breaker state: %w", err)
	}
	records := make([]breaker.SessionRecord, 0, len(doc.Sessions))
	for _, ss := range doc.Sessions {
		rec := breaker.SessionRecord{
			Key:      ss.Key,
			State:    breaker.State{DenialCount: ss.DenialCount, Tripped: ss.Tripped},
			LastSeen: ss.LastSeen,
		}
		if ss.TrippedAt != nil {
			rec.State.TrippedAt = *ss.TrippedAt
		}
		records = append(records, rec)
	}
	return records, nil
}

// Update loads the sessions, passes them to fn and saves what fn returns,
// all under an exclusive file lock so concurrent processes serialise.
//
// An unreadable state file is an error rather than an empty breaker: a
// corrupted file must not reset tripped sessions.
func (s *FileBreakerStore) Update(fn func([]breaker.SessionRecord) ([]breaker.SessionRecord, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create breaker state dir: %w", err)
	}

	return withFileLock(s.path, func() error {
		records, err := s.Load()
		if err != nil {
			return err
		}
		updated, err := fn(records)
		if err != nil {
			return err
		}
		return s.saveLocked(updated)
	})
}

// Reset removes every persisted session, or only key when it is set.
func (s *FileBreakerStore) Reset(key string) error {
	return s.Update(func(records []breaker.SessionRecord) ([]breaker.SessionRecord, error) {
		if key == "" {
			return nil, nil
		}
		kept := records[:0]
		for _, r := range records {
			if r.Key != key {
				kept = append(kept, r)
			}
		}
		return kept, nil
	})
}

func (s *FileBreakerStore) saveLocked(records []breaker.SessionRecord) error {
	doc := BreakerDocument{Version: breakerDocumentVersion, Sessions: make([]BreakerSession, 0, len(records))}
	for _, r := range records {
		ss := BreakerSession{
			Key:         r.Key,
			DenialCount: r.State.DenialCount,
			Tripped:     r.State.Tripped,
			LastSeen:    r.LastSeen,
		}
		if !r.State.TrippedAt.IsZero() {
			t := r.State.TrippedAt
			ss.TrippedAt = &t
		}
		doc.Sessions = append(doc.Sessions, ss)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal breaker state: %w", err)
	}
	if err := writeFileAtomic(s.path, append(data, '\n')); err != nil {
		return err
	}
	s.logger.Debug("breaker state saved", "path", s.path, "sessions", len(records))
	return nil
}
