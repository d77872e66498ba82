package policyfile

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/policy"
)

// Store holds the active policy snapshot behind an atomic pointer. Reads
// never lock; Reload compiles a new snapshot off to the side and swaps it in.
// Nothing reloads on a timer.
type Store struct {
	path        string
	projectRoot string
	compiler    policy.ConditionCompiler
	logger      *slog.Logger
	onReload    func(*policy.Snapshot)

	current  atomic.Pointer[policy.Snapshot]
	reloadMu sync.Mutex
}

var _ policy.Store = (*Store)(nil)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithConditionCompiler enables CEL conditions in the policy document.
func WithConditionCompiler(c policy.ConditionCompiler) StoreOption {
	return func(s *Store) { s.compiler = c }
}

// WithReloadHook is called with every published snapshot, including the
// initial one.
func WithReloadHook(fn func(*policy.Snapshot)) StoreOption {
	return func(s *Store) { s.onReload = fn }
}

// NewStore loads the policy at path and returns a store serving it. A load
// failure is logged at ERROR and leaves the store serving a deny-all
// snapshot; it is not returned as an error.
func NewStore(path, projectRoot string, logger *slog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		path:        path,
		projectRoot: projectRoot,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	_, _ = s.Reload(context.Background())
	return s
}

// Current returns the active snapshot.
func (s *Store) Current() *policy.Snapshot {
	return s.current.Load()
}

// Reload re-reads the policy file and publishes the result. On failure the
// published snapshot is deny-all; the previous rules are not kept, since a
// corrupted file may be an attempt to tamper with them.
func (s *Store) Reload(ctx context.Context) (*policy.Snapshot, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if err := ctx.Err(); err != nil {
		return s.current.Load(), err
	}

	snap, err := Load(s.path, s.projectRoot, s.compiler)
	if err != nil {
		s.logger.Error("policy unavailable, denying all requests",
			"path", s.path, "error", err)
	} else {
		s.logger.Info("policy loaded",
			"path", s.path,
			"canonical_path", snap.Source().CanonicalPath,
			"rules", snap.RuleCount(),
			"conditions", len(snap.Conditions()))
	}

	s.current.Store(snap)
	if s.onReload != nil {
		s.onReload(snap)
	}
	return snap, err
}

// Stale reports whether the file on disk no longer matches the snapshot:
// a different symlink target, modification time, size or content hash.
func (s *Store) Stale() (bool, error) {
	src := s.current.Load().Source()

	canonical, err := filepath.EvalSymlinks(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Missing now; stale only if it existed at load time.
			return !src.ModTime.IsZero(), nil
		}
		return false, err
	}
	if src.ModTime.IsZero() || canonical != src.CanonicalPath {
		return true, nil
	}

	info, err := os.Stat(canonical)
	if err != nil {
		return false, err
	}
	if !info.ModTime().Equal(src.ModTime) || info.Size() != src.Size {
		return true, nil
	}

	data, err := os.ReadFile(canonical)
	if err != nil {
		return false, err
	}
	return xxhash.Sum64(data) != src.Fingerprint, nil
}

// Path returns the configured policy path.
func (s *Store) Path() string { return s.path }
