package policy

import "context"

// Store publishes the current policy snapshot. Implementations swap the
// snapshot atomically; callers take one snapshot per request and use it for
// every check so a concurrent reload never splits a decision.
type Store interface {
	// Current returns the active snapshot. It never returns nil; a missing
	// or broken document yields a deny-all snapshot.
	Current() *Snapshot
	// Reload re-reads the document and publishes a new snapshot. The
	// returned error describes a load failure; the published snapshot is
	// then deny-all.
	Reload(ctx context.Context) (*Snapshot, error)
	// Stale reports whether the document on disk differs from the one the
	// current snapshot was compiled from.
	Stale() (bool, error)
}
