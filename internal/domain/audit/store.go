package audit

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidRange is returned when a filter's end precedes its start.
var ErrInvalidRange = errors.New("audit filter end time is before start time")

// Query limits.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Filter selects entries from a queryable audit mirror. Zero fields do not
// filter.
type Filter struct {
	Start        time.Time
	End          time.Time
	Event        Event
	Agent        string
	Session      string
	Tool         string
	SecurityRisk *bool
	// Limit caps the result (default 100, max 1000).
	Limit int
}

// Validate checks the filter and applies the default limit.
func (f *Filter) Validate() error {
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return ErrInvalidRange
	}
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	return nil
}

// Stats aggregates entries over a time range.
type Stats struct {
	Total        int64
	ByEvent      map[Event]int64
	ByTool       map[string]int64
	SecurityRisk int64
}

// QueryStore gives read access to a queryable mirror of the audit log.
// The JSONL file stays authoritative; a mirror may lag or miss entries.
type QueryStore interface {
	Logger
	Query(ctx context.Context, filter Filter) ([]Entry, error)
	Stats(ctx context.Context, start, end time.Time) (*Stats, error)
	Close() error
}
