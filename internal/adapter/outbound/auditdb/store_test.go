package auditdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/audit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"), testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Store) {
	t.Helper()
	entries := []audit.Entry{
		{Timestamp: base, Event: audit.EventApproved, RequestID: "r1", Session: "s1", Agent: "researcher", Tool: "Bash",
			Parameters: map[string]interface{}{"command": "git status"}, Reason: "whitelist match: git status", MatchedPattern: "git status"},
		{Timestamp: base.Add(time.Minute), Event: audit.EventDenied, RequestID: "r2", Session: "s1", Agent: "researcher", Tool: "Bash",
			Reason: "blacklist match: rm -rf*", MatchedPattern: "rm -rf*", SecurityRisk: true},
		{Timestamp: base.Add(2 * time.Minute), Event: audit.EventDenied, RequestID: "r3", Session: "s2", Agent: "reviewer", Tool: "Write",
			Reason: "restricted agent may not use Write"},
		{Timestamp: base.Add(3 * time.Minute), Event: audit.EventCircuitTripped, RequestID: "r4", Session: "s2", Agent: "reviewer", Tool: "Write",
			Reason: "circuit breaker tripped after 10 denials"},
	}
	for _, e := range entries {
		if err := s.LogDecision(context.Background(), e); err != nil {
			t.Fatalf("LogDecision(%s) error: %v", e.RequestID, err)
		}
	}
}

func ids(entries []audit.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.RequestID
	}
	return out
}

func TestStore_Query(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)
	risky := true

	tests := []struct {
		name   string
		filter audit.Filter
		want   []string
	}{
		{"all newest first", audit.Filter{}, []string{"r4", "r3", "r2", "r1"}},
		{"by event", audit.Filter{Event: audit.EventDenied}, []string{"r3", "r2"}},
		{"by session", audit.Filter{Session: "s1"}, []string{"r2", "r1"}},
		{"by agent and tool", audit.Filter{Agent: "reviewer", Tool: "Write"}, []string{"r4", "r3"}},
		{"security risk", audit.Filter{SecurityRisk: &risky}, []string{"r2"}},
		{"time range", audit.Filter{Start: base.Add(30 * time.Second), End: base.Add(2 * time.Minute)}, []string{"r3", "r2"}},
		{"limit", audit.Filter{Limit: 1}, []string{"r4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(context.Background(), tt.filter)
			if err != nil {
				t.Fatalf("Query() error: %v", err)
			}
			if fmt.Sprint(ids(got)) != fmt.Sprint(tt.want) {
				t.Errorf("Query() = %v, want %v", ids(got), tt.want)
			}
		})
	}
}

func TestStore_RoundTripFields(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)

	got, err := s.Query(context.Background(), audit.Filter{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	r1 := got[len(got)-1]
	if !r1.Timestamp.Equal(base) {
		t.Errorf("Timestamp = %v, want %v", r1.Timestamp, base)
	}
	if r1.Parameters["command"] != "git status" {
		t.Errorf("Parameters = %v", r1.Parameters)
	}
	if r1.MatchedPattern != "git status" || r1.Event != audit.EventApproved {
		t.Errorf("entry = %+v", r1)
	}
	if got[2].Parameters != nil {
		t.Errorf("entry without parameters decoded to %v", got[2].Parameters)
	}
}

func TestStore_QueryInvalidRange(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Query(context.Background(), audit.Filter{Start: base, End: base.Add(-time.Hour)})
	if !errors.Is(err, audit.ErrInvalidRange) {
		t.Errorf("error = %v, want ErrInvalidRange", err)
	}
}

func TestStore_Stats(t *testing.T) {
	s := openTestStore(t)
	seed(t, s)

	stats, err := s.Stats(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.ByEvent[audit.EventDenied] != 2 || stats.ByEvent[audit.EventCircuitTripped] != 1 {
		t.Errorf("ByEvent = %v", stats.ByEvent)
	}
	if stats.ByTool["Bash"] != 2 || stats.ByTool["Write"] != 2 {
		t.Errorf("ByTool = %v", stats.ByTool)
	}
	if stats.SecurityRisk != 1 {
		t.Errorf("SecurityRisk = %d, want 1", stats.SecurityRisk)
	}
}

func TestStore_ConcurrentInserts(t *testing.T) {
	s := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := audit.Entry{Timestamp: base, Event: audit.EventApproved, RequestID: fmt.Sprintf("c%d", i)}
			if err := s.LogDecision(context.Background(), e); err != nil {
				t.Errorf("LogDecision() error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.Query(context.Background(), audit.Filter{Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 20 {
		t.Errorf("got %d entries, want 20", len(got))
	}
}

func TestFilter_Validate(t *testing.T) {
	f := audit.Filter{}
	if err := f.Validate(); err != nil || f.Limit != audit.DefaultQueryLimit {
		t.Errorf("default limit = %d, err = %v", f.Limit, err)
	}
	f = audit.Filter{Limit: 5000}
	_ = f.Validate()
	if f.Limit != audit.MaxQueryLimit {
		t.Errorf("capped limit = %d", f.Limit)
	}
}
