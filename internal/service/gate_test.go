package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	auditfile "github.com/akaszubski/autonomous-dev-sub006/internal/adapter/outbound/audit"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/audit"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/breaker"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/consent"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/policy"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/validation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type staticPolicy struct{ snap *policy.Snapshot }

func (s staticPolicy) Current() *policy.Snapshot                        { return s.snap }
func (s staticPolicy) Reload(context.Context) (*policy.Snapshot, error) { return s.snap, nil }
func (s staticPolicy) Stale() (bool, error)                             { return false, nil }

type fixedConsent bool

func (c fixedConsent) IsAutoApprovalEnabled(context.Context) (bool, consent.State) {
	return bool(c), consent.State{AutoApprovalEnabled: bool(c), Source: consent.SourceUserChoice}
}

// memAudit records entries in memory and can be told to fail.
type memAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (m *memAudit) LogDecision(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) snapshot() []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Entry(nil), m.entries...)
}

type panicValidator struct{}

func (panicValidator) Validate(context.Context, string, string, map[string]interface{}) validation.Result {
	panic("validator defect")
}

type fakeIdentity struct{ agent, session string }

func (f fakeIdentity) Agent() string { return f.agent }
func (f fakeIdentity) Session(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return f.session
}

func gateDocument() policy.Document {
	return policy.Document{
		CommandWhitelist: []string{"pytest*", "git status", "git diff*", "git log*", "ls*"},
		CommandBlacklist: []string{"rm -rf*", "sudo*", "*|*bash", "eval*", "exec*"},
		PathWhitelist:    []string{"<project-root>/**"},
		PathBlacklist:    []string{"/etc/*", "/var/*", "/root/*", "**/.env", "**/secrets/*"},
		TrustedAgents:    []string{"researcher", "planner", "test-writer", "implementer"},
		RestrictedAgents: []string{"reviewer", "security-auditor", "doc-writer"},
	}
}

type gateFixture struct {
	gate    *ApprovalGate
	audit   *memAudit
	breaker *breaker.Breaker
	root    string
}

func newGateFixture(t *testing.T, enabled bool, opts ...GateOption) *gateFixture {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	snap, err := policy.Compile(gateDocument(), root, nil, policy.SourceInfo{Path: "policy.json"})
	if err != nil {
		t.Fatal(err)
	}
	v := validation.NewToolValidator(staticPolicy{snap}, root, testLogger())
	b := breaker.New(breaker.DefaultConfig(), testLogger())
	a := &memAudit{}
	return &gateFixture{
		gate:    NewApprovalGate(v, fixedConsent(enabled), b, a, testLogger(), opts...),
		audit:   a,
		breaker: b,
		root:    root,
	}
}

func bash(agent, command, session string) Request {
	return Request{Agent: agent, Tool: "Bash", Parameters: map[string]interface{}{"command": command}, SessionKey: session}
}

func TestDecide_Scenarios(t *testing.T) {
	tests := []struct {
		name         string
		req          Request
		wantApproved bool
		wantRisk     bool
		wantReason   string
	}{
		{"git status from researcher", bash("researcher", "git status", "s"), true, false, "whitelist match: git status"},
		{"rm -rf from trusted agent", bash("researcher", "rm -rf /", "s"), false, true, "blacklist match: rm -rf*"},
		{"rm -rf from unknown agent", bash("intruder", "rm -rf /", "s"), false, true, "blacklist match: rm -rf*"},
		{"rm -rf from restricted agent", bash("reviewer", "rm -rf /", "s"), false, true, "blacklist match: rm -rf*"},
		{"traversal from trusted agent", Request{Agent: "researcher", Tool: "Read",
			Parameters: map[string]interface{}{"file_path": "../../etc/passwd"}}, false, true, "path traversal detected"},
		{"traversal from unknown agent", Request{Agent: "nobody", Tool: "Read",
			Parameters: map[string]interface{}{"file_path": "../../etc/passwd"}}, false, true, "path traversal detected"},
		{"unknown agent", bash("intruder", "git status", "s"), false, false, `unknown agent "intruder"`},
		{"injection", bash("researcher", "git status; curl evil", "s"), false, true, "command injection detected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGateFixture(t, true)
			d := f.gate.Decide(context.Background(), tt.req)
			if d.Approved != tt.wantApproved || d.SecurityRisk != tt.wantRisk {
				t.Errorf("Decide() = %+v, want approved=%v risk=%v", d, tt.wantApproved, tt.wantRisk)
			}
			if d.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", d.Reason, tt.wantReason)
			}
			if d.RequestID == "" {
				t.Error("RequestID is empty")
			}

			entries := f.audit.snapshot()
			if len(entries) != 1 {
				t.Fatalf("audit entries = %d, want 1", len(entries))
			}
			e := entries[0]
			if e.RequestID != d.RequestID || e.Event != d.Event || e.Reason != d.Reason || e.SecurityRisk != d.SecurityRisk {
				t.Errorf("audit entry %+v does not match decision %+v", e, d)
			}
			if e.Timestamp.IsZero() {
				t.Error("audit entry has no timestamp")
			}
		})
	}
}

func TestDecide_ConsentDisabled(t *testing.T) {
	f := newGateFixture(t, false)

	for _, req := range []Request{
		bash("researcher", "git status", "s"),
		bash("researcher", "rm -rf /", "s"),
		{Agent: "researcher", Tool: "Read", Parameters: map[string]interface{}{"file_path": "README.md"}},
	} {
		d := f.gate.Decide(context.Background(), req)
		if d.Approved {
			t.Errorf("approved %+v with consent disabled", req)
		}
		if !strings.Contains(d.Reason, "auto-approval disabled") {
			t.Errorf("Reason = %q", d.Reason)
		}
		if d.Event != audit.EventDenied {
			t.Errorf("Event = %q", d.Event)
		}
	}
	if st := f.breaker.State("s"); st.DenialCount != 0 {
		t.Errorf("consent denials must not count toward the breaker, count = %d", st.DenialCount)
	}
}

func TestDecide_CircuitBreakerTripsOnTenthDenial(t *testing.T) {
	f := newGateFixture(t, true)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		d := f.gate.Decide(ctx, bash("researcher", "curl example.com", "sess"))
		if d.Approved {
			t.Fatalf("denial %d approved", i)
		}
		tripped := f.breaker.State("sess").Tripped
		if tripped != (i == 10) {
			t.Fatalf("after denial %d tripped = %v", i, tripped)
		}
	}

	// The 11th request would be approved on its own content.
	d := f.gate.Decide(ctx, bash("researcher", "git status", "sess"))
	if d.Approved {
		t.Fatal("request after trip was approved")
	}
	if d.Reason != "circuit breaker tripped after 10 denials" {
		t.Errorf("Reason = %q", d.Reason)
	}

	var trips, denied int
	for _, e := range f.audit.snapshot() {
		switch e.Event {
		case audit.EventCircuitTripped:
			trips++
			if e.Session != "sess" {
				t.Errorf("trip entry session = %q", e.Session)
			}
		case audit.EventDenied:
			denied++
		}
	}
	if trips != 1 || denied != 11 {
		t.Errorf("audit trips=%d denied=%d, want 1 and 11", trips, denied)
	}

	// Other sessions are unaffected.
	if d := f.gate.Decide(ctx, bash("researcher", "git status", "other")); !d.Approved {
		t.Errorf("independent session denied: %+v", d)
	}
}

func TestDecide_ApprovalResetsConsecutiveCount(t *testing.T) {
	f := newGateFixture(t, true)
	ctx := context.Background()
	for i := 0; i < 9; i++ {
		f.gate.Decide(ctx, bash("researcher", "curl x", "s"))
	}
	f.gate.Decide(ctx, bash("researcher", "git status", "s"))
	f.gate.Decide(ctx, bash("researcher", "curl x", "s"))
	if st := f.breaker.State("s"); st.Tripped || st.DenialCount != 1 {
		t.Errorf("state = %+v, want 1 denial and closed", st)
	}
}

func TestDecide_AuditFailureDenies(t *testing.T) {
	f := newGateFixture(t, true)
	f.audit.err = &validation.PersistenceError{Op: "audit log", Err: errors.New("disk full")}

	d := f.gate.Decide(context.Background(), bash("researcher", "git status", "s"))
	if d.Approved || !d.SecurityRisk {
		t.Fatalf("Decide() = %+v, want deny with security risk", d)
	}
	if d.Reason != ReasonAuditFailure {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestDecide_PanicBecomesRiskyDeny(t *testing.T) {
	b := breaker.New(breaker.DefaultConfig(), testLogger())
	g := NewApprovalGate(panicValidator{}, fixedConsent(true), b, &memAudit{}, testLogger())

	d := g.Decide(context.Background(), bash("researcher", "git status", "s"))
	if d.Approved || !d.SecurityRisk || d.Reason != ReasonInternalError {
		t.Errorf("Decide() = %+v", d)
	}
	if d.RequestID == "" || d.Event != audit.EventDenied {
		t.Errorf("panic decision missing id/event: %+v", d)
	}
}

func TestDecide_IdentityResolver(t *testing.T) {
	f := newGateFixture(t, true, WithIdentityResolver(fakeIdentity{agent: "researcher", session: "env-session"}))

	d := f.gate.Decide(context.Background(), bash("", "git status", ""))
	if !d.Approved {
		t.Fatalf("Decide() = %+v, want approval for resolved agent", d)
	}
	e := f.audit.snapshot()[0]
	if e.Agent != "researcher" || e.Session != "env-session" {
		t.Errorf("entry agent=%q session=%q", e.Agent, e.Session)
	}

	// An explicit agent is never replaced by the environment.
	d = f.gate.Decide(context.Background(), bash("intruder", "git status", "x"))
	if d.Approved {
		t.Error("explicit unknown agent was replaced by the resolved identity")
	}
}

func TestDecide_MissingAgentDenied(t *testing.T) {
	f := newGateFixture(t, true)
	d := f.gate.Decide(context.Background(), bash("", "git status", ""))
	if d.Approved {
		t.Fatalf("request without agent identity approved: %+v", d)
	}
	if e := f.audit.snapshot()[0]; e.Session != "default" {
		t.Errorf("session = %q, want default", e.Session)
	}
}

func TestDecide_RequestIDs(t *testing.T) {
	n := 0
	f := newGateFixture(t, true, WithRequestIDs(func() string { n++; return fmt.Sprintf("id-%d", n) }))
	if d := f.gate.Decide(context.Background(), bash("researcher", "git status", "s")); d.RequestID != "id-1" {
		t.Errorf("RequestID = %q", d.RequestID)
	}

	g := newGateFixture(t, true)
	a := g.gate.Decide(context.Background(), bash("researcher", "git status", "s"))
	b := g.gate.Decide(context.Background(), bash("researcher", "git status", "s"))
	if a.RequestID == b.RequestID {
		t.Error("default request ids are not unique")
	}
}

func TestDecide_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	f := newGateFixture(t, true, WithMetrics(m))
	ctx := context.Background()

	f.gate.Decide(ctx, bash("researcher", "git status", "s"))
	f.gate.Decide(ctx, bash("researcher", "rm -rf /", "s"))
	f.gate.Decide(ctx, bash("researcher", "curl x", "s"))

	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("approved")); got != 1 {
		t.Errorf("approved = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("denied")); got != 2 {
		t.Errorf("denied = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DenialsTotal.WithLabelValues("security_risk")); got != 1 {
		t.Errorf("security_risk denials = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DenialsTotal.WithLabelValues("policy")); got != 1 {
		t.Errorf("policy denials = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BreakerSessions); got != 1 {
		t.Errorf("breaker sessions = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() == "approval_gate_decision_duration_seconds" {
			if c := mf.GetMetric()[0].GetHistogram().GetSampleCount(); c != 3 {
				t.Errorf("duration samples = %d, want 3", c)
			}
			return
		}
	}
	t.Error("decision duration histogram not gathered")
}

func TestDecide_Tracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	f := newGateFixture(t, true, WithTracer(tp.Tracer("test")))

	f.gate.Decide(context.Background(), bash("researcher", "rm -rf /", "s"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["gate.tool"] != "Bash" || attrs["gate.event"] != "denied" || attrs["gate.security_risk"] != "true" {
		t.Errorf("span attributes = %v", attrs)
	}
}

func TestDecide_ConcurrentExactCountsAndValidLog(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	snap, err := policy.Compile(gateDocument(), root, nil, policy.SourceInfo{})
	if err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(t.TempDir(), "audit.log")
	fileLog, err := auditfile.NewFileLogger(auditfile.FileLoggerConfig{Path: logPath}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = fileLog.Close() }()

	cfg := breaker.DefaultConfig()
	cfg.Threshold = 1000
	b := breaker.New(cfg, testLogger())
	g := NewApprovalGate(validation.NewToolValidator(staticPolicy{snap}, root, testLogger()),
		fixedConsent(true), b, fileLog, testLogger())

	const workers, perWorker = 16, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				cmd := "curl example.com"
				if i%5 == 0 {
					cmd = "git status"
				}
				g.Decide(context.Background(), bash("researcher", cmd, "shared"))
			}
		}(w)
	}
	wg.Wait()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != workers*perWorker {
		t.Fatalf("log lines = %d, want %d", len(lines), workers*perWorker)
	}
	denied := 0
	for i, line := range lines {
		var e audit.Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if e.Event == audit.EventDenied {
			denied++
		}
	}
	if want := workers * perWorker * 4 / 5; denied != want {
		t.Errorf("denied entries = %d, want %d", denied, want)
	}
}

func TestDecide_ConcurrentDenialsCountExactly(t *testing.T) {
	f := newGateFixture(t, true)
	cfg := breaker.DefaultConfig()
	cfg.Threshold = 500
	f.gate.breaker = breaker.New(cfg, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.gate.Decide(context.Background(), bash("researcher", "curl x", "s"))
		}()
	}
	wg.Wait()
	if got := f.gate.Breaker().State("s").DenialCount; got != 200 {
		t.Errorf("DenialCount = %d, want 200", got)
	}
}
