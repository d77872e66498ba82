package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/audit"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/breaker"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/consent"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/runtime"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/validation"
)

// tracerName identifies spans created by the gate.
const tracerName = "github.com/akaszubski/autonomous-dev-sub006/internal/service"

// Denial reasons produced by the gate itself.
const (
	ReasonConsentDisabled = "auto-approval disabled by user preference"
	ReasonAuditFailure    = "audit log unavailable: decision could not be recorded"
	ReasonInternalError   = "internal error in approval gate"
)

// Request is one proposed agent action.
type Request struct {
	// Agent is the requesting agent's name. Empty means "resolve from the
	// invocation environment".
	Agent      string                 `json:"agent,omitempty"`
	Tool       string                 `json:"tool"`
	Parameters map[string]interface{} `json:"parameters"`
	// SessionKey scopes the circuit breaker. Empty falls back to the
	// environment, then to a shared default session.
	SessionKey string `json:"session,omitempty"`
}

// Decision is the gate's verdict for one request.
type Decision struct {
	Approved       bool        `json:"approved"`
	Reason         string      `json:"reason"`
	SecurityRisk   bool        `json:"security_risk"`
	MatchedPattern string      `json:"matched_pattern,omitempty"`
	RequestID      string      `json:"request_id"`
	Event          audit.Event `json:"event"`
}

// Validator renders a policy verdict for one action.
type Validator interface {
	Validate(ctx context.Context, agent, tool string, params map[string]interface{}) validation.Result
}

// ConsentChecker reports whether the user has enabled auto-approval.
type ConsentChecker interface {
	IsAutoApprovalEnabled(ctx context.Context) (bool, consent.State)
}

// IdentityResolver supplies the agent name and session key when the request
// does not carry them.
type IdentityResolver interface {
	Agent() string
	Session(explicit string) string
}

// GateOption configures an ApprovalGate.
type GateOption func(*ApprovalGate)

// WithMetrics records Prometheus metrics for every decision.
func WithMetrics(m *Metrics) GateOption {
	return func(g *ApprovalGate) { g.metrics = m }
}

// WithTracer replaces the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) GateOption {
	return func(g *ApprovalGate) { g.tracer = t }
}

// WithIdentityResolver fills in missing agent names and session keys.
func WithIdentityResolver(r IdentityResolver) GateOption {
	return func(g *ApprovalGate) { g.identity = r }
}

// WithGateClock replaces time.Now.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *ApprovalGate) { g.now = now }
}

// WithRequestIDs replaces the UUID request-id generator.
func WithRequestIDs(fn func() string) GateOption {
	return func(g *ApprovalGate) { g.newID = fn }
}

// ApprovalGate is the single entry point for auto-approval decisions. It
// orders the breaker, consent, and validator checks, feeds denials back into
// the breaker, and records every decision in the audit log. It never fails
// open: any failure becomes a deny.
type ApprovalGate struct {
	validator Validator
	consent   ConsentChecker
	breaker   *breaker.Breaker
	audit     audit.Logger
	identity  IdentityResolver
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewApprovalGate wires the gate's collaborators.
func NewApprovalGate(
	validator Validator,
	consentChecker ConsentChecker,
	brk *breaker.Breaker,
	auditLog audit.Logger,
	logger *slog.Logger,
	opts ...GateOption,
) *ApprovalGate {
	g := &ApprovalGate{
		validator: validator,
		consent:   consentChecker,
		breaker:   brk,
		audit:     auditLog,
		tracer:    otel.Tracer(tracerName),
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Breaker returns the gate's circuit breaker.
func (g *ApprovalGate) Breaker() *breaker.Breaker { return g.breaker }

// Decide runs the approval pipeline for req:
//  1. a tripped session is denied without evaluation
//  2. disabled consent is denied
//  3. the validator renders a verdict
//  4. a denial is counted by the breaker; the denial that trips it also
//     writes a separate circuit_tripped entry
//  5. the decision is written to the audit log; a failed write denies
func (g *ApprovalGate) Decide(ctx context.Context, req Request) (d Decision) {
	start := g.now()
	requestID := g.newID()

	ctx, span := g.tracer.Start(ctx, "approval_gate.decide",
		trace.WithAttributes(attribute.String("gate.tool", req.Tool), attribute.String("gate.request_id", requestID)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic in approval gate",
				"request_id", requestID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			d = Decision{Reason: ReasonInternalError, SecurityRisk: true, RequestID: requestID, Event: audit.EventDenied}
			g.metricsDenial("internal")
		}
		g.observe(span, d, start)
	}()

	agent := req.Agent
	session := req.SessionKey
	if g.identity != nil {
		if agent == "" {
			agent = g.identity.Agent()
		}
		session = g.identity.Session(session)
	} else if session == "" {
		session = runtime.DefaultSessionKey
	}
	span.SetAttributes(attribute.String("gate.session", session))

	entry := audit.Entry{
		RequestID:  requestID,
		Session:    session,
		Agent:      agent,
		Tool:       req.Tool,
		Parameters: req.Parameters,
	}

	if st, ok := g.breaker.Allow(session); !ok {
		g.metricsDenial("breaker")
		return g.record(ctx, entry, Decision{Reason: trippedReason(st.DenialCount)})
	}

	if enabled, st := g.consent.IsAutoApprovalEnabled(ctx); !enabled {
		g.logger.Debug("auto-approval disabled", "request_id", requestID, "consent_source", st.Source)
		g.metricsDenial("consent")
		return g.record(ctx, entry, Decision{Reason: ReasonConsentDisabled})
	}

	res := g.validator.Validate(ctx, agent, req.Tool, req.Parameters)
	decision := Decision{
		Approved:       res.Approved,
		Reason:         res.Reason,
		SecurityRisk:   res.SecurityRisk,
		MatchedPattern: res.MatchedPattern,
	}

	if res.Approved {
		g.breaker.RecordApproval(session)
	} else {
		if res.SecurityRisk {
			g.metricsDenial("security_risk")
		} else {
			g.metricsDenial("policy")
		}
		st, justTripped := g.breaker.RecordDenial(session)
		if justTripped {
			g.recordTrip(ctx, entry, st)
		}
	}

	return g.record(ctx, entry, decision)
}

// recordTrip writes the circuit_tripped entry. Its failure is logged; the
// triggering request is already a denial.
func (g *ApprovalGate) recordTrip(ctx context.Context, entry audit.Entry, st breaker.State) {
	entry.Timestamp = g.now()
	entry.Event = audit.EventCircuitTripped
	entry.Reason = trippedReason(st.DenialCount)
	entry.SecurityRisk = true
	if g.metrics != nil {
		g.metrics.BreakerTripsTotal.Inc()
	}
	if err := g.audit.LogDecision(ctx, entry); err != nil {
		g.logger.Error("failed to record circuit trip", "session", entry.Session, "error", err)
		if g.metrics != nil {
			g.metrics.AuditFailuresTotal.Inc()
		}
	}
}

// record stamps d with the request id and event, then writes it to the
// audit log. A decision that cannot be recorded is turned into a deny.
func (g *ApprovalGate) record(ctx context.Context, entry audit.Entry, d Decision) Decision {
	d.RequestID = entry.RequestID
	d.Event = audit.EventDenied
	if d.Approved {
		d.Event = audit.EventApproved
	}

	entry.Timestamp = g.now()
	entry.Event = d.Event
	entry.Reason = d.Reason
	entry.MatchedPattern = d.MatchedPattern
	entry.SecurityRisk = d.SecurityRisk

	if err := g.audit.LogDecision(ctx, entry); err != nil {
		g.logger.Error("audit write failed, denying request",
			"request_id", entry.RequestID, "tool", entry.Tool, "error", err)
		if g.metrics != nil {
			g.metrics.AuditFailuresTotal.Inc()
		}
		if d.Approved {
			g.metricsDenial("audit")
		}
		return Decision{
			Reason:       ReasonAuditFailure,
			SecurityRisk: true,
			RequestID:    entry.RequestID,
			Event:        audit.EventDenied,
		}
	}

	g.logger.Debug("decision",
		"request_id", entry.RequestID, "event", d.Event, "tool", entry.Tool,
		"agent", validation.SanitizeForLog(entry.Agent), "reason", d.Reason)
	return d
}

func (g *ApprovalGate) metricsDenial(class string) {
	if g.metrics != nil {
		g.metrics.DenialsTotal.WithLabelValues(class).Inc()
	}
}

func (g *ApprovalGate) observe(span trace.Span, d Decision, start time.Time) {
	span.SetAttributes(
		attribute.String("gate.event", string(d.Event)),
		attribute.Bool("gate.approved", d.Approved),
		attribute.Bool("gate.security_risk", d.SecurityRisk),
	)
	if d.SecurityRisk {
		span.SetStatus(codes.Error, d.Reason)
	}
	if g.metrics != nil {
		g.metrics.DecisionsTotal.WithLabelValues(string(d.Event)).Inc()
		g.metrics.DecisionDuration.Observe(g.now().Sub(start).Seconds())
		g.metrics.BreakerSessions.Set(float64(g.breaker.Len()))
	}
}

func trippedReason(denials int) string {
	return fmt.Sprintf("circuit breaker tripped after %d denials", denials)
}
