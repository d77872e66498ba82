package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/breaker"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/policy"
)

func TestHealthChecker_Healthy(t *testing.T) {
	brk := breaker.New(breaker.DefaultConfig(), discardLogger())
	brk.RecordDenial("s1")

	hc := NewHealthChecker(healthyPolicies(t), brk, "test-version")
	health := hc.Check()

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Version != "test-version" {
		t.Errorf("Version = %q, want test-version", health.Version)
	}
	if health.Checks["policy"] != "ok: 1 rules" {
		t.Errorf("policy check = %q", health.Checks["policy"])
	}
	if health.Checks["breaker"] != "ok: 1 sessions" {
		t.Errorf("breaker check = %q", health.Checks["breaker"])
	}
}

func TestHealthChecker_NilComponents(t *testing.T) {
	health := NewHealthChecker(nil, nil, "").Check()

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Checks["policy"] != "not configured" || health.Checks["breaker"] != "not configured" {
		t.Errorf("checks = %v", health.Checks)
	}
	if health.Checks["goroutines"] == "" {
		t.Error("goroutines check missing")
	}
}

func TestHealthChecker_DegradedPolicy(t *testing.T) {
	policies := &fakePolicies{snap: policy.DenyAll(errors.New("permission denied"), policy.SourceInfo{})}
	hc := NewHealthChecker(policies, nil, "")

	rec := httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var health HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "unhealthy" || health.Checks["policy"] != "degraded: permission denied" {
		t.Errorf("health = %+v", health)
	}
}

func TestHealthChecker_StalePolicyStaysHealthy(t *testing.T) {
	policies := healthyPolicies(t)
	policies.stale = true

	health := NewHealthChecker(policies, nil, "").Check()
	if health.Status != "healthy" {
		t.Errorf("Status = %q", health.Status)
	}
	if health.Checks["policy_file"] == "" {
		t.Error("stale policy not reported")
	}
}
