package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/breaker"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/policy"
)

// HealthResponse is the JSON response from the /healthz endpoint.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker verifies component health.
type HealthChecker struct {
	policies policy.Store
	breaker  *breaker.Breaker
	version  string
}

// NewHealthChecker creates a HealthChecker. Pass nil for components that
// aren't available.
func NewHealthChecker(policies policy.Store, brk *breaker.Breaker, version string) *HealthChecker {
	return &HealthChecker{policies: policies, breaker: brk, version: version}
}

// Check performs health checks on all components. A degraded (deny-all)
// policy makes the gate unhealthy: it is up, but approves nothing.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.policies != nil {
		snap := h.policies.Current()
		if snap.Degraded() {
			checks["policy"] = "degraded: " + snap.LoadErr().Error()
			healthy = false
		} else {
			checks["policy"] = fmt.Sprintf("ok: %d rules", snap.RuleCount())
		}
		if stale, err := h.policies.Stale(); err != nil {
			checks["policy_file"] = "error: " + err.Error()
		} else if stale {
			checks["policy_file"] = "changed on disk, reload pending"
		}
	} else {
		checks["policy"] = "not configured"
	}

	if h.breaker != nil {
		checks["breaker"] = fmt.Sprintf("ok: %d sessions", h.breaker.Len())
	} else {
		checks["breaker"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}
