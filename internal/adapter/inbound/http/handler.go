package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/audit"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/policy"
	"github.com/akaszubski/autonomous-dev-sub006/internal/service"
)

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// Decider is the part of the approval gate the HTTP surface needs.
type Decider interface {
	Decide(ctx context.Context, req service.Request) service.Decision
}

// ReloadResponse is the body returned by POST /v1/policy/reload.
type ReloadResponse struct {
	Reloaded bool   `json:"reloaded"`
	Degraded bool   `json:"degraded"`
	Rules    int    `json:"rules"`
	Error    string `json:"error,omitempty"`
}

// decideHandler evaluates one request. Any request the gate cannot read is
// answered with a deny decision, never with an approval, and that denial is
// written to auditLog when one is set.
func decideHandler(gate Decider, auditLog audit.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		var req service.Request
		reject := func(status int, reason string) {
			writeJSON(w, status, rejectRequest(r.Context(), auditLog, req, reason))
		}

		if !isJSONContentType(r.Header.Get("Content-Type")) {
			reject(http.StatusUnsupportedMediaType, "content type must be application/json")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
		if err != nil {
			reject(http.StatusBadRequest, "failed to read request body")
			return
		}
		if len(body) > maxRequestBodySize {
			reject(http.StatusRequestEntityTooLarge, "request body too large")
			return
		}

		if err := json.Unmarshal(body, &req); err != nil {
			LoggerFromContext(r.Context()).Debug("malformed decide request", "error", err)
			req = service.Request{}
			reject(http.StatusBadRequest, "malformed request: "+err.Error())
			return
		}
		if req.Tool == "" {
			reject(http.StatusBadRequest, "malformed request: tool is required")
			return
		}

		writeJSON(w, http.StatusOK, gate.Decide(r.Context(), req))
	})
}

// isJSONContentType accepts an absent header or application/json with any
// parameters.
func isJSONContentType(ct string) bool {
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	return err == nil && mediaType == "application/json"
}

// rejectRequest builds the deny decision for a request that never reached
// the gate and records it in the audit trail.
func rejectRequest(ctx context.Context, auditLog audit.Logger, req service.Request, reason string) service.Decision {
	d := service.Decision{
		Reason:    reason,
		RequestID: uuid.New().String(),
		Event:     audit.EventDenied,
	}
	if auditLog == nil {
		return d
	}
	entry := audit.Entry{
		Timestamp:  time.Now().UTC(),
		Event:      audit.EventDenied,
		RequestID:  d.RequestID,
		Session:    req.SessionKey,
		Agent:      req.Agent,
		Tool:       req.Tool,
		Parameters: req.Parameters,
		Reason:     reason,
	}
	if err := auditLog.LogDecision(ctx, entry); err != nil {
		LoggerFromContext(ctx).Error("failed to audit rejected request",
			"request_id", d.RequestID, "error", err)
	}
	return d
}

// reloadHandler re-reads the policy document. A failed load still publishes
// a deny-all snapshot, reported with 422 so callers notice.
func reloadHandler(policies policy.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		snap, err := policies.Reload(r.Context())
		resp := ReloadResponse{Reloaded: err == nil}
		if snap != nil {
			resp.Degraded = snap.Degraded()
			resp.Rules = snap.RuleCount()
		}
		status := http.StatusOK
		if err != nil {
			resp.Error = err.Error()
			status = http.StatusUnprocessableEntity
			if errors.Is(err, context.Canceled) {
				status = http.StatusServiceUnavailable
			}
			LoggerFromContext(r.Context()).Warn("policy reload failed", "error", err)
		}
		writeJSON(w, status, resp)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
