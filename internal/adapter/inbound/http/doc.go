// Package http exposes the approval gate over HTTP for callers that cannot
// spawn the hook binary per action.
//
// # Usage
//
//	srv := http.NewServer(gate, policies,
//	    http.WithAddr("127.0.0.1:8787"),
//	    http.WithRegistry(reg),
//	    http.WithLogger(logger),
//	)
//	err := srv.Start(ctx)
//
// # Endpoints
//
//	POST /v1/decide         - evaluate one action, returns a Decision
//	POST /v1/policy/reload  - re-read the policy document
//	GET  /healthz           - component health, 503 when the policy is degraded
//	GET  /metrics           - Prometheus metrics
//
// # Request Headers
//
//	Authorization: Bearer <token>  - required on /v1/ routes when a token is configured
//	X-Request-ID: <id>             - optional correlation id, echoed back
//
// The server binds to localhost by default. Requests carrying an Origin
// header are rejected unless the origin is explicitly allowed.
package http
