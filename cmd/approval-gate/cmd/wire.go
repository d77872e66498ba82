package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	auditfile "github.com/akaszubski/autonomous-dev-sub006/internal/adapter/outbound/audit"
	"github.com/akaszubski/autonomous-dev-sub006/internal/adapter/outbound/auditdb"
	"github.com/akaszubski/autonomous-dev-sub006/internal/adapter/outbound/cel"
	"github.com/akaszubski/autonomous-dev-sub006/internal/adapter/outbound/policyfile"
	"github.com/akaszubski/autonomous-dev-sub006/internal/adapter/outbound/state"
	"github.com/akaszubski/autonomous-dev-sub006/internal/config"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/breaker"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/consent"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/runtime"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/validation"
	"github.com/akaszubski/autonomous-dev-sub006/internal/service"
)

// app holds every wired component for one command invocation.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	projectRoot string

	policies     *policyfile.Store
	consent      *consent.Manager
	consentStore *state.FileConsentStore
	breaker      *breaker.Breaker
	breakerStore *state.FileBreakerStore
	auditLog     *auditfile.FileLogger
	auditDB      *auditdb.Store
	registry     *prometheus.Registry
	metrics      *service.Metrics
	gate         *service.ApprovalGate

	shutdownTracing func(context.Context) error
}

// newLogger builds the process logger. Output goes to stderr so stdout stays
// reserved for hook and decision output.
func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLogLevel(level)}))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newApp resolves the project root from start, makes the configured paths
// absolute and wires the approval gate. The caller must Close the app.
func newApp(cfg *config.Config, logger *slog.Logger, start string) (*app, error) {
	root, err := runtime.ResolveProjectRoot(cfg.ProjectRoot, start)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	cfg.ResolvePaths(root)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	a := &app{
		cfg:         cfg,
		logger:      logger,
		projectRoot: root,
		registry:    prometheus.NewRegistry(),
	}
	a.metrics = service.NewMetrics(a.registry)

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("create condition evaluator: %w", err)
	}
	a.policies = policyfile.NewStore(cfg.Policy.Path, root, logger,
		policyfile.WithConditionCompiler(evaluator),
		policyfile.WithReloadHook(a.metrics.ObservePolicy),
	)

	a.consentStore = state.NewFileConsentStore(cfg.Consent.StatePath, logger)
	a.consent = consent.NewManager(a.consentStore, logger, consent.WithEnvVar(cfg.Consent.EnvVar))

	brkCfg := breaker.DefaultConfig()
	brkCfg.Threshold = cfg.Breaker.Threshold
	brkCfg.ResetOnApproval = cfg.Breaker.ResetOnApproval
	brkCfg.ResetAfter = cfg.ResetAfterDuration()
	brkCfg.IdleTTL = cfg.IdleTTLDuration()
	brkCfg.MaxSessions = cfg.Breaker.MaxSessions
	a.breaker = breaker.New(brkCfg, logger)
	a.breakerStore = state.NewFileBreakerStore(cfg.Breaker.StatePath, logger)

	var logOpts []auditfile.FileLoggerOption
	if cfg.Audit.SQLitePath != "" {
		db, err := auditdb.Open(cfg.Audit.SQLitePath, logger)
		if err != nil {
			// The JSONL log stays authoritative; the mirror is optional.
			logger.Warn("audit database unavailable, continuing without mirror",
				"path", cfg.Audit.SQLitePath, "error", err)
		} else {
			a.auditDB = db
			logOpts = append(logOpts, auditfile.WithMirror(db))
		}
	}
	a.auditLog, err = auditfile.NewFileLogger(auditfile.FileLoggerConfig{
		Path:       cfg.Audit.Path,
		MaxSizeMB:  cfg.Audit.MaxSizeMB,
		MaxBackups: cfg.Audit.MaxBackups,
	}, logger, logOpts...)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	gateOpts := []service.GateOption{
		service.WithMetrics(a.metrics),
		service.WithIdentityResolver(runtime.NewAgentResolver(
			runtime.WithAgentEnvVar(cfg.Identity.AgentEnvVar),
			runtime.WithSessionEnvVar(cfg.Identity.SessionEnvVar),
		)),
	}
	if cfg.Trace {
		shutdown, err := service.SetupTracing(os.Stderr, "approval-gate", Version)
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			a.shutdownTracing = shutdown
		}
	}

	settings := runtime.SettingsPath(root)
	validator := validation.NewToolValidator(a.policies, root, logger,
		validation.WithProtectedPaths(
			cfg.Policy.Path,
			cfg.Audit.Path,
			cfg.Audit.SQLitePath,
			cfg.Consent.StatePath,
			cfg.Breaker.StatePath,
			settings,
			filepath.Join(filepath.Dir(settings), "settings.local.json"),
		))
	a.gate = service.NewApprovalGate(validator, a.consent, a.breaker, a.auditLog, logger, gateOpts...)
	return a, nil
}

// decidePersisted runs one decision with the circuit breaker state loaded
// from, and saved back to, the breaker state file under its lock. One-shot
// commands use it so consecutive denials count across processes.
func (a *app) decidePersisted(ctx context.Context, req service.Request) (service.Decision, error) {
	var d service.Decision
	decided := false
	err := a.breakerStore.Update(func(records []breaker.SessionRecord) ([]breaker.SessionRecord, error) {
		a.breaker.Import(records)
		d = a.gate.Decide(ctx, req)
		decided = true
		return a.breaker.Export(), nil
	})
	if err != nil {
		if !decided {
			return service.Decision{Reason: "circuit breaker state unavailable: " + err.Error()}, err
		}
		// The decision is recorded, but an approval whose denial history
		// could not be saved is not trusted.
		if d.Approved {
			d.Approved = false
			d.Reason = "circuit breaker state could not be saved: " + err.Error()
		}
		return d, err
	}
	return d, nil
}

// Close releases every resource the app opened.
func (a *app) Close() error {
	var errs []error
	if a.auditLog != nil {
		errs = append(errs, a.auditLog.Close())
	}
	if a.auditDB != nil {
		errs = append(errs, a.auditDB.Close())
	}
	if a.breaker != nil {
		a.breaker.Stop()
	}
	if a.shutdownTracing != nil {
		errs = append(errs, a.shutdownTracing(context.Background()))
	}
	return errors.Join(errs...)
}

// workingDir returns dir, or the process working directory when dir is empty.
func workingDir(dir string) string {
	if dir != "" {
		return dir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
