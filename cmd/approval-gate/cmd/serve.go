package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	httpadapter "github.com/akaszubski/autonomous-dev-sub006/internal/adapter/inbound/http"
	"github.com/akaszubski/autonomous-dev-sub006/internal/config"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the approval gate as a local HTTP service",
	Long: `Serve decisions over HTTP for clients that cannot run the hook.

Endpoints:
  POST /v1/decide         decide one request
  POST /v1/policy/reload  reload the policy file
  GET  /healthz           health report
  GET  /metrics           Prometheus metrics

The circuit breaker state lives in memory for the lifetime of the server.
On Unix, SIGHUP reloads the policy file. The server PID is written to
$HOME/.autonomous-dev/approval-gate.pid for "approval-gate stop".

Examples:
  approval-gate serve
  approval-gate serve --addr 127.0.0.1:9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: server.addr from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)

	a, err := newApp(cfg, logger, workingDir(""))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Error("shutdown", "error", cerr)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), gracefulSignals()...)
	defer stop()

	if snap := a.policies.Current(); snap.Degraded() {
		// Keep running so a fixed file can be reloaded without a restart.
		logger.Warn("serving with deny-all policy", "path", a.policies.Path(), "error", snap.LoadErr())
	}
	a.breaker.Start(ctx)
	go watchReload(ctx, a)

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	srv := httpadapter.NewServer(a.gate, a.policies,
		httpadapter.WithAddr(cfg.Server.Addr),
		httpadapter.WithRegistry(a.registry),
		httpadapter.WithHealthChecker(httpadapter.NewHealthChecker(a.policies, a.breaker, Version)),
		httpadapter.WithToken(cfg.Server.Token),
		httpadapter.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		httpadapter.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile),
		httpadapter.WithAuditLogger(a.auditLog),
		httpadapter.WithLogger(logger),
	)
	logger.Info("approval gate serving",
		"addr", cfg.Server.Addr,
		"project_root", a.projectRoot,
		"policy", a.policies.Path(),
		"audit_log", a.auditLog.Path(),
		"version", Version,
	)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("approval gate stopped")
	return nil
}

// watchReload reloads the policy on every reload signal until ctx is done.
func watchReload(ctx context.Context, a *app) {
	sigs := reloadSignals()
	if len(sigs) == 0 {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			snap, err := a.policies.Reload(ctx)
			if err != nil {
				a.logger.Error("policy reload failed", "error", err)
				continue
			}
			a.logger.Info("policy reloaded", "rules", snap.RuleCount())
		}
	}
}

// pidFilePath returns the standard location for the server PID file.
func pidFilePath() string {
	return filepath.Join(config.StateDir(), "approval-gate.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o600)
}

// readPIDFile reads a PID from the given file path. Returns 0 if unreadable.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
