package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	httpadapter "github.com/akaszubski/autonomous-dev-sub006/internal/adapter/inbound/http"
	"github.com/akaszubski/autonomous-dev-sub006/internal/adapter/outbound/cel"
	"github.com/akaszubski/autonomous-dev-sub006/internal/adapter/outbound/policyfile"
)

// controlHTTPClient talks to a running server. The timeout keeps the CLI
// from hanging when the server is unreachable.
var controlHTTPClient = &http.Client{Timeout: 10 * time.Second}

var (
	reloadServerURL string
	reloadSignal    bool
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Validate and reload the auto-approval policy",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Check that a policy file loads",
	Long: `Load and compile a policy file exactly as the gate would, and report the
result. Without a path the configured policy file is checked.

Exits with status 1 when the policy would leave the gate denying everything.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPolicyValidate,
}

var policyReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask a running server to reload its policy file",
	Long: `Ask the server started with "approval-gate serve" to re-read the policy
file. By default this calls POST /v1/policy/reload using server.addr and
server.token from the config. With --signal the server is sent SIGHUP
instead (Unix only).`,
	RunE: runPolicyReload,
}

var policyStaleCmd = &cobra.Command{
	Use:   "stale",
	Short: "Report whether the policy file changed since it was loaded",
	RunE:  runPolicyStale,
}

func init() {
	policyReloadCmd.Flags().StringVar(&reloadServerURL, "server", "", "server base URL (default: from server.addr)")
	policyReloadCmd.Flags().BoolVar(&reloadSignal, "signal", false, "send SIGHUP to the server in the PID file")
	policyCmd.AddCommand(policyValidateCmd, policyReloadCmd, policyStaleCmd)
	rootCmd.AddCommand(policyCmd)
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	cfg, err := resolvedConfig()
	if err != nil {
		return err
	}
	path := cfg.Policy.Path
	if len(args) == 1 {
		path = args[0]
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("create condition evaluator: %w", err)
	}
	snap, err := policyfile.Load(path, cfg.ProjectRoot, evaluator)
	out := cmd.OutOrStdout()
	if err != nil {
		fmt.Fprintf(out, "INVALID %s\n  %v\n", path, err)
		return &exitError{code: 1}
	}
	src := snap.Source()
	fmt.Fprintf(out, "OK %s\n", path)
	fmt.Fprintf(out, "  Canonical:   %s\n", src.CanonicalPath)
	fmt.Fprintf(out, "  Rules:       %d\n", snap.RuleCount())
	fmt.Fprintf(out, "  Conditions:  %d\n", len(snap.Conditions()))
	fmt.Fprintf(out, "  Fingerprint: %016x\n", src.Fingerprint)
	return nil
}

func runPolicyReload(cmd *cobra.Command, args []string) error {
	if reloadSignal {
		proc, _, err := runningServer()
		if err != nil {
			return err
		}
		if err := sendReload(proc); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent reload signal to PID %d\n", proc.Pid)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base := reloadServerURL
	if base == "" {
		scheme := "http"
		if cfg.Server.TLSCertFile != "" {
			scheme = "https"
		}
		base = scheme + "://" + cfg.Server.Addr
	}
	resp, err := requestReload(cmd.Context(), controlHTTPClient, base, cfg.Server.Token)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if resp.Error != "" {
		fmt.Fprintf(out, "Reload failed, server is denying all requests: %s\n", resp.Error)
		return &exitError{code: 1}
	}
	fmt.Fprintf(out, "Policy reloaded: %d rules\n", resp.Rules)
	return nil
}

// requestReload calls the reload endpoint of the server at baseURL.
func requestReload(ctx context.Context, client *http.Client, baseURL, token string) (*httpadapter.ReloadResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/policy/reload", bytes.NewReader(nil))
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy reload: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read reload response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("policy reload rejected: %s", resp.Status)
	}
	var rr httpadapter.ReloadResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return nil, fmt.Errorf("parse reload response (%s): %w", resp.Status, err)
	}
	if !rr.Reloaded && rr.Error == "" {
		return nil, errors.New("policy reload: server did not reload")
	}
	return &rr, nil
}

func runPolicyStale(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, newLogger(cmd.ErrOrStderr(), "error"), workingDir(""))
	if err != nil {
		return err
	}
	defer a.Close()

	stale, err := a.policies.Stale()
	if err != nil {
		return fmt.Errorf("check policy: %w", err)
	}
	if stale {
		fmt.Fprintf(cmd.OutOrStdout(), "stale: %s changed since it was loaded\n", a.policies.Path())
		return &exitError{code: 1}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "current: %s\n", a.policies.Path())
	return nil
}
