package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/akaszubski/autonomous-dev-sub006/internal/config"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/runtime"
	"github.com/akaszubski/autonomous-dev-sub006/internal/service"
)

// maxHookInput bounds the JSON accepted on stdin.
const maxHookInput = 4 << 20

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "PreToolUse hook: decide one tool call read from stdin",
	Long: `Read a Claude Code PreToolUse event from stdin and answer with a
permission decision on stdout.

Approved calls are answered with "allow". Every denial, and every failure
inside the gate, is answered with "ask" so a human confirms the call.
Events other than PreToolUse produce no output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHook(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), hookAppBuilder)
	},
}

var hookInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Register approval-gate as a PreToolUse hook in .claude/settings.json",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHookInstall(cmd, true)
	},
}

var hookUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the approval-gate PreToolUse hook from .claude/settings.json",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHookInstall(cmd, false)
	},
}

func init() {
	hookCmd.AddCommand(hookInstallCmd, hookUninstallCmd)
	rootCmd.AddCommand(hookCmd)
}

// hookInput matches the JSON Claude Code sends to PreToolUse hooks on stdin.
type hookInput struct {
	SessionID     string                 `json:"session_id"`
	HookEventName string                 `json:"hook_event_name"`
	ToolName      string                 `json:"tool_name"`
	ToolInput     map[string]interface{} `json:"tool_input"`
	Cwd           string                 `json:"cwd"`
}

// hookOutput is the PreToolUse response.
type hookOutput struct {
	HookSpecificOutput struct {
		HookEventName            string `json:"hookEventName"`
		PermissionDecision       string `json:"permissionDecision"`
		PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
	} `json:"hookSpecificOutput"`
}

// appBuilder wires an app for a hook invocation whose project lives at cwd.
type appBuilder func(cwd string) (*app, error)

func hookAppBuilder(cwd string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	// Hook mode keeps stderr quiet; Claude Code shows it to the user.
	level := "warn"
	if cfg.LogLevel == "debug" {
		level = "debug"
	}
	return newApp(cfg, newLogger(os.Stderr, level), cwd)
}

// runHook answers one PreToolUse event. It returns an error only when the
// answer itself cannot be written.
func runHook(ctx context.Context, stdin io.Reader, stdout io.Writer, build appBuilder) error {
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := io.ReadAll(io.LimitReader(stdin, maxHookInput+1))
	if err != nil {
		return writeHookDecision(stdout, "ask", "approval-gate: read stdin: "+err.Error())
	}
	if len(data) > maxHookInput {
		return writeHookDecision(stdout, "ask", "approval-gate: hook input too large")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return writeHookDecision(stdout, "ask", "approval-gate: unreadable hook input")
	}
	if _, ok := raw["tool_name"]; !ok {
		// Not a tool event: leave the default behaviour alone.
		return nil
	}
	var in hookInput
	if err := json.Unmarshal(data, &in); err != nil {
		return writeHookDecision(stdout, "ask", "approval-gate: parse hook input: "+err.Error())
	}
	if in.HookEventName != "" && in.HookEventName != "PreToolUse" {
		return nil
	}

	a, err := build(workingDir(in.Cwd))
	if err != nil {
		return writeHookDecision(stdout, "ask", "approval-gate unavailable: "+err.Error())
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			a.logger.Warn("close failed", "error", cerr)
		}
	}()

	d, err := a.decidePersisted(ctx, service.Request{
		Tool:       in.ToolName,
		Parameters: in.ToolInput,
		SessionKey: in.SessionID,
	})
	if err != nil {
		a.logger.Error("breaker state unavailable", "path", a.breakerStore.Path(), "error", err)
	}
	a.logger.Debug("hook decision", "tool", in.ToolName, "approved", d.Approved, "request_id", d.RequestID)

	if d.Approved {
		return writeHookDecision(stdout, "allow", "approval-gate: "+d.Reason)
	}
	return writeHookDecision(stdout, "ask", "approval-gate: "+d.Reason)
}

func writeHookDecision(w io.Writer, decision, reason string) error {
	var out hookOutput
	out.HookSpecificOutput.HookEventName = "PreToolUse"
	out.HookSpecificOutput.PermissionDecision = decision
	out.HookSpecificOutput.PermissionDecisionReason = reason
	return json.NewEncoder(w).Encode(out)
}

func runHookInstall(cmd *cobra.Command, install bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	root, err := runtime.ResolveProjectRoot(cfg.ProjectRoot, workingDir(""))
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return installHook(cmd.OutOrStdout(), runtime.SettingsPath(root), exe, install, newLogger(cmd.ErrOrStderr(), cfg.LogLevel))
}

func installHook(out io.Writer, settings, exe string, install bool, logger *slog.Logger) error {
	if install {
		changed, err := runtime.InstallHook(settings, exe)
		if err != nil {
			return err
		}
		if changed {
			fmt.Fprintf(out, "Installed PreToolUse hook in %s\n", settings)
			if _, err := os.Stat(config.StateDir()); os.IsNotExist(err) {
				fmt.Fprintln(out, "Auto-approval is disabled until you run: approval-gate consent setup")
			}
		} else {
			fmt.Fprintf(out, "Hook already installed in %s\n", settings)
		}
		logger.Debug("hook install", "settings", settings, "changed", changed)
		return nil
	}

	changed, err := runtime.UninstallHook(settings, exe)
	if err != nil {
		return err
	}
	if changed {
		fmt.Fprintf(out, "Removed PreToolUse hook from %s\n", settings)
	} else {
		fmt.Fprintf(out, "No approval-gate hook found in %s\n", settings)
	}
	return nil
}
