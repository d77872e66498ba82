// Package cmd provides the CLI commands for approval-gate.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/akaszubski/autonomous-dev-sub006/internal/config"
)

var (
	cfgFile         string
	projectRootFlag string
	logLevelFlag    string
)

var rootCmd = &cobra.Command{
	Use:   "approval-gate",
	Short: "approval-gate - auto-approval gate for agent tool calls",
	Long: `approval-gate decides whether an AI agent's proposed action (a shell
command or a file access) may run without asking a human.

Every decision passes a circuit breaker, the user's consent setting and a
whitelist/blacklist policy, and is recorded in an append-only audit log.
Auto-approval is disabled until the user opts in.

Quick start:
  1. Write a policy: .claude/config/auto_approve_policy.json
  2. Opt in:         approval-gate consent setup
  3. Register hook:  approval-gate hook install

Configuration:
  Config is loaded from approval-gate.yaml in the current directory,
  $HOME/.autonomous-dev/, or /etc/approval-gate/.

  Environment variables can override config values with the APPROVAL_GATE_
  prefix. Example: APPROVAL_GATE_BREAKER_THRESHOLD=5`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a process exit code without an error message.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./approval-gate.yaml)")
	rootCmd.PersistentFlags().StringVar(&projectRootFlag, "project-root", "", "project root (default: nearest directory containing .claude or .git)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// loadConfig loads the configuration and applies the persistent flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if projectRootFlag != "" {
		cfg.ProjectRoot = projectRootFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
