package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/akaszubski/autonomous-dev-sub006/internal/adapter/outbound/state"
	"github.com/akaszubski/autonomous-dev-sub006/internal/config"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/consent"
)

var consentForce bool

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Show or change the auto-approval opt-in",
	Long: `Auto-approval is disabled until the user opts in. The choice is stored
in the user state file and can be overridden per process with the consent
environment variable (MCP_AUTO_APPROVE by default).`,
}

var consentSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Ask whether to enable auto-approval (first run)",
	Long: `Prompt for the first-run choice. Nothing is asked when a choice is
already recorded, unless --force is given.`,
	RunE: runConsentSetup,
}

var consentEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable auto-approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConsentSet(cmd, true)
	},
}

var consentDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable auto-approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConsentSet(cmd, false)
	},
}

var consentStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the effective auto-approval setting",
	RunE:  runConsentStatus,
}

func init() {
	consentSetupCmd.Flags().BoolVar(&consentForce, "force", false, "ask again even if a choice is recorded")
	consentCmd.AddCommand(consentSetupCmd, consentEnableCmd, consentDisableCmd, consentStatusCmd)
	rootCmd.AddCommand(consentCmd)
}

// consentManager wires only the consent components; these commands need no
// project root.
func consentManager(cmd *cobra.Command) (*consent.Manager, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	cfg.ResolvePaths(workingDir(""))
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	store := state.NewFileConsentStore(cfg.Consent.StatePath, logger)
	return consent.NewManager(store, logger, consent.WithEnvVar(cfg.Consent.EnvVar)), cfg, nil
}

// huhPrompt asks the first-run question on the terminal.
func huhPrompt(ctx context.Context) (bool, error) {
	enabled := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Automatic approval of agent actions").
				Description("Whitelisted commands and file accesses from trusted agents\n"+
					"will run without asking you. Blacklisted and unknown actions\n"+
					"still need your confirmation, and every decision is audited."),
			huh.NewConfirm().
				Title("Enable auto-approval?").
				Affirmative("Enable").
				Negative("Keep asking me").
				Value(&enabled),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return false, err
	}
	return enabled, nil
}

func runConsentSetup(cmd *cobra.Command, args []string) error {
	m, _, err := consentManager(cmd)
	if err != nil {
		return err
	}
	if !stdinIsTerminal() {
		return errors.New("consent setup needs an interactive terminal; use 'consent enable' or 'consent disable'")
	}
	return consentSetup(cmd.Context(), cmd.OutOrStdout(), m, huhPrompt, consentForce)
}

func consentSetup(ctx context.Context, out io.Writer, m *consent.Manager, prompt consent.PromptFunc, force bool) error {
	var (
		st  consent.State
		err error
	)
	if force {
		enabled, perr := prompt(ctx)
		if perr != nil {
			return fmt.Errorf("consent prompt: %w", perr)
		}
		st, err = m.SetChoice(ctx, enabled)
	} else {
		st, err = m.EnsureDecided(ctx, prompt)
	}
	if err != nil {
		return err
	}
	printConsent(out, st, "")
	return nil
}

func runConsentSet(cmd *cobra.Command, enabled bool) error {
	m, _, err := consentManager(cmd)
	if err != nil {
		return err
	}
	st, err := m.SetChoice(cmd.Context(), enabled)
	if err != nil {
		return err
	}
	printConsent(cmd.OutOrStdout(), st, "")
	return nil
}

func runConsentStatus(cmd *cobra.Command, args []string) error {
	m, cfg, err := consentManager(cmd)
	if err != nil {
		return err
	}
	printConsent(cmd.OutOrStdout(), m.Resolve(cmd.Context()), cfg.Consent.StatePath)
	return nil
}

func printConsent(out io.Writer, st consent.State, path string) {
	status := "disabled"
	if st.AutoApprovalEnabled {
		status = "enabled"
	}
	fmt.Fprintf(out, "Auto-approval: %s\n", status)
	fmt.Fprintf(out, "  Source:      %s\n", st.Source)
	fmt.Fprintf(out, "  Decided:     %v\n", st.Decided)
	if !st.UpdatedAt.IsZero() {
		fmt.Fprintf(out, "  Updated:     %s\n", st.UpdatedAt.Format(time.RFC3339))
	}
	if path != "" {
		fmt.Fprintf(out, "  State file:  %s\n", path)
	}
}
