package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/akaszubski/autonomous-dev-sub006/internal/adapter/outbound/state"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/breaker"
)

var breakerResetAll bool

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect or reset the per-session circuit breaker",
	Long: `The circuit breaker stops auto-approval for a session after too many
consecutive denials. These commands act on the state file shared by hook
invocations; a running server keeps its own state in memory.`,
}

var breakerStatusCmd = &cobra.Command{
	Use:   "status [session]",
	Short: "Show breaker state",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBreakerStatus,
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset [session]",
	Short: "Close the breaker for a session",
	Long: `Clear the denial count of one session so auto-approval resumes.
Use --all to clear every session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBreakerReset,
}

func init() {
	breakerResetCmd.Flags().BoolVar(&breakerResetAll, "all", false, "reset every session")
	breakerCmd.AddCommand(breakerStatusCmd, breakerResetCmd)
	rootCmd.AddCommand(breakerCmd)
}

func breakerStore(cmd *cobra.Command) (*state.FileBreakerStore, int, error) {
	cfg, err := resolvedConfig()
	if err != nil {
		return nil, 0, err
	}
	return state.NewFileBreakerStore(cfg.Breaker.StatePath, newLogger(cmd.ErrOrStderr(), cfg.LogLevel)), cfg.Breaker.Threshold, nil
}

func runBreakerStatus(cmd *cobra.Command, args []string) error {
	store, threshold, err := breakerStore(cmd)
	if err != nil {
		return err
	}
	records, err := store.Load()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		filtered := records[:0]
		for _, r := range records {
			if r.Key == args[0] {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No breaker sessions recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATE\tDENIALS\tLAST SEEN")
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\n",
			r.Key, breakerStateLabel(r.State), r.State.DenialCount, threshold,
			r.LastSeen.Local().Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func breakerStateLabel(st breaker.State) string {
	if st.Tripped {
		return "tripped"
	}
	return "closed"
}

func runBreakerReset(cmd *cobra.Command, args []string) error {
	if breakerResetAll == (len(args) == 1) {
		return errors.New("give exactly one of a session key or --all")
	}
	store, _, err := breakerStore(cmd)
	if err != nil {
		return err
	}
	key := ""
	if len(args) == 1 {
		key = args[0]
	}
	if err := store.Reset(key); err != nil {
		return err
	}
	if key == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "All breaker sessions reset.")
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Breaker reset for session %q.\n", key)
	}
	return nil
}
