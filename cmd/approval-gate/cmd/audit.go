package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	auditfile "github.com/akaszubski/autonomous-dev-sub006/internal/adapter/outbound/audit"
	"github.com/akaszubski/autonomous-dev-sub006/internal/adapter/outbound/auditdb"
	"github.com/akaszubski/autonomous-dev-sub006/internal/domain/audit"
)

var (
	auditTailLines int
	auditJSON      bool

	auditSince   time.Duration
	auditEvent   string
	auditAgent   string
	auditSession string
	auditTool    string
	auditRisk    bool
	auditLimit   int

	statsWindow time.Duration
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the decision audit log",
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent audit entries",
	RunE:  runAuditTail,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Search the audit database",
	Long: `Search the SQLite audit mirror. Requires audit.sqlite_path in the config.

Examples:
  approval-gate audit query --event denied --since 24h
  approval-gate audit query --agent researcher --security-risk`,
	RunE: runAuditQuery,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise decisions from the audit database",
	RunE:  runAuditStats,
}

func init() {
	auditTailCmd.Flags().IntVarP(&auditTailLines, "lines", "n", 20, "number of entries")
	auditTailCmd.Flags().BoolVar(&auditJSON, "json", false, "print raw JSON lines")

	auditQueryCmd.Flags().DurationVar(&auditSince, "since", 0, "only entries newer than this (e.g. 1h)")
	auditQueryCmd.Flags().StringVar(&auditEvent, "event", "", "approved, denied or circuit_tripped")
	auditQueryCmd.Flags().StringVar(&auditAgent, "agent", "", "filter by agent")
	auditQueryCmd.Flags().StringVar(&auditSession, "session", "", "filter by session")
	auditQueryCmd.Flags().StringVar(&auditTool, "tool", "", "filter by tool")
	auditQueryCmd.Flags().BoolVar(&auditRisk, "security-risk", false, "only security-risk denials")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", audit.DefaultQueryLimit, "maximum entries")
	auditQueryCmd.Flags().BoolVar(&auditJSON, "json", false, "print raw JSON lines")

	auditStatsCmd.Flags().DurationVar(&statsWindow, "since", 24*time.Hour, "time window")

	auditCmd.AddCommand(auditTailCmd, auditQueryCmd, auditStatsCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	cfg, err := resolvedConfig()
	if err != nil {
		return err
	}
	entries, skipped, err := auditfile.ReadEntries(cfg.Audit.Path)
	if err != nil {
		return err
	}
	if skipped > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: skipped %d malformed lines in %s\n", skipped, cfg.Audit.Path)
	}
	if auditTailLines > 0 && len(entries) > auditTailLines {
		entries = entries[len(entries)-auditTailLines:]
	}
	return printEntries(cmd.OutOrStdout(), entries, auditJSON)
}

func openAuditDB(cmd *cobra.Command) (*auditdb.Store, error) {
	cfg, err := resolvedConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Audit.SQLitePath == "" {
		return nil, errors.New("no audit database configured; set audit.sqlite_path")
	}
	return auditdb.Open(cfg.Audit.SQLitePath, newLogger(cmd.ErrOrStderr(), cfg.LogLevel))
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	filter := audit.Filter{
		Event:   audit.Event(auditEvent),
		Agent:   auditAgent,
		Session: auditSession,
		Tool:    auditTool,
		Limit:   auditLimit,
	}
	if filter.Event != "" && !filter.Event.Valid() {
		return fmt.Errorf("unknown event %q", auditEvent)
	}
	if auditSince > 0 {
		filter.Start = time.Now().Add(-auditSince)
	}
	if auditRisk {
		risk := true
		filter.SecurityRisk = &risk
	}

	db, err := openAuditDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := db.Query(cmd.Context(), filter)
	if err != nil {
		return err
	}
	return printEntries(cmd.OutOrStdout(), entries, auditJSON)
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	db, err := openAuditDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	end := time.Now()
	stats, err := db.Stats(cmd.Context(), end.Add(-statsWindow), end)
	if err != nil {
		return err
	}
	printStats(cmd.OutOrStdout(), stats, statsWindow)
	return nil
}

func printEntries(out io.Writer, entries []audit.Entry, raw bool) error {
	if raw {
		enc := json.NewEncoder(out)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tAGENT\tTOOL\tRISK\tREASON")
	for _, e := range entries {
		risk := ""
		if e.SecurityRisk {
			risk = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Event, e.Agent, e.Tool, risk, e.Reason)
	}
	return tw.Flush()
}

func printStats(out io.Writer, s *audit.Stats, window time.Duration) {
	fmt.Fprintf(out, "Decisions in the last %s: %d\n", window, s.Total)
	fmt.Fprintf(out, "  Security risk: %d\n", s.SecurityRisk)
	for _, ev := range []audit.Event{audit.EventApproved, audit.EventDenied, audit.EventCircuitTripped} {
		fmt.Fprintf(out, "  %-16s %d\n", string(ev)+":", s.ByEvent[ev])
	}
	if len(s.ByTool) == 0 {
		return
	}
	tools := make([]string, 0, len(s.ByTool))
	for t := range s.ByTool {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return s.ByTool[tools[i]] > s.ByTool[tools[j]] })
	fmt.Fprintln(out, "By tool:")
	for _, t := range tools {
		fmt.Fprintf(out, "  %-16s %d\n", t+":", s.ByTool[t])
	}
}
