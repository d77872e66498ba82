package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/akaszubski/autonomous-dev-sub006/internal/service"
)

var (
	decideAgent   string
	decideTool    string
	decideSession string
	decideParams  map[string]string
	decideJSON    bool
)

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Decide one action and print the decision as JSON",
	Long: `Run one request through the approval gate and print the decision.

The request is built from flags, or read as JSON from stdin with --json:
  {"agent":"researcher","tool":"Bash","parameters":{"command":"git status"},"session":"s1"}

The exit status is 0 when the action is approved and 2 when it is denied.

Examples:
  approval-gate decide --agent researcher --tool Bash --param command="pytest -q"
  approval-gate decide --tool Read --param file_path=src/main.go
  echo '{"tool":"Bash","parameters":{"command":"ls"}}' | approval-gate decide --json`,
	RunE: runDecide,
}

func init() {
	decideCmd.Flags().StringVar(&decideAgent, "agent", "", "requesting agent (default: $CLAUDE_AGENT_NAME)")
	decideCmd.Flags().StringVar(&decideTool, "tool", "", "tool name, e.g. Bash, Read, Write")
	decideCmd.Flags().StringVar(&decideSession, "session", "", "session key for the circuit breaker (default: $CLAUDE_SESSION_ID)")
	decideCmd.Flags().StringToStringVar(&decideParams, "param", nil, "tool parameter as key=value (repeatable)")
	decideCmd.Flags().BoolVar(&decideJSON, "json", false, "read the request as JSON from stdin")
	rootCmd.AddCommand(decideCmd)
}

func runDecide(cmd *cobra.Command, args []string) error {
	req, err := decideRequest(cmd.InOrStdin())
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, newLogger(cmd.ErrOrStderr(), cfg.LogLevel), workingDir(""))
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.decidePersisted(cmd.Context(), req)
	if err != nil {
		a.logger.Error("breaker state unavailable", "path", a.breakerStore.Path(), "error", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return err
	}
	if !d.Approved {
		return &exitError{code: 2}
	}
	return nil
}

// decideRequest builds the request from stdin (--json) or from flags.
func decideRequest(stdin io.Reader) (service.Request, error) {
	var req service.Request
	if decideJSON {
		if err := json.NewDecoder(io.LimitReader(stdin, maxHookInput)).Decode(&req); err != nil {
			return req, fmt.Errorf("parse request: %w", err)
		}
	} else {
		req = service.Request{Agent: decideAgent, Tool: decideTool, SessionKey: decideSession}
		if len(decideParams) > 0 {
			req.Parameters = make(map[string]interface{}, len(decideParams))
			for k, v := range decideParams {
				req.Parameters[k] = v
			}
		}
	}
	if req.Tool == "" {
		return req, fmt.Errorf("a tool is required (--tool or \"tool\" in the JSON request)")
	}
	return req, nil
}

// stdinIsTerminal reports whether stdin is an interactive terminal.
func stdinIsTerminal() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
