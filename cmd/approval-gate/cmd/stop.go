package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running approval-gate server",
	Long: `Stop a server started with "approval-gate serve" by reading its PID file
and sending SIGTERM.

The PID file is located at ~/.autonomous-dev/approval-gate.pid.`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

// runningServer returns the process recorded in the PID file. A PID file
// for a dead process is removed.
func runningServer() (*os.Process, string, error) {
	pidPath := pidFilePath()
	pid := readPIDFile(pidPath)
	if pid == 0 {
		return nil, pidPath, fmt.Errorf("no server PID file found at %s\nIs the server running?", pidPath)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		os.Remove(pidPath)
		return nil, pidPath, fmt.Errorf("invalid PID %d: %w", pid, err)
	}
	if !processIsAlive(proc) {
		os.Remove(pidPath)
		return nil, pidPath, fmt.Errorf("server process %d is not running (stale PID file removed)", pid)
	}
	return proc, pidPath, nil
}

func runStop(cmd *cobra.Command, args []string) error {
	proc, pidPath, err := runningServer()
	if err != nil {
		return err
	}

	errOut := cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "Stopping approval-gate server (PID %d)...\n", proc.Pid)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	// Poll every 200ms, max 10s.
	for i := 0; i < 50; i++ {
		time.Sleep(200 * time.Millisecond)
		if !processIsAlive(proc) {
			os.Remove(pidPath)
			fmt.Fprintln(errOut, "Server stopped.")
			return nil
		}
	}

	fmt.Fprintln(errOut, "Server did not stop gracefully, killing it...")
	_ = proc.Kill()
	os.Remove(pidPath)
	fmt.Fprintln(errOut, "Server killed.")
	return nil
}
