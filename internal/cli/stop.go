package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xpc123/agenic-chatBot-sub001/internal/config"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running agentd serve process",
	Long: `Stop a running "agentd serve" gracefully.
Sends SIGTERM so in-flight turns can finish, and SIGKILL after the timeout.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for agentd to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := getPIDFilePath(cfg.DataDir)

	if !isRunning(pidFile) {
		_ = os.Remove(pidFile)
		return fmt.Errorf("agentd is not running")
	}
	if err := signalDaemon(pidFile, syscall.SIGTERM); err != nil {
		return err
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !isRunning(pidFile) {
			fmt.Fprintln(out, "agentd stopped")
			_ = os.Remove(pidFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := signalDaemon(pidFile, syscall.SIGKILL); err != nil {
		return err
	}
	_ = os.Remove(pidFile)
	fmt.Fprintln(out, "agentd killed")
	return nil
}
