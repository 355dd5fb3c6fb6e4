package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/xpc123/agenic-chatBot-sub001/internal/config"
)

const healthProbeTimeout = 2 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether agentd serve is running",
	Long: `Show the PID and uptime of a running "agentd serve" process and ask its
gateway for health and open stream count.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := getPIDFilePath(cfg.DataDir)

	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}
	pid, err := readPID(pidFile)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	fmt.Fprintf(out, "Listen: %s\n", addr)
	// the PID file is written once the gateway is up
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	h, err := probeHealth(ctx, "http://"+addr)
	if err != nil {
		fmt.Fprintf(out, "Gateway: unreachable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Gateway: %s\n", h.status)
	fmt.Fprintf(out, "Streams: %d\n", h.streams)
	return nil
}

type health struct {
	status  string
	streams int64
}

// probeHealth reads GET /healthz. A 503 while draining still carries a body.
func probeHealth(ctx context.Context, baseURL string) (health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return health{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return health{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return health{}, err
	}
	status := gjson.GetBytes(body, "status")
	if !status.Exists() {
		return health{}, fmt.Errorf("unexpected health response: %s", resp.Status)
	}
	return health{
		status:  status.String(),
		streams: gjson.GetBytes(body, "streams").Int(),
	}, nil
}

func formatDuration(d time.Duration) string {
	secs := int64(d.Round(time.Second) / time.Second)
	h, m, s := secs/3600, secs%3600/60, secs%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
