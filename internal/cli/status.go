package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/warden/pkg/provider"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and provider status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := filepath.Join(cfg.DataDir, "warden.pid")
	if pid, running := daemonPID(pidFile); running {
		fmt.Fprintln(out, "Daemon: running")
		fmt.Fprintf(out, "PID: %d\n", pid)
		if info, err := os.Stat(pidFile); err == nil {
			fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
		}
	} else {
		fmt.Fprintln(out, "Daemon: stopped")
	}

	prov, err := provider.New(cfg.Provider.Name, provider.Config{
		Command: cfg.Provider.Command,
		Args:    cfg.Provider.Args,
		APIKey:  cfg.Provider.APIKey,
		Model:   cfg.Provider.Model,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Provider: %s\n", prov.Name())
	fmt.Fprintf(out, "  installed: %v\n", prov.IsInstalled())
	fmt.Fprintf(out, "  authenticated: %v\n", prov.IsAuthenticated())
	fmt.Fprintf(out, "  native resume: %v\n", prov.SupportsResume())

	return nil
}

// daemonPID reads the PID file and checks the process is alive.
func daemonPID(pidFile string) (int, bool) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
