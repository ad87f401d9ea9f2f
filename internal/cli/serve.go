package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/warden/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the warden daemon in the foreground",
	Long: `Run the warden daemon in the foreground until interrupted.
The daemon supervises agent sessions, runs the retention janitor, and keeps
the session index in sync with the conversation logs.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	return d.Run()
}
