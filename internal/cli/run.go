package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/warden/pkg/approvals"
	"github.com/harun/warden/pkg/process"
	"github.com/harun/warden/pkg/provider"
	"github.com/harun/warden/pkg/sessionindex"
	"github.com/harun/warden/pkg/sessionlog"
	"github.com/harun/warden/pkg/supervisor"
)

var (
	runCwd     string
	runResume  string
	runApprove bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run a single agent turn",
	Long: `Run one agent turn in the foreground and stream its output.
With --resume the turn continues an existing session, recovering its
conversation log first; otherwise a new session is started.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runCwd, "cwd", "", "project directory for the agent (default is the current directory)")
	runCmd.Flags().StringVar(&runResume, "resume", "", "session id to resume")
	runCmd.Flags().BoolVarP(&runApprove, "yes", "y", false, "approve all tool requests without asking")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
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
	zl := log.GetZerolog()

	cwd := runCwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	prov, err := provider.New(cfg.Provider.Name, provider.Config{
		Command: cfg.Provider.Command,
		Args:    cfg.Provider.Args,
		APIKey:  cfg.Provider.APIKey,
		Model:   cfg.Provider.Model,
		Logger:  zl,
	})
	if err != nil {
		return err
	}

	store, err := sessionlog.NewStore(cfg.SessionsDir)
	if err != nil {
		return err
	}
	index, err := sessionindex.Open(cfg.IndexPath, zl)
	if err != nil {
		return err
	}
	defer index.Close()

	broker := approvals.NewBroker(zl)
	broker.OnRequest(func(req approvals.Request) {
		go answerFromTerminal(broker, req)
	})

	sup := supervisor.New(supervisor.Config{
		MaxWorkers:           cfg.Supervisor.MaxWorkers,
		IdlePreemptThreshold: cfg.Supervisor.IdlePreemptThreshold(),
		Provider:             prov,
		Store:                store,
		Index:                index,
		Broker:               broker,
		Logger:               zl,
	})

	ctx := context.Background()
	spec := supervisor.StartSpec{ProjectPath: cwd, PermissionMode: provider.PermissionMode(cfg.Provider.PermissionMode)}

	var p *process.Process
	if runResume != "" {
		p, err = sup.ResumeSession(ctx, runResume, spec)
	} else {
		p, err = sup.StartSession(ctx, spec)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", p.SessionID())

	msgs, unsub := p.Subscribe()
	defer unsub()

	if _, err := p.QueueMessage(provider.UserMessage{Text: strings.Join(args, " ")}); err != nil {
		return err
	}

	exitErr := streamTurn(cmd, msgs)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sup.Shutdown(shutdownCtx)
	return exitErr
}

// streamTurn prints the session stream until the turn produces a result.
func streamTurn(cmd *cobra.Command, msgs <-chan provider.SDKMessage) error {
	out := cmd.OutOrStdout()
	for msg := range msgs {
		switch msg.Type {
		case provider.MessageTypeAssistant:
			if msg.Text != "" {
				fmt.Fprintln(out, msg.Text)
			}
			for _, tu := range msg.ToolUses {
				fmt.Fprintf(cmd.ErrOrStderr(), "[tool] %s\n", tu.Name)
			}
		case provider.MessageTypeResult:
			if msg.Result != nil && msg.Result.IsError {
				return fmt.Errorf("turn failed: %s", msg.Result.Summary)
			}
			return nil
		case provider.MessageTypeError:
			return fmt.Errorf("session error: %s", msg.Error)
		}
	}
	return fmt.Errorf("session ended before the turn completed")
}

// answerFromTerminal resolves one approval request interactively.
func answerFromTerminal(broker *approvals.Broker, req approvals.Request) {
	if runApprove {
		broker.Resolve(req.ID, approvals.Decision{Approve: true})
		return
	}

	fmt.Fprintf(os.Stderr, "\nTool approval requested: %s\n", req.ToolName)
	if len(req.Input) > 0 {
		fmt.Fprintf(os.Stderr, "  input: %s\n", string(req.Input))
	}
	fmt.Fprint(os.Stderr, "Allow? (y/n): ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	approve := err == nil && strings.HasPrefix(strings.TrimSpace(strings.ToLower(line)), "y")
	broker.Resolve(req.ID, approvals.Decision{Approve: approve})
}
