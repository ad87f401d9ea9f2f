// Package daemon wires configuration, the provider, the supervisor, and
// background maintenance into the long-running warden service.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/warden/internal/config"
	"github.com/harun/warden/internal/logger"
	"github.com/harun/warden/pkg/approvals"
	"github.com/harun/warden/pkg/provider"
	"github.com/harun/warden/pkg/sessionindex"
	"github.com/harun/warden/pkg/sessionlog"
	"github.com/harun/warden/pkg/supervisor"
)

// Daemon represents the warden service
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	provider   provider.Provider
	store      *sessionlog.Store
	index      *sessionindex.Index
	broker     *approvals.Broker
	supervisor *supervisor.Supervisor
	janitor    *supervisor.Janitor
	watcher    *sessionlog.Watcher
	lifecycle  *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// Status is a point-in-time snapshot of the daemon
type Status struct {
	Running          bool
	Uptime           time.Duration
	ActiveSessions   int
	PendingApprovals int
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	zl := log.GetZerolog()

	prov, err := provider.New(cfg.Provider.Name, provider.Config{
		Command: cfg.Provider.Command,
		Args:    cfg.Provider.Args,
		APIKey:  cfg.Provider.APIKey,
		Model:   cfg.Provider.Model,
		Logger:  zl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	store, err := sessionlog.NewStore(cfg.SessionsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}

	index, err := sessionindex.Open(cfg.IndexPath, zl)
	if err != nil {
		return nil, fmt.Errorf("failed to open session index: %w", err)
	}

	broker := approvals.NewBroker(zl)

	sup := supervisor.New(supervisor.Config{
		MaxWorkers:           cfg.Supervisor.MaxWorkers,
		IdlePreemptThreshold: cfg.Supervisor.IdlePreemptThreshold(),
		Provider:             prov,
		Store:                store,
		Index:                index,
		Broker:               broker,
		Logger:               zl,
	})

	d := &Daemon{
		config:     cfg,
		logger:     log,
		log:        zl.With().Str("module", "daemon").Logger(),
		provider:   prov,
		store:      store,
		index:      index,
		broker:     broker,
		supervisor: sup,
	}
	d.lifecycle = NewLifecycleManager(d)

	if cfg.Retention.Enabled {
		janitor, err := supervisor.NewJanitor(sup, cfg.Retention.Schedule, cfg.Retention.MaxAge(), zl)
		if err != nil {
			index.Close()
			return nil, fmt.Errorf("failed to create janitor: %w", err)
		}
		d.janitor = janitor
	}

	return d, nil
}

// Supervisor exposes the session registry.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.supervisor }

// Broker exposes the approval broker.
func (d *Daemon) Broker() *approvals.Broker { return d.broker }

// Index exposes the session index.
func (d *Daemon) Index() *sessionindex.Index { return d.index }

// Start brings the daemon up
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("daemon is already running")
	}

	if err := d.lifecycle.Start(); err != nil {
		return err
	}

	watcher, err := d.supervisor.WatchLogs()
	if err != nil {
		d.log.Warn().Err(err).Msg("Failed to start session log watcher, continuing without it")
	} else {
		d.watcher = watcher
	}

	if d.janitor != nil {
		d.janitor.Start()
	}

	d.startTime = time.Now()
	d.running = true

	d.log.Info().
		Str("provider", d.provider.Name()).
		Int("maxWorkers", d.config.Supervisor.MaxWorkers).
		Msg("Warden daemon started")

	return nil
}

// Stop shuts the daemon down, aborting live sessions
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.supervisor.Shutdown(ctx)

	if d.janitor != nil {
		d.janitor.Stop()
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.log.Warn().Err(err).Msg("Failed to stop log watcher")
		}
	}
	if err := d.index.Close(); err != nil {
		d.log.Warn().Err(err).Msg("Failed to close session index")
	}
	if err := d.lifecycle.Stop(); err != nil {
		d.log.Warn().Err(err).Msg("Failed to clean up lifecycle state")
	}

	d.running = false
	d.log.Info().Msg("Warden daemon stopped")

	return nil
}

// Status returns a snapshot of the daemon state
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Status{Running: d.running}
	if d.running {
		st.Uptime = time.Since(d.startTime)
		st.ActiveSessions = len(d.supervisor.ActiveSessions())
		st.PendingApprovals = len(d.broker.Pending())
	}
	return st
}

// Run starts the daemon and blocks until SIGINT or SIGTERM
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	d.log.Info().Str("signal", sig.String()).Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return d.Stop(ctx)
}
