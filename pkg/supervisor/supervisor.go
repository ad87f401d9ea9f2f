// Package supervisor manages the set of live agent sessions: admission
// under a worker cap, idle preemption, crash-safe resume from conversation
// logs, and background maintenance.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/warden/pkg/approvals"
	"github.com/harun/warden/pkg/process"
	"github.com/harun/warden/pkg/provider"
	"github.com/harun/warden/pkg/sessionindex"
	"github.com/harun/warden/pkg/sessionlog"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = fmt.Errorf("session not found")

// Config configures the supervisor.
type Config struct {
	// MaxWorkers caps concurrent live sessions. Zero means unlimited.
	// The cap is soft: when every worker is busy, admission proceeds
	// anyway rather than rejecting work.
	MaxWorkers int
	// IdlePreemptThreshold is how long a session must sit idle before it
	// may be preempted to admit a new one.
	IdlePreemptThreshold time.Duration

	Provider provider.Provider
	Store    *sessionlog.Store
	Index    *sessionindex.Index
	Broker   *approvals.Broker
	Logger   zerolog.Logger
}

// StartSpec describes a session to start.
type StartSpec struct {
	// SessionID is optional; one is generated when empty.
	SessionID      string
	ProjectPath    string
	Title          string
	PermissionMode provider.PermissionMode

	// InitialMessage, when set, is queued as the session's first turn.
	InitialMessage *provider.UserMessage
}

// Supervisor owns the registry of running processes.
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	procs map[string]*process.Process
	// stash holds undelivered queue contents of preempted sessions so a
	// later resume re-queues them in order.
	stash map[string][]provider.UserMessage
}

// New creates a supervisor.
func New(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("module", "supervisor").Logger(),
		procs:  make(map[string]*process.Process),
		stash:  make(map[string][]provider.UserMessage),
	}
}

// StartSession admits and starts a fresh session.
func (s *Supervisor) StartSession(ctx context.Context, spec StartSpec) (*process.Process, error) {
	sessionID := spec.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if err := s.cfg.Store.Create(sessionID); err != nil {
		return nil, fmt.Errorf("failed to create session log: %w", err)
	}
	s.indexSession(sessionID, spec)

	s.admit(sessionID)

	p := process.Start(ctx, process.Config{
		SessionID:      sessionID,
		ProjectPath:    spec.ProjectPath,
		Provider:       s.cfg.Provider,
		PermissionMode: spec.PermissionMode,
		Store:          s.cfg.Store,
		Broker:         s.cfg.Broker,
		Logger:         s.cfg.Logger,
		OnTerminate:    s.onTerminate,
	})

	s.register(sessionID, p)

	if spec.InitialMessage != nil {
		if _, err := p.QueueMessage(*spec.InitialMessage); err != nil {
			s.logger.Warn().Err(err).Str("sessionId", sessionID).Msg("Failed to queue initial message")
		}
	}

	s.logger.Info().Str("sessionId", sessionID).Str("projectPath", spec.ProjectPath).Msg("Session started")
	return p, nil
}

// ResumeSession rebuilds a session from its conversation log and starts a
// new process continuing the active branch. Dangling tool calls left by the
// crash or preemption are patched with synthesized cancellation results
// before anything else happens.
func (s *Supervisor) ResumeSession(ctx context.Context, sessionID string, spec StartSpec) (*process.Process, error) {
	if p := s.ProcessForSession(sessionID); p != nil {
		st := p.State()
		if st != process.StateTerminated && st != process.StateError {
			if spec.InitialMessage == nil {
				return p, nil
			}
			// Resuming a session that is already live just queues the new
			// turn onto it. A queue failure means the process died between
			// the state check and the push; fall through and resume it.
			if _, err := p.QueueMessage(*spec.InitialMessage); err == nil {
				return p, nil
			}
		}
	}

	if !s.cfg.Store.Exists(sessionID) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if spec.ProjectPath == "" && s.cfg.Index != nil {
		if meta, err := s.cfg.Index.Get(sessionID); err == nil {
			spec.ProjectPath = meta.ProjectPath
		}
	}

	records, err := s.cfg.Store.ReadAll(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}
	rec := sessionlog.Reconstruct(records)

	tipUUID := ""
	if rec.Tip != nil {
		tipUUID = rec.Tip.UUID
	}

	if len(rec.OrphanedToolUses) > 0 {
		s.logger.Warn().
			Str("sessionId", sessionID).
			Int("orphans", len(rec.OrphanedToolUses)).
			Msg("Patching dangling tool calls before resume")
		patches := sessionlog.SynthesizeCancellations(rec, sessionID)
		for _, patch := range patches {
			if err := s.cfg.Store.Append(sessionID, patch); err != nil {
				return nil, fmt.Errorf("failed to patch dangling tool call: %w", err)
			}
		}
		if len(patches) > 0 {
			tipUUID = patches[len(patches)-1].UUID
		}
	}

	cfg := process.Config{
		SessionID:      sessionID,
		ProjectPath:    spec.ProjectPath,
		Provider:       s.cfg.Provider,
		PermissionMode: spec.PermissionMode,
		TipUUID:        tipUUID,
		Store:          s.cfg.Store,
		Broker:         s.cfg.Broker,
		Logger:         s.cfg.Logger,
		OnTerminate:    s.onTerminate,
	}
	if s.cfg.Provider.SupportsResume() {
		cfg.ResumeSessionID = sessionID
	} else {
		cfg.History = historyFromTranscript(rec.Transcript())
	}

	s.admit(sessionID)
	p := process.Start(ctx, cfg)

	s.register(sessionID, p)

	s.mu.Lock()
	stashed := s.stash[sessionID]
	delete(s.stash, sessionID)
	s.mu.Unlock()

	// Turns that were queued when the session was preempted go back in,
	// in their original order.
	for _, msg := range stashed {
		if _, err := p.QueueMessage(msg); err != nil {
			s.logger.Warn().Err(err).Str("sessionId", sessionID).Msg("Failed to requeue stashed message")
			break
		}
	}
	if spec.InitialMessage != nil {
		if _, err := p.QueueMessage(*spec.InitialMessage); err != nil {
			s.logger.Warn().Err(err).Str("sessionId", sessionID).Msg("Failed to queue initial message")
		}
	}

	if s.cfg.Index != nil {
		if err := s.cfg.Index.Touch(sessionID, time.Now()); err != nil {
			s.logger.Warn().Err(err).Str("sessionId", sessionID).Msg("Failed to touch session index")
		}
	}
	s.logger.Info().
		Str("sessionId", sessionID).
		Bool("nativeResume", s.cfg.Provider.SupportsResume()).
		Int("requeued", len(stashed)).
		Msg("Session resumed")
	return p, nil
}

// register records a session's process in the registry. A process that
// failed during startup fires its terminate hook before registration, so the
// entry is dropped again here rather than lingering as a dead record.
func (s *Supervisor) register(sessionID string, p *process.Process) {
	s.mu.Lock()
	s.procs[sessionID] = p
	s.mu.Unlock()

	select {
	case <-p.Done():
		s.dropFinished(sessionID)
	default:
	}
}

// dropFinished removes a session's registry entry once its process has
// finished. A live replacement registered by a later resume is left alone.
func (s *Supervisor) dropFinished(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[sessionID]; ok {
		st := p.State()
		if st == process.StateTerminated || st == process.StateError {
			delete(s.procs, sessionID)
		}
	}
}

// ProcessForSession returns the registered process for a session, or nil
// when no live process exists.
func (s *Supervisor) ProcessForSession(sessionID string) *process.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[sessionID]
}

// ActiveSessions returns ids of sessions that are not finished.
func (s *Supervisor) ActiveSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []string{}
	for id, p := range s.procs {
		st := p.State()
		if st != process.StateTerminated && st != process.StateError {
			out = append(out, id)
		}
	}
	return out
}

// StopSession aborts a session's process and stashes its undelivered queue
// so a resume can pick the turns back up.
func (s *Supervisor) StopSession(sessionID string) error {
	p := s.ProcessForSession(sessionID)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.preempt(p)
	return nil
}

// Shutdown aborts every live session and waits for them to finish.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	procs := make([]*process.Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		p.Abort()
	}
	for _, p := range procs {
		select {
		case <-p.Done():
		case <-ctx.Done():
			s.logger.Warn().Msg("Shutdown deadline reached before all sessions finished")
			return
		}
	}
	s.logger.Info().Int("sessions", len(procs)).Msg("Supervisor shut down")
}

// admit enforces the soft worker cap. When live sessions are at the cap it
// preempts the least recently active idle session past the threshold; when
// none qualifies it logs and admits anyway.
func (s *Supervisor) admit(sessionID string) {
	if s.cfg.MaxWorkers <= 0 {
		return
	}

	s.mu.Lock()
	var victim *process.Process
	live := 0
	for _, p := range s.procs {
		st := p.State()
		if st == process.StateTerminated || st == process.StateError {
			continue
		}
		live++
		if st != process.StateIdle {
			continue
		}
		if time.Since(p.LastActivity()) < s.cfg.IdlePreemptThreshold {
			continue
		}
		if victim == nil || p.LastActivity().Before(victim.LastActivity()) {
			victim = p
		}
	}
	s.mu.Unlock()

	if live < s.cfg.MaxWorkers {
		return
	}

	if victim == nil {
		s.logger.Warn().
			Str("sessionId", sessionID).
			Int("live", live).
			Int("maxWorkers", s.cfg.MaxWorkers).
			Msg("Worker cap reached with no preemptible session, admitting anyway")
		return
	}

	// The victim may have picked up new work since it was selected; the
	// guarded abort declines in that case and the cap stays soft.
	if !victim.AbortIfIdle() {
		s.logger.Warn().
			Str("sessionId", sessionID).
			Str("candidate", victim.SessionID()).
			Msg("Preemption candidate became busy, admitting anyway")
		return
	}
	if pending := victim.DrainQueue(); len(pending) > 0 {
		s.mu.Lock()
		s.stash[victim.SessionID()] = append(s.stash[victim.SessionID()], pending...)
		s.mu.Unlock()
	}
	s.logger.Info().
		Str("sessionId", sessionID).
		Str("preempted", victim.SessionID()).
		Msg("Preempted idle session to admit new one")
}

// preempt stops a process, keeping its undelivered turns for resume.
func (s *Supervisor) preempt(p *process.Process) {
	pending := p.DrainQueue()
	if len(pending) > 0 {
		s.mu.Lock()
		s.stash[p.SessionID()] = append(s.stash[p.SessionID()], pending...)
		s.mu.Unlock()
	}
	p.Abort()
}

func (s *Supervisor) onTerminate(sessionID string) {
	s.dropFinished(sessionID)
	if s.cfg.Index != nil {
		if err := s.cfg.Index.Touch(sessionID, time.Now()); err != nil {
			s.logger.Warn().Err(err).Str("sessionId", sessionID).Msg("Failed to touch session index")
		}
	}
	s.logger.Debug().Str("sessionId", sessionID).Msg("Session terminated")
}

func historyFromTranscript(turns []sessionlog.Turn) []provider.Turn {
	out := make([]provider.Turn, 0, len(turns))
	for _, t := range turns {
		out = append(out, provider.Turn{Role: t.Role, Text: t.Text})
	}
	return out
}

func (s *Supervisor) indexSession(sessionID string, spec StartSpec) {
	if s.cfg.Index == nil {
		return
	}
	now := time.Now()
	err := s.cfg.Index.Upsert(sessionindex.Session{
		ID:           sessionID,
		ProjectPath:  spec.ProjectPath,
		Provider:     s.cfg.Provider.Name(),
		Title:        spec.Title,
		CreatedAt:    now,
		LastActiveAt: now,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("sessionId", sessionID).Msg("Failed to index session")
	}
}
