package supervisor

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/warden/pkg/sessionlog"
)

// Janitor deletes conversation logs and index rows for sessions that have
// been inactive past the retention window. It never touches a session with
// a live process.
type Janitor struct {
	sup       *Supervisor
	retention time.Duration
	cron      *cron.Cron
	logger    zerolog.Logger
}

// NewJanitor schedules cleanup runs. The schedule is a standard five-field
// cron expression; retention must be positive.
func NewJanitor(sup *Supervisor, schedule string, retention time.Duration, logger zerolog.Logger) (*Janitor, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %v", retention)
	}

	j := &Janitor{
		sup:       sup,
		retention: retention,
		cron:      cron.New(),
		logger:    logger.With().Str("module", "janitor").Logger(),
	}

	if _, err := j.cron.AddFunc(schedule, j.Sweep); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins scheduled sweeps.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info().Dur("retention", j.retention).Msg("Janitor started")
}

// Stop halts scheduling; a sweep in flight finishes.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep deletes expired sessions once. Exposed so a cleanup can also be
// run on demand.
func (j *Janitor) Sweep() {
	index := j.sup.cfg.Index
	store := j.sup.cfg.Store
	if index == nil || store == nil {
		return
	}

	cutoff := time.Now().Add(-j.retention)
	expired, err := index.InactiveSince(cutoff)
	if err != nil {
		j.logger.Error().Err(err).Msg("Failed to list expired sessions")
		return
	}

	live := map[string]bool{}
	for _, id := range j.sup.ActiveSessions() {
		live[id] = true
	}

	removed := 0
	for _, sess := range expired {
		if live[sess.ID] {
			continue
		}
		if err := store.Delete(sess.ID); err != nil {
			j.logger.Warn().Err(err).Str("sessionId", sess.ID).Msg("Failed to delete session log")
			continue
		}
		if err := index.Delete(sess.ID); err != nil {
			j.logger.Warn().Err(err).Str("sessionId", sess.ID).Msg("Failed to delete index row")
			continue
		}
		removed++
	}

	if removed > 0 {
		j.logger.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("Expired sessions cleaned up")
	}
}

// WatchLogs starts a filesystem watcher over the session log directory that
// refreshes index activity whenever a log grows, covering writes made by
// external tooling as well as this process.
func (s *Supervisor) WatchLogs() (*sessionlog.Watcher, error) {
	return sessionlog.NewWatcher(s.cfg.Store.Dir(), s.cfg.Logger, func(sessionID string) {
		if s.cfg.Index == nil {
			return
		}
		if err := s.cfg.Index.Touch(sessionID, time.Now()); err != nil {
			s.logger.Debug().Err(err).Str("sessionId", sessionID).Msg("Failed to touch session index from watcher")
		}
	})
}
