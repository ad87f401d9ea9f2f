package sessionlog

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher observes the sessions directory for log writes. Agent backends
// append to their own session logs directly, so a write seen here is
// activity the supervisor would otherwise miss when deciding idleness.
type Watcher struct {
	watcher    *fsnotify.Watcher
	logger     zerolog.Logger
	onActivity func(sessionID string)
	debounce   time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	stopCh chan struct{}
}

// NewWatcher starts watching dir and invokes onActivity with the session id
// of each modified log, debounced per session.
func NewWatcher(dir string, logger zerolog.Logger, onActivity func(sessionID string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:    fsw,
		logger:     logger,
		onActivity: onActivity,
		debounce:   500 * time.Millisecond,
		timers:     make(map[string]*time.Timer),
		stopCh:     make(chan struct{}),
	}

	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()

	return w, nil
}

// Stop stops the watcher and cancels pending notifications.
func (w *Watcher) Stop() error {
	close(w.stopCh)

	w.mu.Lock()
	for _, timer := range w.timers {
		timer.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	w.mu.Unlock()

	return w.watcher.Close()
}

// run processes file system events
func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if !strings.HasSuffix(event.Name, ".jsonl") {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				sessionID := strings.TrimSuffix(filepath.Base(event.Name), ".jsonl")
				w.markDirty(sessionID)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Session log watcher error")

		case <-w.stopCh:
			return
		}
	}
}

// markDirty schedules the activity callback for a session, resetting its
// debounce window on each new event.
func (w *Watcher) markDirty(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, exists := w.timers[sessionID]; exists {
		timer.Stop()
	}

	w.timers[sessionID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, sessionID)
		w.mu.Unlock()

		w.logger.Debug().Str("sessionId", sessionID).Msg("Session log activity")
		if w.onActivity != nil {
			w.onActivity(sessionID)
		}
	})
}
