// Package sessionindex keeps queryable session metadata in sqlite so
// callers can list and look up sessions without scanning log files. The
// index is derived data: the session logs stay authoritative, and a lost
// index is rebuilt from them.
package sessionindex

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a session id has no index row.
var ErrNotFound = errors.New("session not found")

// Session is one indexed session.
type Session struct {
	ID           string
	ProjectPath  string
	Provider     string
	Title        string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Index is a sqlite-backed session metadata store.
type Index struct {
	db     *sql.DB
	logger zerolog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	project_path   TEXT NOT NULL,
	provider       TEXT NOT NULL DEFAULT '',
	title          TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL,
	last_active_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at);
`

// Open opens (creating if needed) the index database at dbPath.
func Open(dbPath string, logger zerolog.Logger) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize index schema: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("Session index opened")

	return &Index{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Upsert inserts or replaces a session row.
func (ix *Index) Upsert(s Session) error {
	if s.ID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.LastActiveAt.IsZero() {
		s.LastActiveAt = s.CreatedAt
	}

	_, err := ix.db.Exec(`
		INSERT INTO sessions (id, project_path, provider, title, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_path = excluded.project_path,
			provider = excluded.provider,
			title = excluded.title,
			last_active_at = excluded.last_active_at`,
		s.ID, s.ProjectPath, s.Provider, s.Title, s.CreatedAt, s.LastActiveAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	ix.logger.Debug().Str("sessionId", s.ID).Msg("Session indexed")
	return nil
}

// Touch bumps a session's last-active timestamp. A missing row is not an
// error; the watcher can fire for sessions the index has never seen.
func (ix *Index) Touch(sessionID string, at time.Time) error {
	_, err := ix.db.Exec(`UPDATE sessions SET last_active_at = ? WHERE id = ?`, at, sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Get returns one session by id.
func (ix *Index) Get(sessionID string) (*Session, error) {
	row := ix.db.QueryRow(`
		SELECT id, project_path, provider, title, created_at, last_active_at
		FROM sessions WHERE id = ?`, sessionID)

	var s Session
	err := row.Scan(&s.ID, &s.ProjectPath, &s.Provider, &s.Title, &s.CreatedAt, &s.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return &s, nil
}

// List returns all sessions, most recently active first.
func (ix *Index) List() ([]Session, error) {
	rows, err := ix.db.Query(`
		SELECT id, project_path, provider, title, created_at, last_active_at
		FROM sessions ORDER BY last_active_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.ProjectPath, &s.Provider, &s.Title, &s.CreatedAt, &s.LastActiveAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// InactiveSince returns sessions whose last activity predates the cutoff,
// oldest first. Used by the janitor to pick cleanup candidates.
func (ix *Index) InactiveSince(cutoff time.Time) ([]Session, error) {
	rows, err := ix.db.Query(`
		SELECT id, project_path, provider, title, created_at, last_active_at
		FROM sessions WHERE last_active_at < ? ORDER BY last_active_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query inactive sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.ProjectPath, &s.Provider, &s.Title, &s.CreatedAt, &s.LastActiveAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Delete removes a session row. Deleting a missing row is a no-op.
func (ix *Index) Delete(sessionID string) error {
	if _, err := ix.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
