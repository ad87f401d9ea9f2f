package sessionlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Store manages append-only JSONL session logs under a single directory,
// one file per session.
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.RWMutex
}

// NewStore creates a session log store rooted at dir. An empty dir defaults
// to ~/.warden/sessions.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".warden", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", dir).Msg("Session log store initialized")

	return s, nil
}

// Dir returns the directory the store writes into.
func (s *Store) Dir() string {
	return s.dir
}

// validateSessionID rejects ids that could escape the sessions directory.
func (s *Store) validateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(sessionID, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(sessionID, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(sessionID, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

// Path returns the log file path for a session.
func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

// getWriteLock gets or creates a write lock for a session
func (s *Store) getWriteLock(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[sessionID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.writeLocks[sessionID] = lock
	return lock
}

// Create creates an empty session log if one does not already exist.
func (s *Store) Create(sessionID string) error {
	if err := s.validateSessionID(sessionID); err != nil {
		return err
	}

	path := s.Path(sessionID)

	if _, err := os.Stat(path); err == nil {
		log.Debug().Str("sessionId", sessionID).Msg("Session log already exists")
		return nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create session log: %w", err)
	}
	file.Close()

	log.Info().Str("sessionId", sessionID).Msg("Session log created")

	return nil
}

// Exists reports whether a session log file is present on disk.
func (s *Store) Exists(sessionID string) bool {
	if err := s.validateSessionID(sessionID); err != nil {
		return false
	}
	_, err := os.Stat(s.Path(sessionID))
	return err == nil
}

// Append writes a record to a session log, creating the log if needed. The
// record's sessionId and timestamp are filled in when empty.
func (s *Store) Append(sessionID string, rec Record) error {
	if err := s.validateSessionID(sessionID); err != nil {
		return err
	}

	if rec.SessionID == "" {
		rec.SessionID = sessionID
	}
	if rec.Timestamp == "" {
		rec.Timestamp = newTimestamp()
	}

	lock := s.getWriteLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	path := s.Path(sessionID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.Create(sessionID); err != nil {
			return err
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open session log: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync session log: %w", err)
	}

	log.Debug().
		Str("sessionId", sessionID).
		Str("type", rec.Type).
		Msg("Record appended")

	return nil
}

// ReadAll loads every parseable record of a session log in append order.
// Unparseable lines are skipped, never fatal: a partially corrupted log
// still yields everything valid around the damage. A missing log yields an
// empty slice.
func (s *Store) ReadAll(sessionID string) ([]Record, error) {
	if err := s.validateSessionID(sessionID); err != nil {
		return nil, err
	}

	path := s.Path(sessionID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Debug().Str("sessionId", sessionID).Msg("Session log does not exist")
		return []Record{}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if strings.TrimSpace(line) == "" {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			log.Warn().
				Str("sessionId", sessionID).
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse log line, skipping")
			continue
		}

		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}

	log.Debug().
		Str("sessionId", sessionID).
		Int("records", len(records)).
		Msg("Session log loaded")

	return records, nil
}

// Delete removes a session log file. The session's lock entry is retained so
// a concurrent Append serializes against the removal instead of minting a
// fresh lock mid-delete.
func (s *Store) Delete(sessionID string) error {
	if err := s.validateSessionID(sessionID); err != nil {
		return err
	}

	lock := s.getWriteLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.Path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session log: %w", err)
	}

	log.Info().Str("sessionId", sessionID).Msg("Session log deleted")

	return nil
}

// List returns the ids of every session with a log on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}

		sessions = append(sessions, strings.TrimSuffix(name, ".jsonl"))
	}

	return sessions, nil
}

// Repair rewrites a session log keeping only parseable lines, replacing the
// file atomically.
func (s *Store) Repair(sessionID string) error {
	records, err := s.ReadAll(sessionID)
	if err != nil {
		return err
	}

	lock := s.getWriteLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	path := s.Path(sessionID)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		if _, err := file.Write(append(data, '\n')); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write record: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}

	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session log: %w", err)
	}

	log.Info().
		Str("sessionId", sessionID).
		Int("records", len(records)).
		Msg("Session log repaired")

	return nil
}
