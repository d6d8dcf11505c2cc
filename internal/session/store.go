// ABOUTME: Locked access to the gateway's shared sessions.json table.
// ABOUTME: Creates, reseeds, wipes, and deletes connector-owned sessions.

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// KeyPrefix namespaces connector-owned entries in the session table so
// they never collide with the user's own sessions.
const KeyPrefix = "agent:main:coven-connector"

// templateKey is the primary agent's session record, used as the
// capability snapshot source for new connector sessions.
const templateKey = "agent:main:main"

const (
	lockRetryInterval = 10 * time.Millisecond
	lockTimeout       = 5 * time.Second
	lockStaleAfter    = 30 * time.Second
)

// ErrLockTimeout indicates the session table lock could not be acquired.
var ErrLockTimeout = errors.New("timed out waiting for session table lock")

// Store provides mutual-exclusion-disciplined access to the gateway's
// session table and transcript directory. The table is shared with the
// gateway process; every mutation here happens under an advisory lock
// file so concurrent writers cannot interleave read-modify-write cycles.
type Store struct {
	// file is the sessions.json path; transcripts live beside it as
	// <sessionId>.jsonl.
	file   string
	dir    string
	logger *slog.Logger
}

// NewStore creates a store over the given sessions.json path.
func NewStore(file string, logger *slog.Logger) *Store {
	return &Store{
		file:   file,
		dir:    filepath.Dir(file),
		logger: logger,
	}
}

// DefaultTablePath returns the gateway's session table location.
func DefaultTablePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("sessions", "sessions.json")
	}
	return filepath.Join(home, ".openclaw", "agents", "main", "sessions", "sessions.json")
}

// lock acquires the advisory lock file, retrying until lockTimeout.
// A lock file older than lockStaleAfter is treated as abandoned by a
// crashed writer and reclaimed.
func (s *Store) lock() (func(), error) {
	lockPath := s.file + ".lock"
	deadline := time.Now().Add(lockTimeout)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			s.logger.Warn("reclaiming stale session table lock", "path", lockPath)
			os.Remove(lockPath)
			continue
		}

		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		time.Sleep(lockRetryInterval)
	}
}

// readTable loads the session table. Records are kept as generic maps so
// fields owned by the gateway survive the round trip untouched.
func (s *Store) readTable() (map[string]map[string]any, error) {
	data, err := os.ReadFile(s.file)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]any{}, nil
		}
		return nil, fmt.Errorf("reading session table: %w", err)
	}

	table := map[string]map[string]any{}
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing session table: %w", err)
	}
	return table, nil
}

func (s *Store) writeTable(table map[string]map[string]any) error {
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session table: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	tmp := s.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing session table: %w", err)
	}
	if err := os.Rename(tmp, s.file); err != nil {
		return fmt.Errorf("replacing session table: %w", err)
	}
	return nil
}

// snapshotFields are copied from the primary agent's record into new
// connector sessions so both expose the same capability surface.
var snapshotFields = []string{
	"modelProvider",
	"model",
	"contextTokens",
	"skillsSnapshot",
	"systemPromptReport",
	"authProfileOverride",
	"authProfileOverrideSource",
}

// snapshotLocked extracts the capability snapshot from the template
// record in an already-loaded table.
func snapshotLocked(table map[string]map[string]any) map[string]any {
	snap := map[string]any{}
	tpl, ok := table[templateKey]
	if !ok {
		return snap
	}
	for _, field := range snapshotFields {
		if v, exists := tpl[field]; exists && v != nil {
			snap[field] = v
		}
	}
	return snap
}

// Ensure makes sure a session record exists for key, creating it seeded
// from the agent snapshot or reseeding an existing record with a fresh
// snapshot. Returns the record's session id.
func (s *Store) Ensure(key string) (string, error) {
	unlock, err := s.lock()
	if err != nil {
		return "", err
	}
	defer unlock()

	table, err := s.readTable()
	if err != nil {
		return "", err
	}
	snap := snapshotLocked(table)

	record, exists := table[key]
	var sessionID string
	if exists {
		sessionID, _ = record["sessionId"].(string)
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
		record = map[string]any{
			"sessionId":      sessionID,
			"abortedLastRun": false,
		}
		table[key] = record
		s.logger.Debug("created connector session", "key", key, "session_id", sessionID)
	}

	record["updatedAt"] = time.Now().UnixMilli()
	for field, v := range snap {
		record[field] = v
	}

	if err := s.writeTable(table); err != nil {
		return "", err
	}
	return sessionID, nil
}

// Delete removes a session record and its transcript.
func (s *Store) Delete(key, sessionID string) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	table, err := s.readTable()
	if err != nil {
		return err
	}
	if _, exists := table[key]; exists {
		delete(table, key)
		if err := s.writeTable(table); err != nil {
			return err
		}
	}

	if sessionID != "" {
		if err := os.Remove(s.transcriptPath(sessionID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing transcript: %w", err)
		}
	}
	return nil
}

// ClearHistory truncates a session's transcript to a single fresh header
// line, the minimal valid transcript the gateway accepts.
func (s *Store) ClearHistory(sessionID string) error {
	header := map[string]any{
		"type":      "session",
		"version":   3,
		"id":        sessionID,
		"timestamp": time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		"cwd":       workspaceDir(),
	}
	line, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encoding transcript header: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	if err := os.WriteFile(s.transcriptPath(sessionID), append(line, '\n'), 0600); err != nil {
		return fmt.Errorf("writing transcript header: %w", err)
	}
	return nil
}

func (s *Store) transcriptPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

func workspaceDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "workspace"
	}
	return filepath.Join(home, ".openclaw", "workspace")
}
