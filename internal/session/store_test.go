// ABOUTME: Tests for the locked session table store.
// ABOUTME: Covers creation, snapshot seeding, history wipe, delete, and locking.

package session

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "sessions.json"), slog.Default())
}

func readTestTable(t *testing.T, s *Store) map[string]map[string]any {
	t.Helper()
	table, err := s.readTable()
	require.NoError(t, err)
	return table
}

func TestEnsure_CreatesRecordWithSnapshot(t *testing.T) {
	s := newTestStore(t)

	// Seed a template record the way the gateway would.
	template := map[string]map[string]any{
		templateKey: {
			"sessionId":     "main-id",
			"model":         "claude-opus-4-5",
			"modelProvider": "anthropic",
			"contextTokens": 200000,
		},
	}
	require.NoError(t, s.writeTable(template))

	id, err := s.Ensure(KeyPrefix + "-0")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	table := readTestTable(t, s)
	record := table[KeyPrefix+"-0"]
	require.NotNil(t, record)
	assert.Equal(t, id, record["sessionId"])
	assert.Equal(t, "claude-opus-4-5", record["model"])
	assert.Equal(t, "anthropic", record["modelProvider"])
	assert.NotNil(t, record["updatedAt"])
}

func TestEnsure_ReusesExistingRecord(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Ensure(KeyPrefix + "-0")
	require.NoError(t, err)

	second, err := s.Ensure(KeyPrefix + "-0")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEnsure_PreservesForeignFields(t *testing.T) {
	s := newTestStore(t)

	table := map[string]map[string]any{
		"agent:main:user-thing": {"sessionId": "keep-me", "custom": "field"},
	}
	require.NoError(t, s.writeTable(table))

	_, err := s.Ensure(KeyPrefix + "-0")
	require.NoError(t, err)

	after := readTestTable(t, s)
	assert.Equal(t, "keep-me", after["agent:main:user-thing"]["sessionId"])
	assert.Equal(t, "field", after["agent:main:user-thing"]["custom"])
}

func TestClearHistory_WritesSingleHeaderLine(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.ClearHistory("sess-1"))

	data, err := os.ReadFile(s.transcriptPath("sess-1"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 1)

	var header map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &header))
	assert.Equal(t, "session", header["type"])
	assert.Equal(t, float64(3), header["version"])
	assert.Equal(t, "sess-1", header["id"])
}

func TestDelete_RemovesRecordAndTranscript(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Ensure(KeyPrefix + "-x")
	require.NoError(t, err)
	require.NoError(t, s.ClearHistory(id))

	require.NoError(t, s.Delete(KeyPrefix+"-x", id))

	table := readTestTable(t, s)
	assert.NotContains(t, table, KeyPrefix+"-x")
	_, err = os.Stat(s.transcriptPath(id))
	assert.True(t, os.IsNotExist(err))
}

func TestLock_BlocksSecondWriter(t *testing.T) {
	s := newTestStore(t)

	unlock, err := s.lock()
	require.NoError(t, err)

	// A second acquisition must wait; observe it via a goroutine.
	acquired := make(chan struct{})
	go func() {
		unlock2, err := s.lock()
		if err == nil {
			unlock2()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second lock never acquired after release")
	}
}

func TestLock_ReclaimsStaleLock(t *testing.T) {
	s := newTestStore(t)
	lockPath := s.file + ".lock"

	require.NoError(t, os.MkdirAll(s.dir, 0700))
	require.NoError(t, os.WriteFile(lockPath, []byte("12345\n"), 0600))
	old := time.Now().Add(-2 * lockStaleAfter)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	unlock, err := s.lock()
	require.NoError(t, err)
	unlock()
}
