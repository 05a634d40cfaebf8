package jsonfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Counter int      `json:"counter"`
	Emails  []string `json:"emails"`
}

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mail_inbox.json")
	require.NoError(t, Write(path, doc{Counter: 2, Emails: []string{"a", "<b>"}}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n  \"counter\": 2")
	assert.Contains(t, string(raw), "<b>")

	var got doc
	found, err := Read(path, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, got.Counter)
}

func TestReadMissingAndEmpty(t *testing.T) {
	dir := t.TempDir()
	var got doc
	found, err := Read(filepath.Join(dir, "missing.json"), &got)
	require.NoError(t, err)
	assert.False(t, found)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o644))
	found, err = Read(empty, &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"counter": `), 0o644))
	var got doc
	_, err := Read(path, &got)
	require.Error(t, err)
}

func TestCrashBeforeRenameKeepsOldDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mail_inbox.json")
	require.NoError(t, Write(path, doc{Counter: 1, Emails: []string{"old"}}))

	crash := errors.New("power cut")
	beforeRename = func(string) error { return crash }
	t.Cleanup(func() { beforeRename = func(string) error { return nil } })

	err := Write(path, doc{Counter: 2, Emails: []string{"old", "new"}})
	require.ErrorIs(t, err, crash)

	var got doc
	found, err := Read(path, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, doc{Counter: 1, Emails: []string{"old"}}, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRemoveStale(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, ".mail_inbox.json.tmp-123")
	fresh := filepath.Join(dir, ".mail_inbox.json.tmp-456")
	keep := filepath.Join(dir, "mail_inbox.json")
	for _, p := range []string{stale, fresh, keep} {
		require.NoError(t, os.WriteFile(p, []byte("{}"), 0o644))
	}
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(keep, old, old))

	removed, err := RemoveStale(dir, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, removed)
	assert.FileExists(t, fresh)
	assert.FileExists(t, keep)
}
