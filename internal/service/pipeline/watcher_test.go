package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtriage/pkg/jsonfile"
)

func TestWatcherFiresOnReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mail_inbox.json")

	var fired atomic.Int32
	w, err := NewWatcher(path, func() { fired.Add(1) }, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, fired.Load(), "other files are ignored")

	require.NoError(t, jsonfile.Write(path, map[string]any{"counter": 0, "emails": []any{}}))
	require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherMissingDirectory(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "nope", "mail_inbox.json"), func() {}, 0, nil)
	assert.Error(t, err)
}
