package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailtriage/internal/config"
	"mailtriage/internal/service/pipeline"
)

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Pipeline.Pause = 0
	out := &bytes.Buffer{}
	return newApp(&cfg, zap.NewNop(), out), out
}

func TestAddListUpdateDelete(t *testing.T) {
	ctx := context.Background()
	a, out := newTestApp(t)

	require.NoError(t, a.run(ctx, "add", []string{"-sender", "alice@example.com", "-subject", "Report", "-body", "Send it Friday"}))
	assert.Equal(t, "1\n", out.String())

	require.NoError(t, a.run(ctx, "update", []string{"1", "category=work", `action_items=[{"task":"send report"}]`}))
	m, err := a.mailbox.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "work", m.Category)
	require.Len(t, m.ActionItems, 1)
	assert.Equal(t, "send report", m.ActionItems[0].Task)

	out.Reset()
	require.NoError(t, a.run(ctx, "list", nil))
	assert.Contains(t, out.String(), "alice@example.com")
	assert.Contains(t, out.String(), "work")

	out.Reset()
	require.NoError(t, a.run(ctx, "show", []string{"1"}))
	assert.Contains(t, out.String(), `"has_action_items": true`)

	require.NoError(t, a.run(ctx, "delete", []string{"1"}))
	assert.ErrorIs(t, a.run(ctx, "delete", []string{"1"}), pipeline.ErrMailNotFound)
	assert.ErrorIs(t, a.run(ctx, "update", []string{"7", "category=x"}), pipeline.ErrMailNotFound)
}

func TestPromptSetAppliesReset(t *testing.T) {
	ctx := context.Background()
	a, out := newTestApp(t)

	_, err := a.mailbox.Add(ctx, map[string]any{
		"sender": "bob@example.com", "subject": "hi", "timestamp": "2025-11-20T12:00:00+05:30",
		"body": "hello", "category": "social",
	})
	require.NoError(t, err)

	require.NoError(t, a.run(ctx, "prompt", []string{"set", "categorization", "Return", "a", "label."}))
	assert.Contains(t, out.String(), "categorization updated")

	m, err := a.mailbox.Get(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, m.Category)

	out.Reset()
	require.NoError(t, a.run(ctx, "prompt", []string{"get", "category"}))
	assert.Equal(t, "Return a label.\n", out.String())

	out.Reset()
	require.NoError(t, a.run(ctx, "prompt", []string{"set", "categorization", "Return a label."}))
	assert.Contains(t, out.String(), "unchanged")

	assert.Error(t, a.run(ctx, "prompt", []string{"get", "nonsense"}))
}

func TestImportCommand(t *testing.T) {
	ctx := context.Background()
	a, out := newTestApp(t)

	dir := t.TempDir()
	msg := "From: carol@example.com\r\nSubject: Hello\r\nMessage-ID: <x1@example.com>\r\n\r\nHi there\r\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.eml"), []byte(msg), 0o644))

	require.NoError(t, a.run(ctx, "import", []string{dir}))
	assert.Contains(t, out.String(), "id 1")

	out.Reset()
	require.NoError(t, a.run(ctx, "import", []string{dir}))
	assert.Contains(t, out.String(), "already imported")
}

func TestLastErrorCommand(t *testing.T) {
	ctx := context.Background()
	a, out := newTestApp(t)

	require.NoError(t, a.run(ctx, "last-error", nil))
	assert.Equal(t, "no error recorded\n", out.String())
	require.NoError(t, a.run(ctx, "last-error", []string{"-clear"}))
}

func TestProcessMissingMail(t *testing.T) {
	a, _ := newTestApp(t)
	assert.ErrorIs(t, a.run(context.Background(), "process", []string{"3"}), pipeline.ErrMailNotFound)
}

func TestArgumentErrors(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t)

	assert.Error(t, a.run(ctx, "frobnicate", nil))
	assert.Error(t, a.run(ctx, "show", nil))
	assert.Error(t, a.run(ctx, "show", []string{"zero"}))
	assert.Error(t, a.run(ctx, "update", []string{"1"}))
	assert.Error(t, a.run(ctx, "update", []string{"1", "novalue"}))
	assert.Error(t, a.run(ctx, "add", []string{"-nope"}))
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "a b", clip("a\n  b", 10))
	assert.Equal(t, "abcdefg...", clip("abcdefghijklmnop", 10))
}
