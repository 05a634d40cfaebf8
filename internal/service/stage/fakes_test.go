package stage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mailtriage/internal/errs"
	"mailtriage/internal/model"
	"mailtriage/internal/repository"
	"mailtriage/pkg/filelock"
)

// scriptedGateway returns the queued replies in order, then repeats the last.
type scriptedGateway struct {
	mu      sync.Mutex
	replies []reply
	prompts []string
}

type reply struct {
	text string
	err  error
}

func (g *scriptedGateway) Call(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	r := g.replies[0]
	if len(g.replies) > 1 {
		g.replies = g.replies[1:]
	}
	return r.text, r.err
}

func (g *scriptedGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func answer(text string) reply { return reply{text: text} }

func failure(code, msg string) reply { return reply{err: errs.Gateway(code, msg, nil)} }

type recordedSleeps struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	mailbox *repository.MailboxRepository
	prompts *repository.PromptRepository
	sleeps  *recordedSleeps
	opts    Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		mailbox: repository.NewMailboxRepository(filepath.Join(dir, "mail_inbox.json"), filelock.Options{}, nil),
		prompts: repository.NewPromptRepository(filepath.Join(dir, "prompt_library.json"), filelock.Options{}, nil),
		sleeps:  &recordedSleeps{},
	}
	f.opts = Options{
		Sleep: f.sleeps.sleep,
		Now:   func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) },
	}
	ctx := context.Background()
	for kind, text := range map[model.PromptKind]string{
		model.PromptCategorization:   "Classify.",
		model.PromptActionExtraction: "Extract tasks.",
		model.PromptAutoReply:        "Reply kindly.",
	} {
		_, err := f.prompts.Set(ctx, kind, text)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) addMail(t *testing.T, subject, body string) *model.Mail {
	t.Helper()
	ctx := context.Background()
	id, err := f.mailbox.Add(ctx, map[string]any{
		"sender": "bob@example.com", "subject": subject, "timestamp": "2024-05-01T08:00:00+0000", "body": body,
	})
	require.NoError(t, err)
	m, err := f.mailbox.Get(ctx, id)
	require.NoError(t, err)
	return m
}

func (f *fixture) get(t *testing.T, id int) *model.Mail {
	t.Helper()
	m, err := f.mailbox.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m
}
