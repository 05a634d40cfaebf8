package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mailtriage/internal/errs"
	"mailtriage/internal/model"
	"mailtriage/internal/repository"
	"mailtriage/internal/service/stage"
	"mailtriage/pkg/filelock"
)

// fakeClock advances on every sleep so backoff loops finish instantly.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

type replyFunc func(n int) (string, error)

func always(text string) replyFunc {
	return func(int) (string, error) { return text, nil }
}

func failing(code, msg string) replyFunc {
	return func(int) (string, error) { return "", errs.Gateway(code, msg, nil) }
}

// failFirst fails the first n calls, then answers text.
func failFirst(n int, code, msg, text string) replyFunc {
	return func(call int) (string, error) {
		if call <= n {
			return "", errs.Gateway(code, msg, nil)
		}
		return text, nil
	}
}

// routedGateway answers by stage, recognised from the instruction each
// processor appends to its prompt.
type routedGateway struct {
	mu      sync.Mutex
	replies map[string]replyFunc
	calls   map[string]int
}

func newRoutedGateway() *routedGateway {
	return &routedGateway{
		replies: map[string]replyFunc{
			stage.NameCategorize: always("work"),
			stage.NameExtract:    always(`[{"task": "Send the report", "deadline": "Friday"}]`),
			stage.NameDraft:      always("Hi Bob,\nThanks for the note."),
		},
		calls: map[string]int{},
	}
}

func (g *routedGateway) Call(_ context.Context, prompt string) (string, error) {
	name := stage.NameDraft
	switch {
	case strings.Contains(prompt, "Return a single short category label."):
		name = stage.NameCategorize
	case strings.Contains(prompt, "Respond with JSON."):
		name = stage.NameExtract
	}
	g.mu.Lock()
	g.calls[name]++
	n := g.calls[name]
	fn := g.replies[name]
	g.mu.Unlock()
	return fn(n)
}

func (g *routedGateway) set(name string, fn replyFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies[name] = fn
}

func (g *routedGateway) count(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[name]
}

func (g *routedGateway) total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}

type fixture struct {
	dir     string
	mailbox *repository.MailboxRepository
	prompts *repository.PromptRepository
	gw      *routedGateway
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:     dir,
		mailbox: repository.NewMailboxRepository(filepath.Join(dir, "mail_inbox.json"), filelock.Options{}, nil),
		prompts: repository.NewPromptRepository(filepath.Join(dir, "prompt_library.json"), filelock.Options{}, nil),
		gw:      newRoutedGateway(),
		clock:   newFakeClock(),
	}
	ctx := context.Background()
	for _, kind := range model.PromptKinds {
		_, err := f.prompts.Set(ctx, kind, "Prompt for "+string(kind)+".")
		require.NoError(t, err)
	}
	return f
}

// deps builds real processors over the fixture files. gw may differ per
// pipeline so that two pipelines can share the files.
func (f *fixture) deps(gw stage.Gateway) Deps {
	sopts := stage.Options{
		Sleep: func(context.Context, time.Duration) error { return nil },
		Now:   f.clock.Now,
	}
	return Deps{
		Store:       f.mailbox,
		Prompts:     f.prompts,
		Categorizer: stage.NewCategorizer(gw, f.prompts, f.mailbox, sopts, nil),
		Extractor:   stage.NewExtractor(gw, f.prompts, f.mailbox, sopts, nil),
		Drafter:     stage.NewDrafter(gw, f.prompts, f.mailbox, sopts, nil),
	}
}

func (f *fixture) options() Options {
	return Options{
		DataDir:        f.dir,
		RescanInterval: -1,
		Sleep:          f.clock.Sleep,
		Now:            f.clock.Now,
	}
}

func (f *fixture) pipeline() *Pipeline {
	return New(f.deps(f.gw), f.options(), nil)
}

func (f *fixture) addMail(t *testing.T, subject string) int {
	t.Helper()
	id, err := f.mailbox.Add(context.Background(), map[string]any{
		"sender":    "bob@example.com",
		"subject":   subject,
		"timestamp": "2024-05-01T08:00:00+0000",
		"body":      "Please send the report by Friday.",
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) get(t *testing.T, id int) *model.Mail {
	t.Helper()
	m, err := f.mailbox.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m
}

func (f *fixture) box(t *testing.T) *model.Mailbox {
	t.Helper()
	box, err := f.mailbox.ReadAll(context.Background())
	require.NoError(t, err)
	return box
}

// draftsFor counts stored drafts that point at id.
func draftsFor(box *model.Mailbox, id int) int {
	n := 0
	for i := range box.Emails {
		if box.Emails[i].References(id) {
			n++
		}
	}
	return n
}
