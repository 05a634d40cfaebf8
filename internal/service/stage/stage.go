// Package stage holds the three per-mail processors: categorizer, action
// extractor and reply drafter. Each loads its prompt, calls the model through
// a Gateway with retries, validates the answer and persists the result.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailtriage/internal/errs"
	"mailtriage/internal/model"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/util"
)

// Stage names, used in logs, metrics and Redis keys.
const (
	NameCategorize = "categorize"
	NameExtract    = "extract"
	NameDraft      = "draft"
)

// Gateway turns a prompt into model text.
type Gateway interface {
	Call(ctx context.Context, prompt string) (string, error)
}

// PromptSource returns the stored prompt for a slot, "" when missing.
type PromptSource interface {
	Get(ctx context.Context, kind model.PromptKind) (string, error)
}

// MailStore is the slice of the mailbox store the processors write through.
type MailStore interface {
	Update(ctx context.Context, id int, patch map[string]any) (bool, error)
	AddDraft(ctx context.Context, draft model.Mail) (int, error)
}

// Options tune retries. Zero values mean the defaults below.
type Options struct {
	// Attempts per gateway call and per draft insert.
	Attempts int
	// GatewayBackoff is multiplied by the attempt number between model retries.
	GatewayBackoff time.Duration
	// StoreBackoff is multiplied by the attempt number between draft insert retries.
	StoreBackoff time.Duration
	// DraftSender is the sender address written on drafts.
	DraftSender string

	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

const (
	DefaultAttempts       = 5
	DefaultGatewayBackoff = time.Second
	DefaultStoreBackoff   = 200 * time.Millisecond
	DefaultDraftSender    = "ai.drafter@oceanai.local"
)

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.GatewayBackoff <= 0 {
		o.GatewayBackoff = DefaultGatewayBackoff
	}
	if o.StoreBackoff <= 0 {
		o.StoreBackoff = DefaultStoreBackoff
	}
	if o.DraftSender == "" {
		o.DraftSender = DefaultDraftSender
	}
	if o.Sleep == nil {
		o.Sleep = SleepContext
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type base struct {
	name    string
	gw      Gateway
	prompts PromptSource
	store   MailStore
	opts    Options
	logger  *zap.Logger
}

func newBase(name string, gw Gateway, prompts PromptSource, store MailStore, opts Options, log *zap.Logger) base {
	if log == nil {
		log = zap.NewNop()
	}
	return base{
		name:    name,
		gw:      gw,
		prompts: prompts,
		store:   store,
		opts:    opts.withDefaults(),
		logger:  log.With(zap.String("stage", name)),
	}
}

func (b *base) loadPrompt(ctx context.Context, kind model.PromptKind) (string, error) {
	text, err := b.prompts.Get(ctx, kind)
	if err != nil {
		return "", fmt.Errorf("load %s prompt: %w", kind, err)
	}
	if text == "" {
		return "", errs.Config("no %s prompt found in prompt library", kind)
	}
	return text, nil
}

// call asks the model, retrying only gateway failures with a linear backoff.
func (b *base) call(ctx context.Context, mailID int, prompt string) (string, error) {
	log := logger.WithTrace(ctx, b.logger).With(zap.Int("mail_id", mailID))

	var lastErr error
	for attempt := 1; attempt <= b.opts.Attempts; attempt++ {
		out, err := b.gw.Call(ctx, prompt)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, errs.ErrGateway) {
			return "", err
		}
		lastErr = err

		_, errorType := util.ClassifyError(err)
		log.Warn("Model call failed",
			zap.Int("attempt", attempt),
			zap.String("error_type", errorType),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt == b.opts.Attempts {
			break
		}
		if err := b.opts.Sleep(ctx, time.Duration(attempt)*b.opts.GatewayBackoff); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%s failed after %d attempts: %w", b.name, b.opts.Attempts, lastErr)
}
