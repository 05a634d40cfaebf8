package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailtriage/internal/errs"
	"mailtriage/internal/model"
	"mailtriage/pkg/logger"
)

// InvalidMarker is the exact answer a model gives for mails not worth a reply.
const InvalidMarker = "INVALID"

const invalidInstruction = "\n\nIMPORTANT: If this email is NOT suitable for drafting based on the prompt, " +
	"respond with exactly the single word:\n" + InvalidMarker

// DraftOutcome says what the drafter did with a mail.
type DraftOutcome int

const (
	DraftCreated DraftOutcome = iota
	// DraftSkipped: the mail was already marked not draftable.
	DraftSkipped
	// DraftRejected: the model answered INVALID.
	DraftRejected
	// DraftAlreadyExists: another writer stored a draft for the mail first.
	DraftAlreadyExists
)

func (o DraftOutcome) String() string {
	switch o {
	case DraftSkipped:
		return "skipped"
	case DraftRejected:
		return "invalid"
	case DraftAlreadyExists:
		return "exists"
	default:
		return "created"
	}
}

// DraftResult is returned by Drafter.Process.
type DraftResult struct {
	Outcome DraftOutcome
	DraftID int
	Text    string
}

// Drafter writes a reply draft into the mailbox as a new record.
type Drafter struct {
	base
}

func NewDrafter(gw Gateway, prompts PromptSource, store MailStore, opts Options, logger *zap.Logger) *Drafter {
	return &Drafter{base: newBase(NameDraft, gw, prompts, store, opts, logger)}
}

// Process drafts a reply to m. Mails marked excluded are skipped without a
// model call. After a draft is stored the source is marked excluded; that
// write, like the one re-asserting the draft's category, is best effort.
func (d *Drafter) Process(ctx context.Context, m *model.Mail) (DraftResult, error) {
	if m.Draftable == model.DraftableExcluded {
		return DraftResult{Outcome: DraftSkipped}, nil
	}
	log := logger.WithTrace(ctx, d.logger).With(zap.Int("mail_id", m.ID))

	tmpl, err := d.loadPrompt(ctx, model.PromptAutoReply)
	if err != nil {
		return DraftResult{}, err
	}
	prompt := tmpl + "\n\nORIGINAL EMAIL:\n" + m.Body + "\n\nProduce a polite reply." + invalidInstruction

	out, err := d.call(ctx, m.ID, prompt)
	if err != nil {
		return DraftResult{}, err
	}

	raw := strings.TrimSpace(out)
	if raw == "" {
		return DraftResult{}, errs.Validation("empty draft from model")
	}
	if raw == InvalidMarker {
		d.markExcluded(ctx, log, m.ID)
		return DraftResult{Outcome: DraftRejected}, nil
	}

	text := CleanDraft(SelectBestOption(raw))
	subject := m.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	source := m.ID
	draft := model.Mail{
		Sender:      d.opts.DraftSender,
		Subject:     "Draft reply: " + subject,
		Timestamp:   d.opts.Now().Format("2006-01-02T15:04:05-0700"),
		Body:        text,
		Category:    model.CategoryDraft,
		ActionItems: []model.ActionItem{},
		DraftFor:    &source,
	}

	id, err := d.insert(ctx, log, draft)
	if errors.Is(err, errs.ErrDraftExists) {
		log.Info("Draft already stored by another writer")
		d.markExcluded(ctx, log, m.ID)
		return DraftResult{Outcome: DraftAlreadyExists}, nil
	}
	if err != nil {
		return DraftResult{}, err
	}

	d.markExcluded(ctx, log, m.ID)
	if _, err := d.store.Update(ctx, id, map[string]any{"category": model.CategoryDraft}); err != nil {
		log.Warn("Failed to re-assert draft category", zap.Int("draft_id", id), zap.Error(err))
	}

	log.Info("Draft created", zap.Int("draft_id", id))
	return DraftResult{Outcome: DraftCreated, DraftID: id, Text: text}, nil
}

// insert retries lock timeouts and transient file errors, which happen when
// another process holds or is replacing the mailbox file.
func (d *Drafter) insert(ctx context.Context, log *zap.Logger, draft model.Mail) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= d.opts.Attempts; attempt++ {
		id, err := d.store.AddDraft(ctx, draft)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, errs.ErrLockTimeout) && !errors.Is(err, errs.ErrTransientIO) {
			return 0, err
		}
		lastErr = err
		log.Warn("Draft insert failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == d.opts.Attempts {
			break
		}
		if err := d.opts.Sleep(ctx, time.Duration(attempt)*d.opts.StoreBackoff); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("failed to write draft mail after %d attempts: %w", d.opts.Attempts, lastErr)
}

func (d *Drafter) markExcluded(ctx context.Context, log *zap.Logger, id int) {
	if _, err := d.store.Update(ctx, id, map[string]any{"draftable": model.DraftableExcluded}); err != nil {
		log.Warn("Failed to mark mail as not draftable", zap.Error(err))
	}
}
