package repository

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"go.uber.org/zap"

	"mailtriage/internal/errs"
	"mailtriage/internal/model"
	"mailtriage/pkg/filelock"
)

// MailboxRepository owns the mailbox document. Every call re-reads the file;
// nothing is cached between calls.
type MailboxRepository struct {
	store  *jsonStore
	logger *zap.Logger
}

func NewMailboxRepository(path string, lockOpts filelock.Options, logger *zap.Logger) *MailboxRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MailboxRepository{
		store:  newJSONStore("mailbox", path, lockOpts, logger),
		logger: logger,
	}
}

// Path returns the mailbox file location.
func (r *MailboxRepository) Path() string {
	return r.store.path
}

// ReadAll returns a full snapshot. A missing file reads as an empty mailbox.
func (r *MailboxRepository) ReadAll(ctx context.Context) (*model.Mailbox, error) {
	box := model.NewMailbox()
	if _, err := r.store.read(ctx, box); err != nil {
		return nil, err
	}
	return box, nil
}

// Get returns a fresh copy of one mail, or nil when the id does not exist.
func (r *MailboxRepository) Get(ctx context.Context, id int) (*model.Mail, error) {
	box, err := r.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	if i := box.Find(id); i >= 0 {
		m := box.Emails[i]
		return &m, nil
	}
	return nil, nil
}

// Add inserts a new mail and returns its id. sender, subject, timestamp and
// body must be present; keys the pipeline does not know are stored as given.
func (r *MailboxRepository) Add(ctx context.Context, fields map[string]any) (int, error) {
	var missing []string
	for _, k := range model.RequiredMailKeys {
		if _, ok := fields[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return 0, errs.Validation("missing required fields: %s", strings.Join(missing, ", "))
	}

	clean := make(map[string]any, len(fields))
	for k, v := range fields {
		if k != "id" {
			clean[k] = v
		}
	}
	m, err := model.MailFromFields(clean)
	if err != nil {
		return 0, errs.Validation("invalid mail: %v", err)
	}
	return r.insert(ctx, "add", m, nil)
}

// AddMail inserts a typed record. The id field is ignored.
func (r *MailboxRepository) AddMail(ctx context.Context, m model.Mail) (int, error) {
	return r.insert(ctx, "add", m.Clone(), nil)
}

// AddDraft inserts a generated reply unless a draft for the same source mail
// is already stored, in which case it returns errs.ErrDraftExists. The check
// and the insert happen under one lock, so concurrent drafters in different
// processes cannot both succeed.
func (r *MailboxRepository) AddDraft(ctx context.Context, draft model.Mail) (int, error) {
	if draft.DraftFor == nil {
		return 0, errs.Validation("draft without draft_for")
	}
	source := *draft.DraftFor
	return r.insert(ctx, "add_draft", draft.Clone(), func(box *model.Mailbox) error {
		if box.HasDraftFor(source) {
			return errs.New(errs.ErrDraftExists, errs.CodeDraftExists,
				fmt.Sprintf("draft for mail %d already exists", source))
		}
		return nil
	})
}

func (r *MailboxRepository) insert(ctx context.Context, op string, m model.Mail, guard func(*model.Mailbox) error) (int, error) {
	box := model.NewMailbox()
	var id int
	err := r.store.update(ctx, op, box, func(bool) (bool, error) {
		if guard != nil {
			if err := guard(box); err != nil {
				return false, err
			}
		}
		id = box.Counter + 1
		m.ID = id
		if m.ActionItems == nil {
			m.ActionItems = []model.ActionItem{}
		}
		box.Emails = append(box.Emails, m)
		box.Counter = id
		return true, nil
	})
	if err != nil {
		return 0, err
	}

	r.logger.Debug("Mail stored", zap.String("op", op), zap.Int("mail_id", id))
	return id, nil
}

// Update merges patch into the mail with the given id. It returns false when
// the mailbox or the id does not exist. An "id" key in the patch is ignored;
// the remaining keys are applied.
func (r *MailboxRepository) Update(ctx context.Context, id int, patch map[string]any) (bool, error) {
	if _, ok := patch["id"]; ok {
		r.logger.Warn("Ignoring id in mail patch", zap.Int("mail_id", id))
		patch = maps.Clone(patch)
		delete(patch, "id")
	}
	if len(patch) == 0 {
		m, err := r.Get(ctx, id)
		return m != nil, err
	}

	box := model.NewMailbox()
	var updated bool
	err := r.store.update(ctx, "update", box, func(found bool) (bool, error) {
		if !found {
			return false, nil
		}
		i := box.Find(id)
		if i < 0 {
			return false, nil
		}
		if err := box.Emails[i].ApplyPatch(patch); err != nil {
			return false, errs.Validation("invalid patch for mail %d: %v", id, err)
		}
		updated = true
		return true, nil
	})
	return updated, err
}

// Delete removes the mail and renumbers the rest 1..N.
func (r *MailboxRepository) Delete(ctx context.Context, id int) (bool, error) {
	box := model.NewMailbox()
	var deleted bool
	err := r.store.update(ctx, "delete", box, func(found bool) (bool, error) {
		if !found {
			return false, nil
		}
		i := box.Find(id)
		if i < 0 {
			return false, nil
		}
		box.Emails = append(box.Emails[:i], box.Emails[i+1:]...)
		box.Renumber()
		deleted = true
		return true, nil
	})
	if err == nil && deleted {
		r.logger.Info("Mail deleted", zap.Int("mail_id", id))
	}
	return deleted, err
}

// Mutate applies fn to the whole document under the lock and saves it when fn
// returns true. A missing mailbox is left missing.
func (r *MailboxRepository) Mutate(ctx context.Context, op string, fn func(*model.Mailbox) bool) (bool, error) {
	box := model.NewMailbox()
	var changed bool
	err := r.store.update(ctx, op, box, func(found bool) (bool, error) {
		if !found {
			return false, nil
		}
		changed = fn(box)
		return changed, nil
	})
	return changed, err
}
