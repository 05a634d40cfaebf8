package stage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtriage/internal/errs"
	"mailtriage/internal/model"
)

func TestDrafterCreatesDraft(t *testing.T) {
	f := newFixture(t)
	src := f.addMail(t, "Lunch?", "Are you free for lunch on Thursday?")
	gw := &scriptedGateway{replies: []reply{answer("Option 1: **Hi Bob**, Thursday works.\n\nOption 2: No.")}}

	res, err := NewDrafter(gw, f.prompts, f.mailbox, f.opts, nil).Process(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, DraftCreated, res.Outcome)
	assert.Equal(t, "Hi Bob, Thursday works.", res.Text)

	draft := f.get(t, res.DraftID)
	assert.Equal(t, model.CategoryDraft, draft.Category)
	assert.Equal(t, "Draft reply: Lunch?", draft.Subject)
	assert.Equal(t, DefaultDraftSender, draft.Sender)
	assert.Equal(t, "2024-05-01T09:30:00+0000", draft.Timestamp)
	require.NotNil(t, draft.DraftFor)
	assert.Equal(t, src.ID, *draft.DraftFor)

	assert.Equal(t, model.DraftableExcluded, f.get(t, src.ID).Draftable)
	assert.Contains(t, gw.prompts[0], "Reply kindly.\n\nORIGINAL EMAIL:\nAre you free for lunch on Thursday?\n\nProduce a polite reply.")
	assert.Contains(t, gw.prompts[0], "respond with exactly the single word:\nINVALID")
}

func TestDrafterInvalidShortCircuit(t *testing.T) {
	f := newFixture(t)
	src := f.addMail(t, "Newsletter", "Weekly digest")
	gw := &scriptedGateway{replies: []reply{answer("  INVALID \n")}}

	res, err := NewDrafter(gw, f.prompts, f.mailbox, f.opts, nil).Process(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, DraftRejected, res.Outcome)

	box, err := f.mailbox.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, box.Emails, 1, "no draft record")
	assert.Equal(t, model.DraftableExcluded, box.Emails[0].Draftable)
}

func TestDrafterSkipsExcludedWithoutCalling(t *testing.T) {
	f := newFixture(t)
	src := f.addMail(t, "x", "y")
	src.Draftable = model.DraftableExcluded
	gw := &scriptedGateway{replies: []reply{answer("reply")}}

	res, err := NewDrafter(gw, f.prompts, f.mailbox, f.opts, nil).Process(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, DraftSkipped, res.Outcome)
	assert.Equal(t, 0, gw.calls())
}

func TestDrafterEmptyAnswer(t *testing.T) {
	f := newFixture(t)
	src := f.addMail(t, "x", "y")
	gw := &scriptedGateway{replies: []reply{answer("   ")}}

	_, err := NewDrafter(gw, f.prompts, f.mailbox, f.opts, nil).Process(context.Background(), src)
	require.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, 1, gw.calls())
}

func TestDrafterExistingDraft(t *testing.T) {
	f := newFixture(t)
	src := f.addMail(t, "x", "y")
	id := src.ID
	_, err := f.mailbox.AddDraft(context.Background(), model.Mail{Category: model.CategoryDraft, DraftFor: &id})
	require.NoError(t, err)
	gw := &scriptedGateway{replies: []reply{answer("Sure.")}}

	res, err := NewDrafter(gw, f.prompts, f.mailbox, f.opts, nil).Process(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, DraftAlreadyExists, res.Outcome)

	box, err := f.mailbox.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, box.Emails, 2)
}

// flakyStore fails AddDraft with a lock timeout a few times.
type flakyStore struct {
	failures int
	adds     int
	updates  []map[string]any
}

func (s *flakyStore) Update(_ context.Context, _ int, patch map[string]any) (bool, error) {
	s.updates = append(s.updates, patch)
	return true, nil
}

func (s *flakyStore) AddDraft(context.Context, model.Mail) (int, error) {
	s.adds++
	if s.adds <= s.failures {
		return 0, errs.New(errs.ErrLockTimeout, errs.CodeLockTimeout, "lock mail_inbox.json")
	}
	return 7, nil
}

func TestDrafterRetriesLockTimeouts(t *testing.T) {
	f := newFixture(t)
	store := &flakyStore{failures: 2}
	gw := &scriptedGateway{replies: []reply{answer("Thanks!")}}

	res, err := NewDrafter(gw, f.prompts, store, f.opts, nil).Process(context.Background(), &model.Mail{ID: 3, Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 7, res.DraftID)
	assert.Equal(t, 3, store.adds)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, f.sleeps.sleeps)
	assert.Len(t, store.updates, 2)
}

func TestDrafterGivesUpOnPersistentLockTimeouts(t *testing.T) {
	f := newFixture(t)
	store := &flakyStore{failures: 10}
	gw := &scriptedGateway{replies: []reply{answer("Thanks!")}}

	_, err := NewDrafter(gw, f.prompts, store, f.opts, nil).Process(context.Background(), &model.Mail{ID: 3, Body: "hi"})
	require.ErrorIs(t, err, errs.ErrLockTimeout)
	assert.Equal(t, 5, store.adds)
	assert.Empty(t, store.updates)
}
