package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtriage/internal/errs"
	"mailtriage/internal/model"
)

func sampleBox() *model.Mailbox {
	source := 1
	return &model.Mailbox{
		Counter: 3,
		Emails: []model.Mail{
			{ID: 1, Category: "work", ActionItems: []model.ActionItem{{Task: "a"}}, Draftable: model.DraftableExcluded, ActionsExtracted: true},
			{ID: 2, Category: "", ActionItems: []model.ActionItem{}, Draftable: model.DraftableDone},
			{ID: 3, Category: model.CategoryDraft, ActionItems: []model.ActionItem{{Task: "b"}}, DraftFor: &source},
		},
	}
}

func TestDropCategoriesKeepsDrafts(t *testing.T) {
	box := sampleBox()
	assert.True(t, DropCategories(box))
	assert.Equal(t, "", box.Emails[0].Category)
	assert.Equal(t, "", box.Emails[1].Category)
	assert.Equal(t, model.CategoryDraft, box.Emails[2].Category)

	assert.False(t, DropCategories(box), "second run changes nothing")
}

func TestDropActionItemsIncludesDrafts(t *testing.T) {
	box := sampleBox()
	assert.True(t, DropActionItems(box))
	for _, m := range box.Emails {
		assert.Empty(t, m.ActionItems)
		assert.NotNil(t, m.ActionItems)
		assert.False(t, m.ActionsExtracted)
	}
}

func TestResetDraftable(t *testing.T) {
	box := sampleBox()
	assert.True(t, ResetDraftable(box))
	for _, m := range box.Emails {
		assert.Equal(t, model.DraftablePending, m.Draftable)
	}
	assert.False(t, ResetDraftable(box))
}

func TestCategorizationResetThroughStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addMail(t, "Report")
	_, err := f.mailbox.Update(ctx, id, map[string]any{"category": "work"})
	require.NoError(t, err)
	src := id
	draftID, err := f.mailbox.AddDraft(ctx, model.Mail{Category: model.CategoryDraft, DraftFor: &src, Body: "hi"})
	require.NoError(t, err)
	p := f.pipeline()

	changed, err := p.DropCategoriesOnCategorizerPromptChange(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "", f.get(t, id).Category)
	assert.Equal(t, model.CategoryDraft, f.get(t, draftID).Category)
	assert.Len(t, p.trigger, 1, "a pass is requested")
}

func TestSavePromptAppliesMatchingRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.addMail(t, "Report")
	p := f.pipeline()
	require.NoError(t, p.Scan(ctx))
	require.Equal(t, model.DraftableExcluded, f.get(t, id).Draftable)

	changed, err := p.SavePrompt(ctx, model.PromptAutoReply, "Prompt for auto_reply.")
	require.NoError(t, err)
	assert.False(t, changed, "same text")
	assert.Equal(t, model.DraftableExcluded, f.get(t, id).Draftable)

	changed, err = p.SavePrompt(ctx, model.PromptAutoReply, "Reply in French.")
	require.NoError(t, err)
	assert.True(t, changed)
	m := f.get(t, id)
	assert.Equal(t, model.DraftablePending, m.Draftable)
	assert.Equal(t, "work", m.Category)
	assert.NotEmpty(t, m.ActionItems)

	text, err := f.prompts.Get(ctx, model.PromptAutoReply)
	require.NoError(t, err)
	assert.Equal(t, "Reply in French.", text)

	changed, err = p.SavePrompt(ctx, model.PromptActionExtraction, "Only deadlines.")
	require.NoError(t, err)
	assert.True(t, changed)
	m = f.get(t, id)
	assert.Empty(t, m.ActionItems)
	assert.False(t, m.ActionsExtracted)
}

func TestOnPromptChangedUnknownKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline().OnPromptChanged(context.Background(), model.PromptKind("signature"))
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestResetOnMissingMailbox(t *testing.T) {
	f := newFixture(t)
	changed, err := f.pipeline().ResetDraftableOnDrafterPromptChange(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoFileExists(t, f.mailbox.Path())
}
