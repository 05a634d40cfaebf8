package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mailtriage/internal/errs"
	"mailtriage/internal/model"
	"mailtriage/pkg/logger"
)

// DropCategories clears the category of every mail that is not a draft.
func DropCategories(box *model.Mailbox) bool {
	changed := false
	for i := range box.Emails {
		m := &box.Emails[i]
		if m.IsDraft() || m.Category == "" {
			continue
		}
		m.Category = ""
		changed = true
	}
	return changed
}

// DropActionItems empties the action items of every mail, drafts included,
// and marks them as not yet extracted.
func DropActionItems(box *model.Mailbox) bool {
	changed := false
	for i := range box.Emails {
		m := &box.Emails[i]
		if len(m.ActionItems) == 0 && !m.ActionsExtracted {
			continue
		}
		m.ActionItems = []model.ActionItem{}
		m.ActionsExtracted = false
		changed = true
	}
	return changed
}

// ResetDraftable puts every decided draftable flag back to pending.
func ResetDraftable(box *model.Mailbox) bool {
	changed := false
	for i := range box.Emails {
		m := &box.Emails[i]
		if m.Draftable == model.DraftablePending {
			continue
		}
		m.Draftable = model.DraftablePending
		changed = true
	}
	return changed
}

func resetRuleFor(kind model.PromptKind) (func(*model.Mailbox) bool, bool) {
	switch kind {
	case model.PromptCategorization:
		return DropCategories, true
	case model.PromptActionExtraction:
		return DropActionItems, true
	case model.PromptAutoReply:
		return ResetDraftable, true
	}
	return nil, false
}

func (p *Pipeline) applyReset(ctx context.Context, op string, rule func(*model.Mailbox) bool) (bool, error) {
	changed, err := p.deps.Store.Mutate(ctx, op, rule)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	logger.WithTrace(ctx, p.logger).Info("Reset rule applied",
		zap.String("rule", op),
		zap.Bool("changed", changed),
	)
	p.Trigger()
	return changed, nil
}

// DropCategoriesOnCategorizerPromptChange clears non-draft categories and
// triggers a pass.
func (p *Pipeline) DropCategoriesOnCategorizerPromptChange(ctx context.Context) (bool, error) {
	return p.applyReset(ctx, "drop_categories", DropCategories)
}

// DropActionItemsOnActionPromptChange clears all action items and triggers a pass.
func (p *Pipeline) DropActionItemsOnActionPromptChange(ctx context.Context) (bool, error) {
	return p.applyReset(ctx, "drop_action_items", DropActionItems)
}

// ResetDraftableOnDrafterPromptChange re-opens every mail for drafting and
// triggers a pass.
func (p *Pipeline) ResetDraftableOnDrafterPromptChange(ctx context.Context) (bool, error) {
	return p.applyReset(ctx, "reset_draftable", ResetDraftable)
}

// OnPromptChanged applies the reset rule belonging to kind.
func (p *Pipeline) OnPromptChanged(ctx context.Context, kind model.PromptKind) (bool, error) {
	rule, ok := resetRuleFor(kind)
	if !ok {
		return false, errs.Validation("unknown prompt kind %q", kind)
	}
	return p.applyReset(ctx, "reset_"+string(kind), rule)
}

// SavePrompt stores a prompt and, when its text changed, applies the matching
// reset rule.
func (p *Pipeline) SavePrompt(ctx context.Context, kind model.PromptKind, text string) (bool, error) {
	if _, ok := resetRuleFor(kind); !ok {
		return false, errs.Validation("unknown prompt kind %q", kind)
	}
	changed, err := p.deps.Prompts.SetChanged(ctx, kind, text)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if _, err := p.OnPromptChanged(ctx, kind); err != nil {
		return true, err
	}
	return true, nil
}
