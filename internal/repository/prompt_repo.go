package repository

import (
	"context"

	"go.uber.org/zap"

	"mailtriage/internal/model"
	"mailtriage/pkg/filelock"
)

// PromptRepository owns the prompt library document.
type PromptRepository struct {
	store  *jsonStore
	logger *zap.Logger
}

func NewPromptRepository(path string, lockOpts filelock.Options, logger *zap.Logger) *PromptRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PromptRepository{
		store:  newJSONStore("prompts", path, lockOpts, logger),
		logger: logger,
	}
}

func (r *PromptRepository) Path() string {
	return r.store.path
}

// Get returns the prompt text for kind, or "" when it is not stored.
func (r *PromptRepository) Get(ctx context.Context, kind model.PromptKind) (string, error) {
	var lib model.PromptLibrary
	if _, err := r.store.read(ctx, &lib); err != nil {
		return "", err
	}
	text, _ := lib.Get(kind)
	return text, nil
}

// List returns every stored prompt.
func (r *PromptRepository) List(ctx context.Context) ([]model.Prompt, error) {
	var lib model.PromptLibrary
	if _, err := r.store.read(ctx, &lib); err != nil {
		return nil, err
	}
	return lib.Prompts, nil
}

// Set upserts the prompt for kind and reports success. Storing the text that
// is already there succeeds too.
func (r *PromptRepository) Set(ctx context.Context, kind model.PromptKind, text string) (bool, error) {
	if _, err := r.SetChanged(ctx, kind, text); err != nil {
		return false, err
	}
	return true, nil
}

// SetChanged upserts the prompt for kind. changed is false when the same text
// was already stored; the file is not rewritten in that case.
func (r *PromptRepository) SetChanged(ctx context.Context, kind model.PromptKind, text string) (changed bool, err error) {
	var lib model.PromptLibrary
	err = r.store.update(ctx, "set", &lib, func(bool) (bool, error) {
		if lib.Prompts == nil {
			lib.Prompts = []model.Prompt{}
		}
		changed = lib.Set(kind, text)
		return changed, nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		r.logger.Info("Prompt updated", zap.String("prompt_type", string(kind)))
	}
	return changed, nil
}
