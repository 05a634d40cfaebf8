package stage

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"mailtriage/internal/errs"
	"mailtriage/internal/model"
)

var jsonLikeRE = regexp.MustCompile(`[\{\[][\s\S]*[\}\]]`)

// Extractor pulls a list of action items out of a mail.
type Extractor struct {
	base
}

func NewExtractor(gw Gateway, prompts PromptSource, store MailStore, opts Options, logger *zap.Logger) *Extractor {
	return &Extractor{base: newBase(NameExtract, gw, prompts, store, opts, logger)}
}

// Process extracts action items and overwrites the stored list. An empty
// list is a valid result and is remembered through actions_extracted.
func (e *Extractor) Process(ctx context.Context, m *model.Mail) ([]model.ActionItem, error) {
	tmpl, err := e.loadPrompt(ctx, model.PromptActionExtraction)
	if err != nil {
		return nil, err
	}
	prompt := tmpl + "\n\nEMAIL:\n" + m.Body + "\n\nRespond with JSON."

	out, err := e.call(ctx, m.ID, prompt)
	if err != nil {
		return nil, err
	}

	raw, err := ParseActionItems(out)
	if err != nil {
		return nil, err
	}

	ok, err := e.store.Update(ctx, m.ID, map[string]any{
		"action_items":      raw,
		"actions_extracted": true,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		e.logger.Warn("Mail disappeared before action items were stored", zap.Int("mail_id", m.ID))
	}

	b, _ := json.Marshal(raw)
	return model.ParseActionItems(b), nil
}

// ParseActionItems decodes model output into a list of JSON objects, each
// carrying a "task" key. It tries the whole text first and then the widest
// {...} or [...] region inside it.
func ParseActionItems(out string) ([]map[string]any, error) {
	text := strings.TrimSpace(out)

	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		candidate := jsonLikeRE.FindString(text)
		if candidate == "" {
			return nil, errs.Validation("no JSON found in model output")
		}
		if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
			return nil, errs.Validation("found JSON-like text but failed to parse: %v", err)
		}
	}

	var list []any
	switch v := parsed.(type) {
	case map[string]any:
		list = []any{v}
	case []any:
		list = v
	default:
		return nil, errs.Validation("parsed JSON is neither object nor list")
	}

	items := make([]map[string]any, 0, len(list))
	for _, it := range list {
		obj, ok := it.(map[string]any)
		if !ok {
			return nil, errs.Validation("invalid action item format: %v", it)
		}
		if _, ok := obj["task"]; !ok {
			return nil, errs.Validation("invalid action item format: %v", it)
		}
		items = append(items, obj)
	}
	return items, nil
}
