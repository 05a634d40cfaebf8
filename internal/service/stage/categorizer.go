package stage

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"mailtriage/internal/errs"
	"mailtriage/internal/model"
)

var categoryRE = regexp.MustCompile(`^[A-Za-z0-9 _\-&]{1,100}$`)

// Categorizer assigns a short category label.
type Categorizer struct {
	base
}

func NewCategorizer(gw Gateway, prompts PromptSource, store MailStore, opts Options, logger *zap.Logger) *Categorizer {
	return &Categorizer{base: newBase(NameCategorize, gw, prompts, store, opts, logger)}
}

// Process labels m and stores the label. The label is the first line of the
// model answer with surrounding quotes removed.
func (c *Categorizer) Process(ctx context.Context, m *model.Mail) (string, error) {
	tmpl, err := c.loadPrompt(ctx, model.PromptCategorization)
	if err != nil {
		return "", err
	}
	prompt := tmpl + "\n\nEMAIL:\n" + m.Body + "\n\nReturn a single short category label."

	out, err := c.call(ctx, m.ID, prompt)
	if err != nil {
		return "", err
	}

	label, err := ParseCategory(out)
	if err != nil {
		return "", err
	}

	ok, err := c.store.Update(ctx, m.ID, map[string]any{"category": label})
	if err != nil {
		return "", err
	}
	if !ok {
		c.logger.Warn("Mail disappeared before category was stored", zap.Int("mail_id", m.ID))
	}
	return label, nil
}

// ParseCategory validates a raw model answer as a category label.
func ParseCategory(out string) (string, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errs.Validation("empty category from model")
	}
	line, _, _ := strings.Cut(out, "\n")
	line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
	line = strings.Trim(line, `"`)
	line = strings.Trim(line, `'`)
	if !categoryRE.MatchString(line) {
		return "", errs.Validation("invalid category format: '%s'", line)
	}
	return line, nil
}
