package chat

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mailtriage/internal/errs"
	"mailtriage/internal/model"
	"mailtriage/internal/service/pipeline"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/trace"
)

type Gateway interface {
	Call(ctx context.Context, prompt string) (string, error)
}

type MailReader interface {
	Get(ctx context.Context, id int) (*model.Mail, error)
}

// Assistant answers questions about one mail at a time.
type Assistant struct {
	gw     Gateway
	mails  MailReader
	logger *zap.Logger
}

func NewAssistant(gw Gateway, mails MailReader, log *zap.Logger) *Assistant {
	if log == nil {
		log = zap.NewNop()
	}
	return &Assistant{gw: gw, mails: mails, logger: log.With(zap.String("component", "chat"))}
}

// Ask sends the summary of mail id followed by the question and returns the
// model's answer.
func (a *Assistant) Ask(ctx context.Context, id int, question string) (string, error) {
	ctx = trace.Ensure(ctx)
	question = strings.TrimSpace(question)
	if question == "" {
		return "", errs.Validation("empty question")
	}

	m, err := a.mails.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if m == nil {
		return "", fmt.Errorf("%w: %d", pipeline.ErrMailNotFound, id)
	}

	prompt := ComposeQuestion(BuildPrompt(pipeline.NewMailView(*m), true), question)
	out, err := a.gw.Call(ctx, prompt)
	if err != nil {
		logger.WithTrace(ctx, a.logger).Warn("Chat call failed", zap.Int("mail_id", id), zap.Error(err))
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ComposeQuestion appends a question to a mail summary.
func ComposeQuestion(summary, question string) string {
	return summary + "\n\nUSER QUERY:\n" + question + "\n\nRespond succinctly and in a professional tone."
}
