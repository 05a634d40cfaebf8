package pipeline

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/jaytaylor/html2text"
	"go.uber.org/zap"

	"mailtriage/internal/model"
	"mailtriage/pkg/jsonfile"
	"mailtriage/pkg/logger"
)

// MailView is the display projection of a mail: aliased keys resolved, body
// reduced to text, action items as a list of objects, and the full record.
type MailView struct {
	ID             int                `json:"id"`
	Sender         string             `json:"sender"`
	Subject        string             `json:"subject"`
	Timestamp      string             `json:"timestamp"`
	Category       string             `json:"category"`
	HasActionItems bool               `json:"has_action_items"`
	ActionItems    []model.ActionItem `json:"action_items"`
	Body           string             `json:"body"`
	Full           model.Mail         `json:"full"`
}

var (
	senderAliases    = []string{"from", "email_from"}
	subjectAliases   = []string{"title"}
	timestampAliases = []string{"ts", "date"}
	categoryAliases  = []string{"tag"}
	bodyAliases      = []string{"text", "content", "message", "mail_body"}
	actionAliases    = []string{"actionItems", "tasks"}
)

// NewMailView projects m.
func NewMailView(m model.Mail) MailView {
	v := MailView{
		ID:        m.ID,
		Sender:    firstNonEmpty(&m, m.Sender, senderAliases),
		Subject:   firstNonEmpty(&m, m.Subject, subjectAliases),
		Timestamp: firstNonEmpty(&m, m.Timestamp, timestampAliases),
		Category:  firstNonEmpty(&m, m.Category, categoryAliases),
		Body:      bodyText(&m),
		Full:      m.Clone(),
	}

	v.ActionItems = m.ActionItems
	for _, k := range actionAliases {
		if len(v.ActionItems) > 0 {
			break
		}
		v.ActionItems = model.ParseActionItems(m.Extra[k])
	}
	if v.ActionItems == nil {
		v.ActionItems = []model.ActionItem{}
	}
	v.HasActionItems = len(v.ActionItems) > 0 || m.ExtraBool("has_action_items")
	return v
}

// Project returns the views of every mail in document order.
func Project(box *model.Mailbox) []MailView {
	views := make([]MailView, 0, len(box.Emails))
	for _, m := range box.Emails {
		views = append(views, NewMailView(m))
	}
	return views
}

func firstNonEmpty(m *model.Mail, value string, aliases []string) string {
	if value != "" {
		return value
	}
	for _, k := range aliases {
		if s := m.ExtraString(k); s != "" {
			return s
		}
	}
	return ""
}

// bodyText finds the body under its usual keys, falls back to the first
// longish unknown string, and turns HTML documents into plain text.
func bodyText(m *model.Mail) string {
	body := firstNonEmpty(m, m.Body, bodyAliases)
	if body == "" {
		for _, k := range slices.Sorted(maps.Keys(m.Extra)) {
			if s := m.ExtraString(k); len(s) > 20 && !strings.HasPrefix(s, "{") && !strings.HasPrefix(s, "[") {
				body = s
				break
			}
		}
	}
	if looksLikeHTML(body) {
		if text, err := html2text.FromString(body, html2text.Options{OmitLinks: true}); err == nil {
			return text
		}
	}
	return body
}

func looksLikeHTML(s string) bool {
	head := strings.ToLower(strings.TrimSpace(s))
	if len(head) > 64 {
		head = head[:64]
	}
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

// LoadAndProcess returns the projection of the current mailbox right away
// and, when startBackground is set, makes sure the worker is running. The
// worker does not inherit the caller's cancellation. Temp files left by
// crashed writers are swept before returning.
func (p *Pipeline) LoadAndProcess(ctx context.Context, startBackground bool) ([]MailView, error) {
	log := logger.WithTrace(ctx, p.logger)

	box, err := p.deps.Store.ReadAll(ctx)
	if err != nil {
		p.setLastError("Failed to read inbox file: " + err.Error())
		return []MailView{}, err
	}
	views := Project(box)

	if startBackground {
		if p.Start(context.WithoutCancel(ctx)) {
			log.Info("Background processing started")
		}
	}

	if p.opts.DataDir != "" {
		removed, err := jsonfile.RemoveStale(p.opts.DataDir, p.opts.StaleTempAge)
		if err != nil {
			log.Warn("Temp file cleanup failed", zap.Error(err))
		} else if len(removed) > 0 {
			log.Info("Removed stale temp files", zap.Int("count", len(removed)))
		}
	}
	return views, nil
}
