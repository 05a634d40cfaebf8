package chat

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtriage/internal/errs"
	"mailtriage/internal/model"
	"mailtriage/internal/service/pipeline"
)

func TestBuildPrompt(t *testing.T) {
	v := pipeline.NewMailView(model.Mail{
		ID:          42,
		Sender:      "alice@example.com",
		Subject:     "Project kickoff",
		Timestamp:   "2025-11-24T10:00:00+05:30",
		Category:    "important meeting mails",
		Body:        "Hi team,\nCan we meet Monday at 10? Please confirm.\n\nThanks, Alice",
		ActionItems: []model.ActionItem{{Task: "Confirm availability", Deadline: "Monday"}, {Task: "Book room"}},
	})

	want := strings.Join([]string{
		"",
		"=== MAIL SUMMARY BEGIN ===",
		"Mail ID: 42",
		"From: alice@example.com",
		"Subject: Project kickoff",
		"Timestamp: 2025-11-24T10:00:00+05:30",
		"Category: important meeting mails",
		"",
		"Body:",
		"  Hi team,",
		"  Can we meet Monday at 10? Please confirm.",
		"",
		"  Thanks, Alice",
		"",
		"Action items (extracted):",
		"  1. Confirm availability (deadline: Monday)",
		"  2. Book room",
		"",
		"Draftable flag: (empty)",
		"=== MAIL SUMMARY END ===",
		"",
	}, "\n")
	assert.Equal(t, want, BuildPrompt(v, false))
}

func TestBuildPromptDefaultsAndDraftLink(t *testing.T) {
	source := 3
	v := pipeline.NewMailView(model.Mail{
		ID: 9, Category: model.CategoryDraft, DraftFor: &source, Draftable: model.DraftableExcluded,
	})
	got := BuildPrompt(v, true)

	assert.True(t, strings.HasPrefix(got, "You are an assistant that helps draft or edit email replies."))
	assert.Contains(t, got, "Subject: (none)\nTimestamp: (unknown)\nCategory: draft\n")
	assert.Contains(t, got, "Action items (extracted):\n  None.\n")
	assert.Contains(t, got, "Draftable flag: NO (0)\nDraft for (link): 3\n=== MAIL SUMMARY END ===")
}

func TestBuildPromptTruncatesBody(t *testing.T) {
	v := pipeline.NewMailView(model.Mail{ID: 1, Body: strings.Repeat("a", 1500), Draftable: model.DraftableDone})
	got := BuildPrompt(v, false)
	assert.Contains(t, got, "  "+strings.Repeat("a", MaxBodyChars)+"\n\n  [truncated]\n")
	assert.NotContains(t, got, strings.Repeat("a", MaxBodyChars+1))
	assert.Contains(t, got, "Draftable flag: YES (set)")
}

type stubGateway struct {
	prompt string
	out    string
	err    error
}

func (g *stubGateway) Call(_ context.Context, prompt string) (string, error) {
	g.prompt = prompt
	return g.out, g.err
}

type stubMails map[int]model.Mail

func (s stubMails) Get(_ context.Context, id int) (*model.Mail, error) {
	m, ok := s[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func TestAskSendsSummaryAndQuestion(t *testing.T) {
	gw := &stubGateway{out: "  Sure, here is a shorter version.  "}
	a := NewAssistant(gw, stubMails{1: {ID: 1, Sender: "bob@example.com", Body: "Lunch?"}}, nil)

	out, err := a.Ask(context.Background(), 1, "Make it shorter")
	require.NoError(t, err)
	assert.Equal(t, "Sure, here is a shorter version.", out)
	assert.Contains(t, gw.prompt, "From: bob@example.com")
	assert.True(t, strings.HasSuffix(gw.prompt, "=== MAIL SUMMARY END ===\n\n\nUSER QUERY:\nMake it shorter\n\nRespond succinctly and in a professional tone."))
}

func TestAskErrors(t *testing.T) {
	gw := &stubGateway{err: errs.Gateway(errs.CodeQuota, "Quota exceeded (429).", nil)}
	a := NewAssistant(gw, stubMails{1: {ID: 1}}, nil)
	ctx := context.Background()

	_, err := a.Ask(ctx, 1, "  ")
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = a.Ask(ctx, 2, "hi")
	assert.ErrorIs(t, err, pipeline.ErrMailNotFound)

	_, err = a.Ask(ctx, 1, "hi")
	assert.ErrorIs(t, err, errs.ErrGateway)
}
