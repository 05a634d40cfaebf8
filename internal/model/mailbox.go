package model

import (
	"encoding/json"
	"strings"
)

// Mailbox is the whole mailbox document.
type Mailbox struct {
	Counter int    `json:"counter"`
	Emails  []Mail `json:"emails"`
}

// NewMailbox returns the document used when no file exists yet.
func NewMailbox() *Mailbox {
	return &Mailbox{Emails: []Mail{}}
}

// Find returns the index of the mail with id, or -1.
func (b *Mailbox) Find(id int) int {
	for i := range b.Emails {
		if b.Emails[i].ID == id {
			return i
		}
	}
	return -1
}

// HasDraftFor reports whether any stored draft references sourceID.
func (b *Mailbox) HasDraftFor(sourceID int) bool {
	for i := range b.Emails {
		if b.Emails[i].References(sourceID) {
			return true
		}
	}
	return false
}

// Renumber assigns ids 1..N in order and sets the counter to N.
func (b *Mailbox) Renumber() {
	for i := range b.Emails {
		b.Emails[i].ID = i + 1
	}
	b.Counter = len(b.Emails)
}

func (b *Mailbox) UnmarshalJSON(data []byte) error {
	var raw struct {
		Counter json.RawMessage `json:"counter"`
		Emails  []Mail          `json:"emails"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Counter, _ = looseInt(raw.Counter)
	b.Emails = raw.Emails
	if b.Emails == nil {
		b.Emails = []Mail{}
	}
	return nil
}

// PromptKind names a prompt slot in the library.
type PromptKind string

const (
	PromptCategorization   PromptKind = "categorization"
	PromptActionExtraction PromptKind = "action_extraction"
	PromptAutoReply        PromptKind = "auto_reply"
)

// PromptKinds lists the slots the pipeline reads.
var PromptKinds = []PromptKind{PromptCategorization, PromptActionExtraction, PromptAutoReply}

// ParsePromptKind accepts the canonical names plus a few spellings used by
// older tools.
func ParsePromptKind(s string) (PromptKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "categorization", "categorize", "category":
		return PromptCategorization, true
	case "action_extraction", "action_items", "actions", "action":
		return PromptActionExtraction, true
	case "auto_reply", "reply", "draft", "drafter":
		return PromptAutoReply, true
	}
	return "", false
}

type Prompt struct {
	Type   PromptKind `json:"type"`
	Prompt string     `json:"prompt"`
}

// PromptLibrary is the prompt document.
type PromptLibrary struct {
	Prompts []Prompt `json:"prompts"`
}

func (l *PromptLibrary) Get(kind PromptKind) (string, bool) {
	for _, p := range l.Prompts {
		if p.Type == kind {
			return p.Prompt, true
		}
	}
	return "", false
}

// Set upserts the prompt and reports whether the stored text changed.
func (l *PromptLibrary) Set(kind PromptKind, text string) bool {
	for i := range l.Prompts {
		if l.Prompts[i].Type == kind {
			changed := l.Prompts[i].Prompt != text
			l.Prompts[i].Prompt = text
			return changed
		}
	}
	l.Prompts = append(l.Prompts, Prompt{Type: kind, Prompt: text})
	return true
}
