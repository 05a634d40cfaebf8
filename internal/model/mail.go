package model

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
	"strings"
)

// CategoryDraft marks records generated by the drafter.
const CategoryDraft = "draft"

// Keys an insert must carry.
var RequiredMailKeys = []string{"sender", "subject", "timestamp", "body"}

// Keys that may point from a draft back to its source mail.
var draftLinkKeys = []string{"draft_for", "in_reply_to", "source_id"}

// Mail is one mailbox record. Keys the pipeline does not know are kept in
// Extra and written back unchanged.
type Mail struct {
	ID          int
	Sender      string
	Subject     string
	Timestamp   string
	Body        string
	Category    string
	ActionItems []ActionItem
	Draftable   Draftable
	DraftFor    *int
	// ActionsExtracted is set once extraction ran, even when it found nothing.
	ActionsExtracted bool

	Extra map[string]json.RawMessage

	// stored holds the known keys as read from disk. A key whose typed value
	// still matches is written back byte for byte.
	stored map[string]json.RawMessage
}

var knownMailKeys = map[string]bool{
	"id": true, "sender": true, "subject": true, "timestamp": true, "body": true,
	"category": true, "action_items": true, "draftable": true, "draft_for": true,
	"actions_extracted": true,
}

// IsDraft reports whether the record is a generated reply.
func (m *Mail) IsDraft() bool {
	return strings.EqualFold(strings.TrimSpace(m.Category), CategoryDraft)
}

// HasActionItems reports whether any action item is stored.
func (m *Mail) HasActionItems() bool {
	return len(m.ActionItems) > 0
}

// References reports whether m is a draft written for the mail with the given
// id, through draft_for or the in_reply_to / source_id keys.
func (m *Mail) References(sourceID int) bool {
	if !m.IsDraft() {
		return false
	}
	if m.DraftFor != nil && *m.DraftFor == sourceID {
		return true
	}
	for _, k := range draftLinkKeys[1:] {
		if raw, ok := m.Extra[k]; ok {
			if id, ok := looseInt(raw); ok && id == sourceID {
				return true
			}
		}
	}
	return false
}

// ExtraString returns an unknown key as text ("" when absent). Non-string
// values come back as compact JSON.
func (m *Mail) ExtraString(key string) string {
	return looseString(m.Extra[key])
}

// ExtraBool reads an unknown key as a flag.
func (m *Mail) ExtraBool(key string) bool {
	raw, ok := m.Extra[key]
	return ok && looseBool(raw)
}

// Clone returns a deep copy.
func (m Mail) Clone() Mail {
	c := m
	c.ActionItems = make([]ActionItem, len(m.ActionItems))
	for i, it := range m.ActionItems {
		c.ActionItems[i] = it.Clone()
	}
	if m.DraftFor != nil {
		v := *m.DraftFor
		c.DraftFor = &v
	}
	c.Extra = maps.Clone(m.Extra)
	c.stored = maps.Clone(m.stored)
	return c
}

func (m Mail) MarshalJSON() ([]byte, error) {
	items := m.ActionItems
	if items == nil {
		items = []ActionItem{}
	}
	itemsJSON, err := encodeJSON(items)
	if err != nil {
		return nil, err
	}

	str := func(v string) func(json.RawMessage) bool {
		return func(raw json.RawMessage) bool { return looseString(raw) == v }
	}
	var buf bytes.Buffer
	err = writeObject(&buf, []field{
		m.keep("id", mustJSON(m.ID), func(raw json.RawMessage) bool {
			id, ok := looseInt(raw)
			return ok && id == m.ID
		}),
		m.keep("sender", mustJSON(m.Sender), str(m.Sender)),
		m.keep("subject", mustJSON(m.Subject), str(m.Subject)),
		m.keep("timestamp", mustJSON(m.Timestamp), str(m.Timestamp)),
		m.keep("body", mustJSON(m.Body), str(m.Body)),
		m.keep("category", mustJSON(m.Category), str(m.Category)),
		m.keep("action_items", itemsJSON, func(raw json.RawMessage) bool {
			return actionItemsEqual(ParseActionItems(raw), items)
		}),
		m.keep("draftable", mustJSON(m.Draftable), func(raw json.RawMessage) bool {
			return ParseDraftable(raw) == m.Draftable
		}),
		m.keep("draft_for", mustJSON(m.DraftFor), func(raw json.RawMessage) bool {
			id, ok := looseInt(raw)
			if m.DraftFor == nil {
				return !ok
			}
			return ok && id == *m.DraftFor
		}).omitUnless(m.DraftFor != nil),
		m.keep("actions_extracted", []byte("true"), func(raw json.RawMessage) bool {
			return looseBool(raw) == m.ActionsExtracted
		}).omitUnless(m.ActionsExtracted),
	}, m.Extra)
	return buf.Bytes(), err
}

// keep returns the stored bytes for key when same reports they still decode
// to the current value, and value otherwise.
func (m *Mail) keep(key string, value []byte, same func(json.RawMessage) bool) field {
	if raw, ok := m.stored[key]; ok && same(raw) {
		return field{key: key, value: raw, stored: true}
	}
	return field{key: key, value: value}
}

func (m *Mail) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = Mail{}

	for k, v := range raw {
		if knownMailKeys[k] {
			if m.stored == nil {
				m.stored = make(map[string]json.RawMessage)
			}
			m.stored[k] = slices.Clone(v)
		}
		switch k {
		case "id":
			m.ID, _ = looseInt(v)
		case "sender":
			m.Sender = looseString(v)
		case "subject":
			m.Subject = looseString(v)
		case "timestamp":
			m.Timestamp = looseString(v)
		case "body":
			m.Body = looseString(v)
		case "category":
			m.Category = looseString(v)
		case "action_items":
			m.ActionItems = ParseActionItems(v)
		case "draftable":
			m.Draftable = ParseDraftable(v)
		case "draft_for":
			if id, ok := looseInt(v); ok {
				m.DraftFor = &id
			}
		case "actions_extracted":
			m.ActionsExtracted = looseBool(v)
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]json.RawMessage)
			}
			m.Extra[k] = slices.Clone(v)
		}
	}
	if m.ActionItems == nil {
		m.ActionItems = []ActionItem{}
	}
	return nil
}

// ApplyPatch merges fields into the record the way a JSON object merge would.
// The id is owned by the mailbox; an "id" key in the patch is skipped and the
// other keys still apply. Keys the patch does not name keep their stored form.
func (m *Mail) ApplyPatch(patch map[string]any) error {
	current, err := encodeJSON(m)
	if err != nil {
		return err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(current, &merged); err != nil {
		return err
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		b, err := encodeJSON(v)
		if err != nil {
			return err
		}
		merged[k] = b
	}
	b, err := encodeJSON(merged)
	if err != nil {
		return err
	}
	var next Mail
	if err := json.Unmarshal(b, &next); err != nil {
		return err
	}
	*m = next
	return nil
}

// MailFromFields builds a record from loosely typed insert fields.
func MailFromFields(fields map[string]any) (Mail, error) {
	b, err := encodeJSON(fields)
	if err != nil {
		return Mail{}, err
	}
	var m Mail
	if err := json.Unmarshal(b, &m); err != nil {
		return Mail{}, err
	}
	return m, nil
}

func sortedKeys(m map[string]json.RawMessage) []string {
	return slices.Sorted(maps.Keys(m))
}
