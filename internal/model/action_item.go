package model

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
	"strings"
)

// ActionItem is one task extracted from a mail.
type ActionItem struct {
	Task     string
	Deadline string
	Extra    map[string]json.RawMessage
}

func (a ActionItem) Clone() ActionItem {
	a.Extra = maps.Clone(a.Extra)
	return a
}

func actionItemsEqual(a, b []ActionItem) bool {
	return slices.EqualFunc(a, b, func(x, y ActionItem) bool {
		return x.Task == y.Task && x.Deadline == y.Deadline &&
			maps.EqualFunc(x.Extra, y.Extra, func(u, v json.RawMessage) bool { return bytes.Equal(u, v) })
	})
}

func (a ActionItem) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	err := writeObject(&buf, []field{
		{key: "task", value: mustJSON(a.Task)},
		{key: "deadline", value: mustJSON(a.Deadline), omit: a.Deadline == ""},
	}, a.Extra)
	return buf.Bytes(), err
}

func (a *ActionItem) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*a = actionItemFromObject(raw)
	return nil
}

func actionItemFromObject(raw map[string]json.RawMessage) ActionItem {
	var a ActionItem
	for k, v := range raw {
		switch k {
		case "task":
			a.Task = looseString(v)
		case "deadline":
			var s string
			if json.Unmarshal(v, &s) == nil {
				a.Deadline = s
				continue
			}
			if string(bytes.TrimSpace(v)) == "null" {
				continue
			}
			fallthrough
		default:
			if a.Extra == nil {
				a.Extra = make(map[string]json.RawMessage)
			}
			a.Extra[k] = slices.Clone(v)
		}
	}
	return a
}

// ParseActionItems normalizes whatever is stored under action_items into a
// list: objects are kept, strings holding JSON objects are decoded, other
// strings become {"task": s}, and a JSON-encoded list is unpacked.
func ParseActionItems(raw json.RawMessage) []ActionItem {
	raw = bytes.TrimSpace(raw)
	items := []ActionItem{}
	if len(raw) == 0 || string(raw) == "null" {
		return items
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return items
		}
		if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
			if json.Valid([]byte(s)) {
				return ParseActionItems(json.RawMessage(s))
			}
		}
		return append(items, ActionItem{Task: s})
	}

	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) == nil {
		return append(items, actionItemFromObject(obj))
	}

	var list []json.RawMessage
	if json.Unmarshal(raw, &list) != nil {
		return items
	}
	for _, el := range list {
		el = bytes.TrimSpace(el)
		if string(el) == "null" {
			continue
		}
		var elObj map[string]json.RawMessage
		if json.Unmarshal(el, &elObj) == nil {
			items = append(items, actionItemFromObject(elObj))
			continue
		}
		var elStr string
		if json.Unmarshal(el, &elStr) != nil {
			items = append(items, ActionItem{Task: looseString(el)})
			continue
		}
		elStr = strings.TrimSpace(elStr)
		if elStr == "" {
			continue
		}
		var inner map[string]json.RawMessage
		if json.Unmarshal([]byte(elStr), &inner) == nil && inner != nil {
			items = append(items, actionItemFromObject(inner))
			continue
		}
		items = append(items, ActionItem{Task: elStr})
	}
	return items
}
