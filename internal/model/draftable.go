package model

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Draftable records whether a reply should be, or already was, drafted.
type Draftable int

const (
	// DraftablePending: not yet considered by the drafter. Stored as "".
	DraftablePending Draftable = iota
	// DraftableExcluded: drafted already or judged unsuitable. Stored as 0.
	DraftableExcluded
	// DraftableDone: any other non-zero marker written by older tools.
	DraftableDone
)

func (d Draftable) String() string {
	switch d {
	case DraftableExcluded:
		return "excluded"
	case DraftableDone:
		return "done"
	default:
		return "pending"
	}
}

func (d Draftable) MarshalJSON() ([]byte, error) {
	switch d {
	case DraftableExcluded:
		return []byte("0"), nil
	case DraftableDone:
		return []byte("1"), nil
	default:
		return []byte(`""`), nil
	}
}

// UnmarshalJSON accepts every encoding seen in mailbox files: "" and null are
// pending; 0, "0" and false are excluded; anything else counts as done.
func (d *Draftable) UnmarshalJSON(b []byte) error {
	*d = ParseDraftable(b)
	return nil
}

// ParseDraftable classifies a raw JSON value.
func ParseDraftable(raw json.RawMessage) Draftable {
	v := bytes.TrimSpace(raw)
	switch string(v) {
	case "", "null", `""`:
		return DraftablePending
	case "0", "false", `"0"`, "0.0":
		return DraftableExcluded
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		s = strings.TrimSpace(s)
		switch s {
		case "":
			return DraftablePending
		case "0":
			return DraftableExcluded
		}
	}
	return DraftableDone
}
