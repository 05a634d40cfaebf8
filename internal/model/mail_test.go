package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailRoundTripKeepsUnknownKeys(t *testing.T) {
	in := `{"id":3,"sender":"a@x","subject":"Hi","timestamp":"2024-01-01","body":"b",
		"category":"Work","action_items":[{"task":"call","deadline":"fri","owner":"me"}],
		"draftable":"","labels":["x"],"in_reply_to":2}`

	var m Mail
	require.NoError(t, json.Unmarshal([]byte(in), &m))
	assert.Equal(t, 3, m.ID)
	assert.Equal(t, "call", m.ActionItems[0].Task)
	assert.Equal(t, "fri", m.ActionItems[0].Deadline)
	assert.Contains(t, m.Extra, "labels")

	out, err := json.Marshal(m)
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, []any{"x"}, back["labels"])
	assert.EqualValues(t, 2, back["in_reply_to"])
	assert.Equal(t, "me", back["action_items"].([]any)[0].(map[string]any)["owner"])
	assert.Equal(t, "", back["draftable"])
	assert.NotContains(t, back, "draft_for")
}

func TestDraftableEncodings(t *testing.T) {
	tests := []struct {
		raw  string
		want Draftable
	}{
		{`""`, DraftablePending},
		{`null`, DraftablePending},
		{`0`, DraftableExcluded},
		{`"0"`, DraftableExcluded},
		{`false`, DraftableExcluded},
		{`1`, DraftableDone},
		{`"yes"`, DraftableDone},
		{`true`, DraftableDone},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseDraftable(json.RawMessage(tt.raw)))
		})
	}

	b, err := json.Marshal(DraftableExcluded)
	require.NoError(t, err)
	assert.Equal(t, "0", string(b))
}

func TestParseActionItemsShapes(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		tasks []string
	}{
		{"list of objects", `[{"task":"a"},{"task":"b"}]`, []string{"a", "b"}},
		{"single object", `{"task":"a"}`, []string{"a"}},
		{"plain strings", `["pay rent", ""]`, []string{"pay rent"}},
		{"json string element", `["{\"task\":\"book room\"}"]`, []string{"book room"}},
		{"json encoded list", `"[{\"task\":\"x\"}]"`, []string{"x"}},
		{"plain string", `"reply to Bob"`, []string{"reply to Bob"}},
		{"null", `null`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := ParseActionItems(json.RawMessage(tt.raw))
			var got []string
			for _, it := range items {
				got = append(got, it.Task)
			}
			assert.Equal(t, tt.tasks, got)
		})
	}
}

func TestReferences(t *testing.T) {
	five := 5
	draft := Mail{Category: "Draft", DraftFor: &five}
	assert.True(t, draft.References(5))
	assert.False(t, draft.References(4))

	viaExtra := Mail{Category: "draft", Extra: map[string]json.RawMessage{"source_id": json.RawMessage(`"4"`)}}
	assert.True(t, viaExtra.References(4))

	notDraft := Mail{Category: "Work", DraftFor: &five}
	assert.False(t, notDraft.References(5))
}

func TestApplyPatch(t *testing.T) {
	m := Mail{ID: 1, Sender: "a", Category: "Work"}

	require.NoError(t, m.ApplyPatch(map[string]any{"category": "", "draftable": 0, "flag": true}))
	assert.Equal(t, "", m.Category)
	assert.Equal(t, DraftableExcluded, m.Draftable)
	assert.Equal(t, json.RawMessage("true"), m.Extra["flag"])
	assert.Equal(t, 1, m.ID)

	require.NoError(t, m.ApplyPatch(map[string]any{"id": 9, "subject": "changed"}))
	assert.Equal(t, 1, m.ID)
	assert.Equal(t, "changed", m.Subject)
}

func TestMarshalKeepsStoredEncodings(t *testing.T) {
	in := `{"id":1,"sender":"a@x","subject":"s","timestamp":"t","body":{"html":"<p>hi</p>"},
		"category":null,"action_items":[{"task":"call","deadline":null}],"draftable":"yes","draft_for":null}`

	var m Mail
	require.NoError(t, json.Unmarshal([]byte(in), &m))
	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))

	require.NoError(t, m.ApplyPatch(map[string]any{"category": "Work"}))
	out, err = json.Marshal(m)
	require.NoError(t, err)

	var back map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &back))
	assert.JSONEq(t, `{"html":"<p>hi</p>"}`, string(back["body"]))
	assert.JSONEq(t, `"yes"`, string(back["draftable"]))
	assert.JSONEq(t, `[{"task":"call","deadline":null}]`, string(back["action_items"]))
	assert.JSONEq(t, `null`, string(back["draft_for"]))
	assert.JSONEq(t, `"Work"`, string(back["category"]))

	m.Draftable = DraftableExcluded
	out, err = json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, "0", string(back["draftable"]))
}

func TestMarshalDoesNotEscapeHTML(t *testing.T) {
	m := Mail{ID: 1, Body: "<b>a & b</b>", ActionItems: []ActionItem{{Task: "reply <soon>"}}}
	b, err := m.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"body":"<b>a & b</b>"`)
	assert.Contains(t, string(b), `"task":"reply <soon>"`)
}

func TestMailboxRenumber(t *testing.T) {
	b := &Mailbox{Counter: 9, Emails: []Mail{{ID: 2}, {ID: 7}, {ID: 9}}}
	b.Renumber()
	assert.Equal(t, 3, b.Counter)
	assert.Equal(t, []int{1, 2, 3}, []int{b.Emails[0].ID, b.Emails[1].ID, b.Emails[2].ID})
	assert.Equal(t, 1, b.Find(2))
	assert.Equal(t, -1, b.Find(4))
}

func TestPromptLibrarySet(t *testing.T) {
	var lib PromptLibrary
	assert.True(t, lib.Set(PromptCategorization, "v1"))
	assert.False(t, lib.Set(PromptCategorization, "v1"))
	assert.True(t, lib.Set(PromptCategorization, "v2"))
	got, ok := lib.Get(PromptCategorization)
	assert.True(t, ok)
	assert.Equal(t, "v2", got)
	assert.Len(t, lib.Prompts, 1)

	kind, ok := ParsePromptKind("Reply")
	assert.True(t, ok)
	assert.Equal(t, PromptAutoReply, kind)
}
