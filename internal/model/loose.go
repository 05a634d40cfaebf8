package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// looseString reads a JSON value as text: strings as-is, null as "", and any
// other value as its compact JSON encoding.
func looseString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var buf bytes.Buffer
	if json.Compact(&buf, raw) == nil {
		return buf.String()
	}
	return string(raw)
}

// looseInt reads a JSON number or numeric string.
func looseInt(raw json.RawMessage) (int, bool) {
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		if f, err := n.Float64(); err == nil && f == float64(int(f)) {
			return int(f), true
		}
		return 0, false
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func looseBool(raw json.RawMessage) bool {
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	var n float64
	if json.Unmarshal(raw, &n) == nil {
		return n != 0
	}
	return false
}

// writeObject emits keys in the given order followed by extra keys sorted.
func writeObject(buf *bytes.Buffer, fields []field, extra map[string]json.RawMessage) error {
	buf.WriteByte('{')
	first := true
	emit := func(k string, v []byte) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		kb, err := encodeJSON(k)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(v)
		return nil
	}
	for _, f := range fields {
		if f.omit {
			continue
		}
		if err := emit(f.key, f.value); err != nil {
			return err
		}
	}
	for _, k := range sortedKeys(extra) {
		if err := emit(k, extra[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

type field struct {
	key    string
	value  []byte
	omit   bool
	stored bool
}

// omitUnless drops the key when present is false and the record never had it.
func (f field) omitUnless(present bool) field {
	f.omit = !present && !f.stored
	return f
}

func mustJSON(v any) []byte {
	b, err := encodeJSON(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

// encodeJSON is json.Marshal without HTML escaping, so bodies keep their <>&.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
