package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

var candidateKeys = []string{"candidates", "outputs", "choices"}

// ExtractText pulls the generated text out of a response body. It accepts the
// generateContent shape and a few neighbours: flat text/output/message keys on
// the first candidate, top-level response/content/output/text strings, and as
// a last resort the whole JSON document re-encoded. Only a body that is not
// JSON at all is an error.
func ExtractText(body []byte) (string, error) {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return "", err
	}

	switch v := data.(type) {
	case string:
		return v, nil
	case map[string]any:
		if text, ok := fromCandidates(v); ok {
			return text, nil
		}
		for _, k := range []string{"response", "content", "output", "text"} {
			if s, ok := v[k].(string); ok {
				return s, nil
			}
		}
	case nil:
		return "", errors.New("empty response")
	}

	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fromCandidates(obj map[string]any) (string, bool) {
	var list []any
	for _, k := range candidateKeys {
		if l, ok := obj[k].([]any); ok && len(l) > 0 {
			list = l
			break
		}
	}
	if len(list) == 0 {
		return "", false
	}

	first, ok := list[0].(map[string]any)
	if !ok {
		if s, ok := list[0].(string); ok {
			return s, true
		}
		return "", false
	}

	c, _ := first["content"].(map[string]any)
	if c == nil {
		c = first
	}
	if parts, ok := c["parts"].([]any); ok && len(parts) > 0 {
		switch p := parts[0].(type) {
		case map[string]any:
			if t, ok := p["text"]; ok {
				return stringify(t), true
			}
		case string:
			return p, true
		}
	}

	for _, k := range []string{"text", "output", "message"} {
		switch v := first[k].(type) {
		case string:
			return v, true
		case map[string]any:
			if s, ok := v["content"].(string); ok {
				return s, true
			}
		}
	}
	if s, ok := first["content"].(string); ok {
		return s, true
	}
	return "", false
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
