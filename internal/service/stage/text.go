package stage

import (
	"regexp"
	"strings"
)

var (
	optionRE      = regexp.MustCompile(`(?i)\bOption\s*(?:#?\s*)?(\d+)\b`)
	optionLabelRE = regexp.MustCompile(`(?i)^\s*Option\s*(?:#?\s*)?\d+[:\-\)]?\s*`)
	separatorRE   = regexp.MustCompile(`\n\s*[-*_]{3,}\s*\n`)
	firstItemRE   = regexp.MustCompile(`(?m)^\s*(?:1[\.\)])\s+`)
	secondItemRE  = regexp.MustCompile(`(?m)^\s*(?:2[\.\)])\s+`)
	firstLabelRE  = regexp.MustCompile(`^\s*(?:1[\.\)])\s*`)

	fenceRE    = regexp.MustCompile("(?s)```.*?```")
	ruleLineRE = regexp.MustCompile(`(?m)^\s*[-*_]{3,}\s*$`)
	subjectRE  = regexp.MustCompile(`(?m)^Subject:.*$`)
	blankRunRE = regexp.MustCompile(`\n\s*\n\s*\n+`)
)

// minBlockLen is the shortest separator-delimited block taken as a reply.
const minBlockLen = 30

// SelectBestOption picks the first reply when the model offered several.
// Tried in order: "Option N" headings, blocks between --- style separators
// (first one of at least 30 characters, else the first), a numbered list
// starting at "1." or "1)", and finally the whole text.
func SelectBestOption(raw string) string {
	if raw == "" {
		return raw
	}
	t := strings.ReplaceAll(raw, "\r\n", "\n")

	if locs := optionRE.FindAllStringIndex(t, 2); len(locs) > 0 {
		end := len(t)
		if len(locs) > 1 {
			end = locs[1][0]
		}
		candidate := strings.TrimSpace(t[locs[0][0]:end])
		candidate = optionLabelRE.ReplaceAllString(candidate, "")
		return strings.TrimSpace(candidate)
	}

	if parts := separatorRE.Split(t, -1); len(parts) > 1 {
		for _, p := range parts {
			if p = strings.TrimSpace(p); len(p) >= minBlockLen {
				return p
			}
		}
		return strings.TrimSpace(parts[0])
	}

	if loc := firstItemRE.FindStringIndex(t); loc != nil {
		end := len(t)
		if loc2 := secondItemRE.FindStringIndex(t); loc2 != nil {
			end = loc2[0]
		}
		if end < loc[0] {
			end = len(t)
		}
		candidate := strings.TrimSpace(t[loc[0]:end])
		candidate = firstLabelRE.ReplaceAllString(candidate, "")
		return strings.TrimSpace(candidate)
	}

	return strings.TrimSpace(t)
}

// CleanDraft strips markdown noise from a reply: code fences, rule lines,
// bold markers and repeated Subject: lines, then collapses blank runs.
func CleanDraft(text string) string {
	text = fenceRE.ReplaceAllString(text, "")
	text = ruleLineRE.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "**", "")
	text = subjectRE.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	text = blankRunRE.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
