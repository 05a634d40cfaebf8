// Package chat builds the mail summary sent along with a person's question
// about a mail and asks the model.
package chat

import (
	"fmt"
	"strconv"
	"strings"

	"mailtriage/internal/model"
	"mailtriage/internal/service/pipeline"
)

// MaxBodyChars caps the body included in a summary.
const MaxBodyChars = 1000

const instructions = "You are an assistant that helps draft or edit email replies. " +
	"The original mail and extracted metadata follow. When the user adds a question " +
	"you must answer or produce an edited draft. If the mail is NOT suitable for drafting, " +
	"reply with the single word: INVALID\n\n"

// BuildPrompt renders v as a summary block, optionally preceded by the
// assistant instructions.
func BuildPrompt(v pipeline.MailView, includeInstructions bool) string {
	var lines []string
	if includeInstructions {
		lines = append(lines, instructions)
	} else {
		lines = append(lines, "")
	}

	lines = append(lines,
		"=== MAIL SUMMARY BEGIN ===",
		"Mail ID: "+strconv.Itoa(v.ID),
		"From: "+strings.TrimSpace(v.Sender),
		orDefault("Subject: ", v.Subject, "(none)"),
		orDefault("Timestamp: ", v.Timestamp, "(unknown)"),
		orDefault("Category: ", v.Category, "(unspecified)"),
		"",
		"Body:",
		indent(truncateBody(v.Body), "  "),
		"",
		"Action items (extracted):",
		indent(formatActionItems(v.ActionItems), "  "),
		"",
		"Draftable flag: "+draftableStatus(v.Full.Draftable),
	)
	if v.Full.DraftFor != nil {
		lines = append(lines, "Draft for (link): "+strconv.Itoa(*v.Full.DraftFor))
	}
	lines = append(lines, "=== MAIL SUMMARY END ===", "")
	return strings.Join(lines, "\n")
}

func orDefault(label, value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return label + fallback
	}
	return label + value
}

func truncateBody(body string) string {
	body = strings.TrimSpace(body)
	if len(body) <= MaxBodyChars {
		return body
	}
	cut := MaxBodyChars
	for cut > 0 && !utf8Start(body[cut]) {
		cut--
	}
	return strings.TrimRight(body[:cut], " \t\r\n") + "\n\n[truncated]"
}

// utf8Start reports whether b can begin a UTF-8 sequence.
func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

func formatActionItems(items []model.ActionItem) string {
	if len(items) == 0 {
		return "None."
	}
	lines := make([]string, len(items))
	for i, it := range items {
		if it.Deadline == "" {
			lines[i] = fmt.Sprintf("%d. %s", i+1, it.Task)
		} else {
			lines[i] = fmt.Sprintf("%d. %s (deadline: %s)", i+1, it.Task, it.Deadline)
		}
	}
	return strings.Join(lines, "\n")
}

func draftableStatus(d model.Draftable) string {
	switch d {
	case model.DraftableExcluded:
		return "NO (0)"
	case model.DraftableDone:
		return "YES (set)"
	default:
		return "(empty)"
	}
}

// indent prefixes every non-blank line.
func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		if strings.TrimSpace(l) != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}
