// Package prompt builds the memo generation prompt and parses model replies
// into GeneratedContent. It is shared by every generation provider.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/memoflow/internal/ai/apierr"
	"github.com/kiranshivaraju/memoflow/pkg/models"
)

// System is the system prompt sent with every generation request.
const System = `You turn meeting transcripts into structured meeting memos.

Return a STRICT JSON object and nothing else, with these keys:

{
  "summary": "",
  "key_points": [],
  "action_items": [{"task": "", "owner": null, "due_date": null, "priority": null}],
  "decisions": [],
  "next_steps": [],
  "attendees": []
}

Rules:
- summary: 2-5 sentences in the transcript's language, at most 4000 characters.
- key_points: at least one entry. Every list entry and task is at most 500 characters.
- action_items: priority is exactly one of "low", "medium", "high" (lowercase) or null. due_date is YYYY-MM-DD or null.
- Use empty arrays when nothing applies. Never invent attendees or owners that are not named.
- Output ONLY the JSON object, no markdown and no explanations.`

// User renders the per-memo user message.
func User(req models.GenerationRequest) string {
	var b strings.Builder
	if req.Title != "" {
		fmt.Fprintf(&b, "Meeting title: %s\n", req.Title)
	}
	if !req.RecordedAt.IsZero() {
		fmt.Fprintf(&b, "Recorded: %s\n", req.RecordedAt.UTC().Format("2006-01-02"))
	}
	if req.DurationMinutes > 0 {
		fmt.Fprintf(&b, "Duration: %.0f minutes\n", req.DurationMinutes)
	}
	if req.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", req.Language)
	}
	b.WriteString("\nTranscript:\n")
	b.WriteString(req.Transcript)
	return b.String()
}

// ParseContent decodes a model reply. Markdown fences and prose around the
// JSON object are ignored; anything that still does not decode is an
// apierr.ErrInvalidResponse.
func ParseContent(reply string) (models.GeneratedContent, error) {
	var c models.GeneratedContent
	raw := extractObject(reply)
	if raw == "" {
		return c, fmt.Errorf("%w: no JSON object in reply", apierr.ErrInvalidResponse)
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return c, fmt.Errorf("%w: %v", apierr.ErrInvalidResponse, err)
	}
	return c, nil
}

func extractObject(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || start > end {
		return ""
	}
	return s[start : end+1]
}
