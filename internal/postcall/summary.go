package postcall

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CallSummary is the structured digest of one call. It is created once at
// hangup and never mutated.
type CallSummary struct {
	Title           string        `json:"title"`
	Topics          []string      `json:"topics"`
	Decisions       []string      `json:"decisions"`
	ActionItems     []string      `json:"action_items"`
	NextCallContext string        `json:"next_call_context"`
	Duration        time.Duration `json:"duration"`
}

var errNoJSONObject = errors.New("postcall: no JSON object in summary response")

// ParseSummary extracts a [CallSummary] from a model response. Code fences
// and prose around the JSON object are ignored.
func ParseSummary(raw string) (CallSummary, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return CallSummary{}, errNoJSONObject
	}
	var s CallSummary
	if err := json.Unmarshal([]byte(raw[start:end+1]), &s); err != nil {
		return CallSummary{}, fmt.Errorf("postcall: parse summary: %w", err)
	}
	s.Title = strings.TrimSpace(s.Title)
	s.NextCallContext = strings.TrimSpace(s.NextCallContext)
	return s, nil
}

// Content renders the summary as the body of a memory document.
func (s CallSummary) Content() string {
	var sb strings.Builder
	writeList := func(label string, items []string) {
		if len(items) == 0 {
			return
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(label + ": " + strings.Join(items, "; "))
	}
	writeList("Topics", s.Topics)
	writeList("Decisions", s.Decisions)
	writeList("Action items", s.ActionItems)
	if s.NextCallContext != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("Next call: " + s.NextCallContext)
	}
	if s.Duration > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("Duration: " + s.Duration.Round(time.Second).String())
	}
	return sb.String()
}
