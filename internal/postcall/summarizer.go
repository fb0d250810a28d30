package postcall

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/types"
)

// summaryPrompt is the fixed instruction sent with every transcript.
const summaryPrompt = `Summarize the following phone call between a caller and a voice assistant.
Respond with a single JSON object and nothing else, using exactly these keys:
"title" (short string), "topics" (array of strings), "decisions" (array of strings),
"action_items" (array of strings), "next_call_context" (string: what the assistant
should remember when this caller calls again).
Leave out greetings, filler and small talk. Use empty arrays when there is nothing to list.`

// Summarizer turns a finished call into a [CallSummary].
type Summarizer interface {
	Summarize(ctx context.Context, rec Record) (CallSummary, error)
}

// Completer runs a one-shot completion on the fast path.
type Completer interface {
	CompleteFast(ctx context.Context, req llm.CompletionRequest) (string, error)
}

// LLMSummarizer summarizes calls with a [Completer].
type LLMSummarizer struct {
	llm Completer
}

var _ Summarizer = (*LLMSummarizer)(nil)

// NewLLMSummarizer creates an [LLMSummarizer].
func NewLLMSummarizer(c Completer) *LLMSummarizer {
	return &LLMSummarizer{llm: c}
}

// Summarize sends the final turns of rec as one transcript message and parses
// the JSON reply. Duration is taken from rec, not from the model.
func (s *LLMSummarizer) Summarize(ctx context.Context, rec Record) (CallSummary, error) {
	transcript := formatTranscript(rec.Finals())
	if transcript == "" {
		return CallSummary{}, fmt.Errorf("postcall: summarize: empty transcript")
	}

	raw, err := s.llm.CompleteFast(ctx, llm.CompletionRequest{
		SystemPrompt: summaryPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: transcript}},
		Temperature:  0.3,
	})
	if err != nil {
		return CallSummary{}, fmt.Errorf("postcall: summarize: %w", err)
	}
	summary, err := ParseSummary(raw)
	if err != nil {
		return CallSummary{}, err
	}
	if summary.Title == "" {
		summary.Title = "Phone call"
		if rec.CallerID != "" {
			summary.Title = "Call with " + rec.CallerID
		}
	}
	summary.Duration = rec.Duration()
	return summary, nil
}

func formatTranscript(turns []types.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		if t.Interrupted {
			fmt.Fprintf(&sb, "[%s, interrupted]: %s\n", t.Speaker, t.Text)
			continue
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", t.Speaker, t.Text)
	}
	return sb.String()
}
