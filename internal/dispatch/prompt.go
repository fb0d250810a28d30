package dispatch

import (
	"strings"

	"github.com/MrWong99/voxline/pkg/provider/llm"
)

// request assembles the completion request for req: the system prompt with
// the prior-call and handoff blocks appended, the capped history, and the
// utterance as the final user message.
func (d *Dispatcher) request(req Request) llm.CompletionRequest {
	limit := d.historyTurns
	if req.HistoryTurns > 0 {
		limit = req.HistoryTurns
	}
	return llm.CompletionRequest{
		SystemPrompt: d.buildSystemPrompt(req),
		Messages:     buildMessages(req.History, req.Utterance, limit),
	}
}

func (d *Dispatcher) buildSystemPrompt(req Request) string {
	parts := make([]string, 0, 3)
	if d.systemPrompt != "" {
		parts = append(parts, d.systemPrompt)
	}
	if req.PriorContext != "" {
		parts = append(parts, req.PriorContext)
	}
	if req.Handoff != nil {
		parts = append(parts, req.Handoff.Prompt())
	}
	return strings.Join(parts, "\n\n")
}

// buildMessages keeps the last limit history entries.
func buildMessages(history []llm.Message, utterance string, limit int) []llm.Message {
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: utterance})
}
