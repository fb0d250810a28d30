package anyllm

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxline/pkg/provider/llm"
)

// fakeBackend replays chunks and then err the way any-llm-go providers do:
// the error lands on its channel once the chunk channel is drained.
type fakeBackend struct {
	chunks []anyllmlib.ChatCompletionChunk
	err    error
	params anyllmlib.CompletionParams
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Completion(_ context.Context, params anyllmlib.CompletionParams) (*anyllmlib.ChatCompletion, error) {
	f.params = params
	return nil, f.err
}

func (f *fakeBackend) CompletionStream(ctx context.Context, params anyllmlib.CompletionParams) (<-chan anyllmlib.ChatCompletionChunk, <-chan error) {
	f.params = params
	chunks := make(chan anyllmlib.ChatCompletionChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range f.chunks {
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
		}
		if f.err != nil {
			errs <- f.err
		}
	}()
	return chunks, errs
}

func delta(text, finish string) anyllmlib.ChatCompletionChunk {
	return anyllmlib.ChatCompletionChunk{Choices: []anyllmlib.ChunkChoice{{
		Delta:        anyllmlib.ChunkDelta{Content: text},
		FinishReason: finish,
	}}}
}

func collect(ch <-chan llm.Chunk) []llm.Chunk {
	var out []llm.Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestStreamCompletion_Relays(t *testing.T) {
	backend := &fakeBackend{chunks: []anyllmlib.ChatCompletionChunk{
		{},
		delta("Open until", ""),
		delta("", ""),
		delta(" nine.", ""),
		delta("", "stop"),
	}}
	p := &Provider{backend: backend, vendor: "fake", model: "m"}

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "when do you close"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	want := []llm.Chunk{{Text: "Open until"}, {Text: " nine."}, {FinishReason: "stop"}}
	if got := collect(ch); !slices.Equal(got, want) {
		t.Errorf("chunks = %+v, want %+v", got, want)
	}
}

func TestStreamCompletion_SetupFailureIsReturned(t *testing.T) {
	backend := &fakeBackend{err: errors.New("401 invalid api key")}
	p := &Provider{backend: backend, vendor: "anthropic", model: "m"}

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err == nil || !strings.Contains(err.Error(), "401 invalid api key") {
		t.Fatalf("err = %v, want the vendor error", err)
	}
	if ch != nil {
		t.Error("channel returned alongside a setup error")
	}
}

func TestStreamCompletion_MidStreamFailure(t *testing.T) {
	backend := &fakeBackend{
		chunks: []anyllmlib.ChatCompletionChunk{delta("Let me", "")},
		err:    errors.New("connection reset"),
	}
	p := &Provider{backend: backend, vendor: "fake", model: "m"}

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	got := collect(ch)
	if len(got) != 2 || got[0].Text != "Let me" {
		t.Fatalf("chunks = %+v", got)
	}
	if got[1].FinishReason != llm.FinishReasonError || got[1].Text != "connection reset" {
		t.Errorf("last chunk = %+v, want an error chunk", got[1])
	}
}

func TestStreamCompletion_EmptyStream(t *testing.T) {
	p := &Provider{backend: &fakeBackend{}, vendor: "fake", model: "m"}
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	if got := collect(ch); len(got) != 0 {
		t.Errorf("chunks = %+v, want none", got)
	}
}

func TestParams(t *testing.T) {
	p := &Provider{model: "claude-haiku-4-5"}
	params := p.params(llm.CompletionRequest{
		SystemPrompt: "Summarise.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "transcript"},
			{Role: llm.RoleAssistant, Content: "ok", Name: "agent"},
		},
		Temperature: 0.3,
		MaxTokens:   256,
	})
	if params.Model != "claude-haiku-4-5" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 3 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("messages = %+v, want system prompt first", params.Messages)
	}
	if m := params.Messages[2]; m.Role != llm.RoleAssistant || m.ContentString() != "ok" || m.Name != "agent" {
		t.Errorf("assistant message = %+v", m)
	}
	if params.Temperature == nil || *params.Temperature != 0.3 {
		t.Errorf("temperature = %v, want 0.3", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("max tokens = %v, want 256", params.MaxTokens)
	}

	params = p.params(llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "x"}}})
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Error("expected nil temperature and max tokens for zero values")
	}
	if len(params.Messages) != 1 {
		t.Errorf("got %d messages, want 1", len(params.Messages))
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	_, err := New("not-a-vendor", "m")
	if err == nil || !strings.Contains(err.Error(), "unknown vendor") {
		t.Errorf("expected unknown vendor error, got %v", err)
	}
	if !slices.Contains(Vendors(), "anthropic") || !slices.IsSorted(Vendors()) {
		t.Errorf("Vendors() = %v", Vendors())
	}
}
