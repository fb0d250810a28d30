// Package anyllm runs the fast completion path, and the post-call
// summarizer, on any vendor github.com/mozilla-ai/any-llm-go supports.
//
//	p, err := anyllm.New("anthropic", "claude-haiku-4-5", anyllmlib.WithAPIKey("sk-ant-..."))
//	p, err := anyllm.New("ollama", "llama3.2")
//
// any-llm-go reports a failed request on its error channel only after the
// chunk channel drains. [Provider.StreamCompletion] waits for the first
// chunk so that such failures come back as its error return, like every
// other llm.Provider.
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/voxline/pkg/provider/llm"
)

type backendFunc func(...anyllmlib.Option) (anyllmlib.Provider, error)

func wrap[P anyllmlib.Provider](fn func(...anyllmlib.Option) (P, error)) backendFunc {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return fn(opts...) }
}

var backends = map[string]backendFunc{
	"openai":    wrap(anyllmoai.New),
	"anthropic": wrap(anthropic.New),
	"gemini":    wrap(gemini.New),
	"ollama":    wrap(ollama.New),
	"deepseek":  wrap(deepseek.New),
	"mistral":   wrap(mistral.New),
	"groq":      wrap(groq.New),
	"llamacpp":  wrap(llamacpp.New),
	"llamafile": wrap(llamafile.New),
}

// Vendors returns the vendor names [New] accepts, sorted.
func Vendors() []string { return slices.Sorted(maps.Keys(backends)) }

// Provider is an llm.Provider for one model of one vendor.
type Provider struct {
	backend anyllmlib.Provider
	vendor  string
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New returns a Provider for model on vendor, one of [Vendors]. Without
// [anyllmlib.WithAPIKey] the vendor's usual environment variable is used.
func New(vendor, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("anyllm: model is required")
	}
	vendor = strings.ToLower(vendor)
	newBackend, ok := backends[vendor]
	if !ok {
		return nil, fmt.Errorf("anyllm: unknown vendor %q (have %s)", vendor, strings.Join(Vendors(), ", "))
	}
	backend, err := newBackend(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", vendor, err)
	}
	return &Provider{backend: backend, vendor: vendor, model: model}, nil
}

// StreamCompletion implements llm.Provider. It returns once the vendor has
// produced its first chunk or failed.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	chunks, errs := p.backend.CompletionStream(ctx, p.params(req))

	var first anyllmlib.ChatCompletionChunk
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c, ok := <-chunks:
		if !ok {
			if err := <-errs; err != nil {
				return nil, fmt.Errorf("anyllm: open %s stream: %w", p.vendor, err)
			}
			out := make(chan llm.Chunk)
			close(out)
			return out, nil
		}
		first = c
	}

	out := make(chan llm.Chunk, 32)
	go func() {
		defer close(out)
		send := func(c anyllmlib.ChatCompletionChunk) bool {
			chunk, ok := toChunk(c)
			if !ok {
				return true
			}
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send(first) {
			return
		}
		for c := range chunks {
			if !send(c) {
				return
			}
		}
		if err := <-errs; err != nil && ctx.Err() == nil {
			select {
			case out <- llm.Chunk{FinishReason: llm.FinishReasonError, Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func toChunk(c anyllmlib.ChatCompletionChunk) (llm.Chunk, bool) {
	if len(c.Choices) == 0 {
		return llm.Chunk{}, false
	}
	choice := c.Choices[0]
	if choice.Delta.Content == "" && choice.FinishReason == "" {
		return llm.Chunk{}, false
	}
	return llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}, true
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s completion: %w", p.vendor, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s returned no choices", p.vendor)
	}
	out := &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// params leads with the system prompt. Roles map one to one.
func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{Role: m.Role, Content: m.Content, Name: m.Name})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: messages}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params
}
