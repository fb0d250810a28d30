// Package openai talks to OpenAI-compatible chat completion endpoints.
//
// voxline uses it for both completion paths. The fast path points at the
// OpenAI API with a small model. The slow path points [WithBaseURL] at an
// agent gateway such as OpenClaw (http://127.0.0.1:18789/v1), which runs
// tools behind the same wire protocol and authenticates with the gateway
// token as the API key.
//
// The HTTP request is sent before [Provider.StreamCompletion] returns, so an
// unreachable gateway fails there and the dispatcher can still answer from
// the fast path.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/voxline/pkg/provider/llm"
)

// streamBuffer holds deltas the dispatcher has not read yet. A spoken reply
// rarely runs past a few dozen deltas per sentence.
const streamBuffer = 32

// Provider is an llm.Provider for one model on one endpoint.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

// Option adjusts how [New] builds the client.
type Option func(*[]option.RequestOption)

// WithBaseURL replaces the OpenAI API root, e.g. with a gateway's /v1 URL.
func WithBaseURL(url string) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithBaseURL(url)) }
}

// WithOrganization sends the OpenAI organization id on every request.
func WithOrganization(org string) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithOrganization(org)) }
}

// WithTimeout bounds each HTTP request, including the whole of a stream.
// The dispatcher's turn timeout still applies on top.
func WithTimeout(d time.Duration) Option {
	return func(o *[]option.RequestOption) {
		if d > 0 {
			*o = append(*o, option.WithHTTPClient(&http.Client{Timeout: d}))
		}
	}
}

// WithHeader adds a fixed header to every request.
func WithHeader(key, value string) Option {
	return func(o *[]option.RequestOption) { *o = append(*o, option.WithHeader(key, value)) }
}

// New returns a Provider for model authenticated by apiKey.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: api key is required")
	case model == "":
		return nil, errors.New("openai: model is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("openai: open stream for %s: %w", p.model, err)
	}
	out := make(chan llm.Chunk, streamBuffer)
	go relay(ctx, stream, out)
	return out, nil
}

// relay copies text deltas from stream to out and closes out when the
// stream or ctx ends. A transport failure mid-reply becomes an error chunk.
func relay(ctx context.Context, stream *ssestream.Stream[oai.ChatCompletionChunk], out chan<- llm.Chunk) {
	defer close(out)
	defer stream.Close()

	send := func(c llm.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for stream.Next() {
		c, ok := toChunk(stream.Current())
		if !ok {
			continue
		}
		if !send(c) {
			return
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		send(llm.Chunk{FinishReason: llm.FinishReasonError, Text: err.Error()})
	}
}

// toChunk keeps the first choice's text and finish reason. Role-only and
// keep-alive deltas, which gateways send while tools run, carry neither.
func toChunk(c oai.ChatCompletionChunk) (llm.Chunk, bool) {
	if len(c.Choices) == 0 {
		return llm.Chunk{}, false
	}
	choice := c.Choices[0]
	if choice.Delta.Content == "" && choice.FinishReason == "" {
		return llm.Chunk{}, false
	}
	return llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}, true
}

// Complete implements llm.Provider. The post-call summarizer is its only
// caller.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: complete with %s: %w", p.model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: %s returned no choices", p.model)
	}
	return &llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// params maps req onto the SDK request. The system prompt, which carries
// the prior-call block, always leads.
func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model), Messages: messages}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

func convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case llm.RoleUser:
		return oai.UserMessage(m.Content), nil
	case llm.RoleAssistant:
		var asst oai.ChatCompletionAssistantMessageParam
		asst.Content.OfString = oai.String(m.Content)
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: role %q has no chat completion mapping", m.Role)
}
