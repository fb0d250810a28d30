// Package mcpstore implements [memory.Service] on top of an MCP server that
// exposes document search and creation tools.
//
// The server is expected to offer two tools (names configurable):
//
//   - search: arguments {"query": string, "limit": int}; result text is a JSON
//     array of documents, or an object with a "results" array.
//   - create_document: arguments {"title", "content", "tags"}; result text is
//     a JSON object with an "id" field, or the bare id.
package mcpstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/voxline/pkg/memory"
)

var (
	_ memory.Service = (*Store)(nil)
	_ memory.Pinger  = (*Store)(nil)
)

// Default tool names.
const (
	DefaultSearchTool = "search"
	DefaultCreateTool = "create_document"
)

// Store is an MCP-backed memory service.
type Store struct {
	session    *mcpsdk.ClientSession
	searchTool string
	createTool string
}

// Option configures a Store.
type Option func(*Store)

// WithSearchTool overrides the name of the search tool.
func WithSearchTool(name string) Option {
	return func(s *Store) { s.searchTool = name }
}

// WithCreateTool overrides the name of the document creation tool.
func WithCreateTool(name string) Option {
	return func(s *Store) { s.createTool = name }
}

// Dial connects to a streamable-HTTP MCP server at endpoint.
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Store, error) {
	if endpoint == "" {
		return nil, errors.New("mcpstore: endpoint must not be empty")
	}
	return Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: endpoint}, opts...)
}

// Connect opens an MCP client session over transport and verifies that the
// required tools are offered.
func Connect(ctx context.Context, transport mcpsdk.Transport, opts ...Option) (*Store, error) {
	s := &Store{searchTool: DefaultSearchTool, createTool: DefaultCreateTool}
	for _, o := range opts {
		o(s)
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "voxline-memory", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpstore: connect: %w", err)
	}

	found := map[string]bool{}
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("mcpstore: list tools: %w", err)
		}
		found[tool.Name] = true
	}
	for _, name := range []string{s.searchTool, s.createTool} {
		if !found[name] {
			_ = session.Close()
			return nil, fmt.Errorf("mcpstore: server does not offer tool %q", name)
		}
	}

	s.session = session
	return s, nil
}

type wireDocument struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Snippet   string    `json:"snippet"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// Query implements [memory.Service].
func (s *Store) Query(ctx context.Context, text string, limit int) ([]memory.Document, error) {
	if strings.TrimSpace(text) == "" || limit <= 0 {
		return []memory.Document{}, nil
	}
	out, err := s.call(ctx, s.searchTool, map[string]any{"query": text, "limit": limit})
	if err != nil {
		return nil, err
	}
	docs, err := decodeDocuments(out)
	if err != nil {
		return nil, fmt.Errorf("mcpstore: decode search result: %w", err)
	}
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// Create implements [memory.Service].
func (s *Store) Create(ctx context.Context, title, content string, tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	out, err := s.call(ctx, s.createTool, map[string]any{
		"title":   title,
		"content": content,
		"tags":    tags,
	})
	if err != nil {
		return "", err
	}
	return decodeID(out)
}

// Ping implements [memory.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.session.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mcpstore: ping: %w", err)
	}
	return nil
}

// Close ends the MCP session.
func (s *Store) Close() error {
	return s.session.Close()
}

func (s *Store) call(ctx context.Context, tool string, args map[string]any) (string, error) {
	res, err := s.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("mcpstore: call %s: %w", tool, err)
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("mcpstore: tool %s failed: %s", tool, sb.String())
	}
	return sb.String(), nil
}

func decodeDocuments(raw string) ([]memory.Document, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return []memory.Document{}, nil
	}
	var wire []wireDocument
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &wire); err != nil {
			return nil, err
		}
	} else {
		var env struct {
			Results []wireDocument `json:"results"`
		}
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, err
		}
		wire = env.Results
	}

	docs := make([]memory.Document, 0, len(wire))
	for _, w := range wire {
		content := w.Content
		if content == "" {
			content = w.Snippet
		}
		docs = append(docs, memory.Document{
			ID:        w.ID,
			Title:     w.Title,
			Content:   content,
			Tags:      w.Tags,
			CreatedAt: w.CreatedAt,
		})
	}
	return docs, nil
}

func decodeID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var v struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return "", fmt.Errorf("mcpstore: decode create result: %w", err)
		}
		raw = v.ID
	}
	if raw == "" {
		return "", errors.New("mcpstore: create returned no id")
	}
	return raw, nil
}
