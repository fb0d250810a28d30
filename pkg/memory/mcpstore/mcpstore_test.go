package mcpstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/voxline/pkg/memory"
)

type searchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type createArgs struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

// fakeMemoryServer is an in-process MCP server holding documents in memory.
type fakeMemoryServer struct {
	mu   sync.Mutex
	docs []wireDocument
}

func (f *fakeMemoryServer) search(_ context.Context, _ *mcpsdk.CallToolRequest, in searchArgs) (*mcpsdk.CallToolResult, any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wireDocument
	for i := len(f.docs) - 1; i >= 0; i-- {
		d := f.docs[i]
		match := strings.Contains(d.Content, in.Query)
		for _, tag := range d.Tags {
			match = match || tag == in.Query
		}
		if match {
			out = append(out, d)
		}
	}
	b, _ := json.Marshal(map[string]any{"results": out})
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(b)}}}, nil, nil
}

func (f *fakeMemoryServer) create(_ context.Context, _ *mcpsdk.CallToolRequest, in createArgs) (*mcpsdk.CallToolResult, any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("doc-%d", len(f.docs)+1)
	f.docs = append(f.docs, wireDocument{ID: id, Title: in.Title, Content: in.Content, Tags: in.Tags})
	b, _ := json.Marshal(map[string]string{"id": id})
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(b)}}}, nil, nil
}

// connectFake wires a Store to an in-memory server registering the given tools.
func connectFake(t *testing.T, withCreate bool) (*Store, *fakeMemoryServer, error) {
	t.Helper()
	ctx := context.Background()
	fake := &fakeMemoryServer{}

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "fake-memory", Version: "0.0.1"}, nil)
	mcpsdk.AddTool(server, &mcpsdk.Tool{Name: DefaultSearchTool, Description: "search documents"}, fake.search)
	if withCreate {
		mcpsdk.AddTool(server, &mcpsdk.Tool{Name: DefaultCreateTool, Description: "create a document"}, fake.create)
	}

	serverT, clientT := mcpsdk.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverT, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	store, err := Connect(ctx, clientT)
	if store != nil {
		t.Cleanup(func() { _ = store.Close() })
	}
	return store, fake, err
}

func TestStore_CreateAndQuery(t *testing.T) {
	store, fake, err := connectFake(t, true)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ctx := context.Background()

	tags := []string{memory.TagCallSummary, memory.CallerTag("+15551234")}
	for i := 1; i <= 4; i++ {
		id, err := store.Create(ctx, fmt.Sprintf("call %d", i), fmt.Sprintf("summary %d", i), tags)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if want := fmt.Sprintf("doc-%d", i); id != want {
			t.Errorf("id = %q, want %q", id, want)
		}
	}

	docs, err := store.Query(ctx, memory.CallerTag("+15551234"), 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("got %d docs, want 3", len(docs))
	}
	if docs[0].Title != "call 4" {
		t.Errorf("first doc = %q, want %q", docs[0].Title, "call 4")
	}
	if !docs[0].HasTag(memory.TagCallSummary) {
		t.Errorf("tags = %v, want call-summary", docs[0].Tags)
	}
	if len(fake.docs) != 4 {
		t.Errorf("server holds %d docs, want 4", len(fake.docs))
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestConnect_MissingTool(t *testing.T) {
	if _, _, err := connectFake(t, false); err == nil {
		t.Fatal("expected error when create tool is missing")
	}
}

func TestDecodeDocuments(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{name: "array", raw: `[{"id":"1","title":"a","snippet":"s"}]`, want: 1},
		{name: "envelope", raw: `{"results":[{"id":"1"},{"id":"2"}]}`, want: 2},
		{name: "empty", raw: ``, want: 0},
		{name: "null", raw: `null`, want: 0},
		{name: "garbage", raw: `nope`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := decodeDocuments(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(docs) != tt.want {
				t.Errorf("got %d docs, want %d", len(docs), tt.want)
			}
		})
	}

	docs, _ := decodeDocuments(`[{"id":"1","snippet":"from snippet"}]`)
	if docs[0].Content != "from snippet" {
		t.Errorf("snippet fallback: content = %q", docs[0].Content)
	}
}

func TestDecodeID(t *testing.T) {
	if id, err := decodeID(`{"id":"abc"}`); err != nil || id != "abc" {
		t.Errorf("decodeID(json) = %q, %v", id, err)
	}
	if id, err := decodeID(" plain-id \n"); err != nil || id != "plain-id" {
		t.Errorf("decodeID(plain) = %q, %v", id, err)
	}
	if _, err := decodeID(`{}`); err == nil {
		t.Error("expected error for missing id")
	}
}
