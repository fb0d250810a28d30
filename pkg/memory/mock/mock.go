// Package mock provides an in-memory test double for [memory.Service].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. Unless QueryResult is set it
// behaves like a tiny document store: created documents are returned by later
// queries that name one of their tags (newest first) or a substring of their
// content.
//
// Typical usage:
//
//	svc := &mock.Service{}
//	// inject svc into the system under test …
//	if got := svc.CallCount("Create"); got != 1 {
//	    t.Errorf("expected 1 Create call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Service is a configurable test double for [memory.Service].
type Service struct {
	mu sync.Mutex

	calls []Call
	docs  []memory.Document

	// QueryResult, when non-nil, is returned by Query instead of the stored
	// documents.
	QueryResult []memory.Document

	// QueryErr is returned by Query when non-nil.
	QueryErr error

	// CreateErr is returned by Create when non-nil.
	CreateErr error

	// PingErr is returned by Ping.
	PingErr error
}

// Query records the call and returns matching documents.
func (m *Service) Query(_ context.Context, text string, limit int) ([]memory.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Query", Args: []any{text, limit}})
	if m.QueryErr != nil {
		return nil, m.QueryErr
	}
	if m.QueryResult != nil {
		return m.QueryResult, nil
	}

	out := []memory.Document{}
	for i := len(m.docs) - 1; i >= 0 && len(out) < limit; i-- {
		d := m.docs[i]
		if d.HasTag(text) || strings.Contains(d.Content, text) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Create records the call and stores the document.
func (m *Service) Create(_ context.Context, title, content string, tags []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Create", Args: []any{title, content, append([]string(nil), tags...)}})
	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	id := fmt.Sprintf("doc-%d", len(m.docs)+1)
	m.docs = append(m.docs, memory.Document{
		ID:        id,
		Title:     title,
		Content:   content,
		Tags:      append([]string(nil), tags...),
		CreatedAt: time.Now(),
	})
	return id, nil
}

// Ping records the call and returns PingErr.
func (m *Service) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Ping"})
	return m.PingErr
}

// Documents returns a copy of every stored document in creation order.
func (m *Service) Documents() []memory.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.Document, len(m.docs))
	copy(out, m.docs)
	return out
}

// Calls returns a copy of all recorded method invocations.
func (m *Service) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Service) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and stored documents.
func (m *Service) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.docs = nil
}

var (
	_ memory.Service = (*Service)(nil)
	_ memory.Pinger  = (*Service)(nil)
)
