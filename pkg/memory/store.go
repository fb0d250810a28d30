// Package memory defines the query/store capability voxline uses for prior-call
// context retrieval and call summary persistence.
//
// Documents are short structured texts (call summaries, notes) labelled with
// free-form tags. The post-call pipeline writes one document per finished call
// tagged "call-summary" and "caller:<id>", and reads them back on the next
// connect by querying for the caller tag.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// Tags written on call summary documents.
const (
	TagCallSummary  = "call-summary"
	callerTagPrefix = "caller:"
)

// CallerTag returns the tag that scopes documents to one caller.
func CallerTag(callerID string) string { return callerTagPrefix + callerID }

// Document is one stored memory entry.
type Document struct {
	// ID is assigned by the backend on Create.
	ID string

	// Title is a short human-readable label.
	Title string

	// Content holds the document body, or a snippet of it for search results.
	Content string

	// Tags are exact-match labels such as "call-summary" or "caller:+15551234".
	Tags []string

	// CreatedAt is when the document was stored. Zero when the backend does
	// not report it.
	CreatedAt time.Time
}

// HasTag reports whether d carries tag.
func (d Document) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Service is the memory/search collaborator.
type Service interface {
	// Query returns at most limit documents relevant to text, best match first.
	// A query equal to one of a document's tags matches that document exactly;
	// among exact tag matches the most recent come first. An empty result is
	// not an error.
	Query(ctx context.Context, text string, limit int) ([]Document, error)

	// Create stores a new document and returns its id.
	Create(ctx context.Context, title, content string, tags []string) (string, error)
}

// Pinger is implemented by services that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
