// Package outbound holds handoff contexts for outbound calls until the call
// connects.
//
// An external placer stores a [Context] with [Cache.Put], passes the returned
// id to the telephony provider as a stream parameter, and the call engine
// consumes it exactly once with [Cache.Take] when the media stream starts.
// Entries expire after a TTL; expiry is checked on every read so that an
// expired entry is never handed out even if the periodic [Cache.Sweep] has not
// run yet.
package outbound

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a stored context waits for its call.
const DefaultTTL = 5 * time.Minute

var (
	// ErrNotFound is returned by Take for unknown or already consumed ids.
	ErrNotFound = errors.New("outbound: context not found")

	// ErrExpired is returned by Take for an entry older than the TTL. The
	// entry is deleted by that read.
	ErrExpired = errors.New("outbound: context expired")
)

// Context is the handoff payload for one outbound call.
type Context struct {
	ID                  string    `json:"id"`
	PhoneNumber         string    `json:"phone_number"`
	ConversationExcerpt string    `json:"conversation_excerpt"`
	Topic               string    `json:"topic"`
	Intent              string    `json:"intent"`
	CreatedAt           time.Time `json:"created_at"`
}

// Prompt renders the context as a block for the system prompt.
func (c Context) Prompt() string {
	var b strings.Builder
	b.WriteString("This is an outbound call you placed.")
	if c.Topic != "" {
		b.WriteString("\nTopic: " + c.Topic)
	}
	if c.Intent != "" {
		b.WriteString("\nGoal of the call: " + c.Intent)
	}
	if c.ConversationExcerpt != "" {
		b.WriteString("\nEarlier conversation:\n" + c.ConversationExcerpt)
	}
	return b.String()
}

// Cache is a TTL store with single-consumption reads. It is safe for
// concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Context
	ttl     time.Duration
	now     func() time.Time
	newID   func() string
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the entry lifetime. Non-positive values keep DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]Context),
		ttl:     DefaultTTL,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Put stores ctx and returns its id. ID and CreatedAt are always assigned by
// the cache.
func (c *Cache) Put(ctx Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx.ID = c.newID()
	ctx.CreatedAt = c.now()
	c.entries[ctx.ID] = ctx
	return ctx.ID
}

// Take returns the entry for id and removes it. A second Take for the same id
// returns ErrNotFound.
func (c *Cache) Take(id string) (Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Context{}, ErrNotFound
	}
	delete(c.entries, id)
	if c.expired(e) {
		return Context{}, ErrExpired
	}
	return e, nil
}

// Sweep deletes expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Len reports the number of stored entries, including expired ones not yet
// swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) expired(e Context) bool {
	return c.now().Sub(e.CreatedAt) >= c.ttl
}
