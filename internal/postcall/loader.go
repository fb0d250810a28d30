package postcall

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/memory"
)

// DefaultContextLimit is how many prior summaries [Loader] fetches.
const DefaultContextLimit = 3

// previousCallsHeader opens the rendered block.
const previousCallsHeader = "Previous calls with this caller, most recent first:"

// Loader fetches prior-call context for a caller.
type Loader struct {
	svc   memory.Service
	limit int
}

// NewLoader creates a Loader. A nil svc yields a Loader that always returns
// "". Non-positive limits use [DefaultContextLimit].
func NewLoader(svc memory.Service, limit int) *Loader {
	if limit <= 0 {
		limit = DefaultContextLimit
	}
	return &Loader{svc: svc, limit: limit}
}

// Load returns the formatted "Previous calls" block for callerID, or "" when
// there is nothing to say. Query errors are logged and yield "".
func (l *Loader) Load(ctx context.Context, callerID string) string {
	if l == nil {
		return ""
	}
	return l.LoadLimit(ctx, callerID, l.limit)
}

// LoadLimit is [Loader.Load] with an explicit limit.
func (l *Loader) LoadLimit(ctx context.Context, callerID string, limit int) string {
	if l == nil || l.svc == nil || callerID == "" || limit <= 0 {
		return ""
	}
	tag := memory.CallerTag(callerID)
	docs, err := l.svc.Query(ctx, tag, limit)
	if err != nil {
		observe.Logger(ctx).Error("prior call context query failed", "caller_id", callerID, "err", err)
		return ""
	}
	// Query is a relevance search; only documents tagged for this caller count.
	own := docs[:0:0]
	for _, d := range docs {
		if d.HasTag(tag) {
			own = append(own, d)
		}
	}
	if len(own) > limit {
		own = own[:limit]
	}
	return FormatPreviousCalls(own)
}

// FormatPreviousCalls renders docs as a system prompt block. It returns ""
// for no documents.
func FormatPreviousCalls(docs []memory.Document) string {
	if len(docs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(previousCallsHeader)
	for _, d := range docs {
		sb.WriteString("\n\n- ")
		title := strings.TrimSpace(d.Title)
		if title == "" {
			title = "Call"
		}
		sb.WriteString(title)
		if !d.CreatedAt.IsZero() {
			fmt.Fprintf(&sb, " (%s)", d.CreatedAt.UTC().Format("2006-01-02"))
		}
		if content := strings.TrimSpace(d.Content); content != "" {
			sb.WriteString("\n")
			sb.WriteString(content)
		}
	}
	return sb.String()
}
