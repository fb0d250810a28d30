// Package postcall loads prior-call context when a call connects and
// persists the call once it has ended.
//
// On connect, [Loader] fetches the caller's recent call summaries and
// renders them as a "Previous calls" block for the system prompt. On hangup,
// [Pipeline.Finish] writes a local JSON backup of the transcript and, when
// summarization is enabled, summarizes the call with the fast completion path
// and stores the result in the memory service. Nothing in this package ever
// fails a call; errors are logged and counted.
package postcall

import (
	"time"

	"github.com/MrWong99/voxline/pkg/types"
)

// Record is a finished call handed to [Pipeline.Finish].
type Record struct {
	SessionID string
	CallID    string
	CallerID  string
	StartedAt time.Time
	EndedAt   time.Time
	Turns     []types.Turn
}

// Duration returns how long the call lasted.
func (r Record) Duration() time.Duration {
	if r.EndedAt.IsZero() || r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Finals returns the final turns of the record.
func (r Record) Finals() []types.Turn { return types.FinalTurns(r.Turns) }
