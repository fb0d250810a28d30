// Package types defines the transcript types shared by the call engine and
// the post-call pipeline.
//
// The call engine appends [Turn] values while a call is live; the post-call
// pipeline reads them back once the call has ended. Keeping them here lets
// both sides agree on one shape without importing each other.
package types

import "time"

// Speaker identifies who produced a [Turn].
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// Turn is one utterance in a call transcript.
type Turn struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	IsFinal   bool      `json:"is_final"`
	Timestamp time.Time `json:"timestamp"`

	// Interrupted marks an agent turn the caller talked over. Text then
	// holds only what had reached synthesis before the cut.
	Interrupted bool `json:"interrupted,omitempty"`
}

// FinalTurns returns the final turns of turns in their original order.
func FinalTurns(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.IsFinal {
			out = append(out, t)
		}
	}
	return out
}
