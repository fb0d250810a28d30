// Package telephony defines the media leg abstraction for a live phone call.
//
// A [Leg] is one bidirectional audio stream between the telephony provider and
// voxline. Inbound frames are raw 8 kHz mu-law audio as delivered by the
// provider; outbound frames use the same encoding. The leg also exposes the
// two control operations the call engine needs for barge-in: discarding audio
// the provider has buffered but not yet played ([Leg.Clear]) and placing
// playback markers ([Leg.Mark]) that are echoed back once reached.
//
// Implementations must be safe for concurrent use: audio ingress, egress and
// control messages are driven from different goroutines.
package telephony

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

// ErrLegClosed is returned by send operations after the leg has closed.
var ErrLegClosed = errors.New("telephony: leg closed")

// CallInfo describes the call a leg belongs to. It is available once the
// provider has sent its stream start message.
type CallInfo struct {
	// CallID is the provider's call identifier (Twilio CallSid).
	CallID string

	// StreamID identifies the media stream within the call (Twilio StreamSid).
	StreamID string

	// From is the remote party as reported by the provider. May be empty.
	From string

	// To is the dialled number. May be empty.
	To string

	// Params holds provider custom parameters attached to the stream, such
	// as an outbound context id.
	Params map[string]string
}

// Param returns the custom parameter with the given key, or "".
func (c CallInfo) Param(key string) string {
	if c.Params == nil {
		return ""
	}
	return c.Params[key]
}

// CallerID returns the best available caller identifier: the From number
// when known, otherwise the call id.
func (c CallInfo) CallerID() string {
	if id := NormalizeCallerID(c.From); id != "" {
		return id
	}
	return NormalizeCallerID(c.CallID)
}

// Leg is one live telephony media stream.
type Leg interface {
	// Start blocks until the provider has announced the stream and returns
	// its [CallInfo]. It must be called exactly once, before Audio.
	Start(ctx context.Context) (CallInfo, error)

	// Audio returns the channel of inbound caller audio frames. The channel
	// is closed when the leg ends; Err reports why.
	Audio() <-chan []byte

	// Marks returns the channel of playback marker names echoed by the
	// provider once the audio preceding them has been played.
	Marks() <-chan string

	// SendAudio queues one outbound audio frame for playback.
	SendAudio(ctx context.Context, frame []byte) error

	// Clear discards all outbound audio the provider has buffered but not
	// yet played.
	Clear(ctx context.Context) error

	// Mark places a named playback marker after the audio sent so far.
	Mark(ctx context.Context, name string) error

	// Err returns the reason the leg ended, or nil for an orderly hangup.
	Err() error

	// Close tears the leg down. Safe to call more than once.
	Close() error
}

// NormalizeCallerID reduces a phone number or provider id to a canonical
// form: whitespace and punctuation are removed, a leading "+" is kept.
// Non-numeric ids (e.g. conversation ids) keep their letters and digits.
func NormalizeCallerID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(raw))
	for i, r := range raw {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case unicode.IsDigit(r), unicode.IsLetter(r):
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "+" {
		return ""
	}
	return out
}
