// Package stt defines the Provider interface for streaming speech recognition.
//
// An STT provider wraps a real-time recognition service and exposes a uniform
// streaming interface. Once opened, a [Stream] accepts raw audio frames and
// emits a single ordered sequence of turn [Event] values: start-of-turn when
// the caller begins speaking, provisional partial transcripts, and one final
// transcript when the provider decides the utterance is complete.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"time"
)

// EventKind classifies a recognition event.
type EventKind int

const (
	// EventStartOfTurn signals that the caller has started speaking.
	EventStartOfTurn EventKind = iota + 1

	// EventPartial carries a provisional transcript of the current utterance.
	// Partials are superseded by later partials and by the final transcript.
	EventPartial

	// EventFinal carries the authoritative transcript of a completed
	// utterance. Text may be empty when the provider detected speech but
	// could not recognise any words.
	EventFinal
)

// String returns the event kind name used in logs.
func (k EventKind) String() string {
	switch k {
	case EventStartOfTurn:
		return "start-of-turn"
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Event is one recognition event.
type Event struct {
	Kind EventKind

	// Text is the transcript for partial and final events.
	Text string

	// Confidence is the provider's confidence score (0.0–1.0), or zero when
	// not reported.
	Confidence float64

	// At is when the event was received.
	At time.Time
}

// KeywordBoost is a vocabulary hint that raises recognition probability of an
// uncommon word, such as a company or product name.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

// StreamConfig describes the audio format and recognition hints for a new
// stream.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Telephony audio is 8000.
	SampleRate int

	// Channels is the number of audio channels. Telephony audio is mono.
	Channels int

	// Encoding is the audio encoding name (e.g., "mulaw", "linear16").
	Encoding string

	// Language is the BCP-47 language tag. Empty uses the provider default.
	Language string

	// Keywords are vocabulary hints. Providers that do not support them
	// ignore the field.
	Keywords []KeywordBoost
}

// Stream is an open recognition stream.
//
// Callers must call Close when the stream is no longer needed.
type Stream interface {
	// SendAudio delivers one audio frame. Calling SendAudio after Close
	// returns an error.
	SendAudio(chunk []byte) error

	// Events returns the channel of recognition events. It is closed when the
	// stream ends; Err reports whether it ended because of a failure.
	Events() <-chan Event

	// Err returns the transport error that ended the stream, or nil if the
	// stream is still open or was closed by the caller.
	Err() error

	// Close terminates the stream. Safe to call more than once.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new recognition stream. The returned Stream is
	// ready to accept audio immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}
