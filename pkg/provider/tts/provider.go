// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service and presents a uniform
// streaming interface. SynthesizeStream accepts a channel of text fragments
// (normally whole sentences) and returns a channel of raw audio frames as they
// become available, so that synthesis of the first sentence can start while
// the language model is still producing the rest of the reply.
//
// Audio is returned in the encoding the provider was configured for; the call
// engine configures every provider for 8 kHz mu-law telephony audio.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice selects the synthesis voice.
type Voice struct {
	// ID is the provider-specific voice identifier. For Deepgram Aura this is
	// the model name (e.g., "aura-2-thalia-en"). Empty uses the provider
	// default.
	ID string

	// Name is the human-readable voice name, used in logs.
	Name string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits audio frames as they are synthesised.
	//
	// The returned audio channel is closed by the implementation when all
	// text has been synthesised, when synthesis fails, or when ctx is
	// cancelled. The caller must drain the audio channel or cancel ctx.
	// A stream that closes without emitting any audio for non-empty text
	// indicates a synthesis failure.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice Voice) (<-chan []byte, error)
}
