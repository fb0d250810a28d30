package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// FallbackAudio caches the synthesized frames of short fixed utterances, such
// as the "didn't catch that" reply, so they can be played without a synthesis
// round trip when a reply fails.
type FallbackAudio struct {
	provider tts.Provider
	voice    tts.Voice

	mu     sync.Mutex
	frames map[string][][]byte
}

// NewFallbackAudio creates an empty cache that synthesizes with provider.
func NewFallbackAudio(provider tts.Provider, voice tts.Voice) *FallbackAudio {
	return &FallbackAudio{provider: provider, voice: voice, frames: make(map[string][][]byte)}
}

// Frames returns the cached frames for text, synthesizing them on first use.
// Concurrent first calls may synthesize twice; the last result wins.
func (f *FallbackAudio) Frames(ctx context.Context, text string) ([][]byte, error) {
	f.mu.Lock()
	cached, ok := f.frames[text]
	f.mu.Unlock()
	if ok {
		return cached, nil
	}

	frames, err := f.synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.frames[text] = frames
	f.mu.Unlock()
	return frames, nil
}

// Warm synthesizes every text ahead of the first call.
func (f *FallbackAudio) Warm(ctx context.Context, texts ...string) error {
	var errs []error
	for _, t := range texts {
		if _, err := f.Frames(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Cached reports whether text has cached frames.
func (f *FallbackAudio) Cached(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.frames[text]
	return ok
}

func (f *FallbackAudio) synthesize(ctx context.Context, text string) ([][]byte, error) {
	in := make(chan string, 1)
	in <- text
	close(in)

	audio, err := f.provider.SynthesizeStream(ctx, in, f.voice)
	if err != nil {
		return nil, fmt.Errorf("fallback audio: synthesize: %w", err)
	}
	var frames [][]byte
	for frame := range audio {
		frames = append(frames, frame)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fallback audio: synthesize: %w", err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("fallback audio: no audio for %q", text)
	}
	return frames, nil
}
