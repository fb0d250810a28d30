// Package mock provides a test double for the tts.Provider interface.
//
// For every text fragment it receives the mock emits FramesPerSentence audio
// frames whose bytes spell "<fragment>#<index>", so tests can attribute each
// frame a telephony leg received to the sentence that produced it. A
// FrameDelay paces emission to make mid-reply interruption observable.
//
// Example:
//
//	p := &mock.Provider{FramesPerSentence: 3, FrameDelay: 10 * time.Millisecond}
//	ch, _ := p.SynthesizeStream(ctx, textCh, tts.Voice{})
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Voice is the Voice passed to SynthesizeStream.
	Voice tts.Voice
	// Texts are the fragments read from the text channel, in order.
	Texts []string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// FramesPerSentence is how many frames are emitted per fragment.
	// Zero means 2.
	FramesPerSentence int

	// FrameDelay is slept before each frame.
	FrameDelay time.Duration

	// SynthesizeErr, if non-nil, is returned by SynthesizeStream.
	SynthesizeErr error

	// FailStream makes every stream close without emitting audio, which
	// signals a mid-stream synthesis failure.
	FailStream bool

	// --- Call records ---

	calls []*SynthesizeStreamCall
}

// SynthesizeStream records the call and emits frames for each fragment.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	p.mu.Lock()
	call := &SynthesizeStreamCall{Voice: voice}
	p.calls = append(p.calls, call)
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	frames := p.FramesPerSentence
	if frames <= 0 {
		frames = 2
	}
	delay := p.FrameDelay
	fail := p.FailStream
	p.mu.Unlock()

	ch := make(chan []byte)
	go func() {
		defer close(ch)
		for {
			var sentence string
			select {
			case s, ok := <-text:
				if !ok {
					return
				}
				sentence = s
			case <-ctx.Done():
				return
			}
			p.mu.Lock()
			call.Texts = append(call.Texts, sentence)
			p.mu.Unlock()
			if fail {
				return
			}
			for i := 0; i < frames; i++ {
				if delay > 0 {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						return
					}
				}
				select {
				case ch <- []byte(fmt.Sprintf("%s#%d", sentence, i)):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// Calls returns a snapshot of recorded calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeStreamCall, len(p.calls))
	for i, c := range p.calls {
		out[i] = SynthesizeStreamCall{Voice: c.Voice, Texts: append([]string(nil), c.Texts...)}
	}
	return out
}

// CallCount returns the number of SynthesizeStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Texts returns every fragment received across all calls, in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.calls {
		out = append(out, c.Texts...)
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
