package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voxline/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxline/pkg/provider/llm/mock"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxline/pkg/provider/stt/mock"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxline/pkg/provider/tts/mock"
)

func TestLLMFallback_StreamFailsOver(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errTest}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "hi"}}}

	f := NewLLMFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("secondary", secondary)

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "hi" {
		t.Errorf("text = %q, want hi", text)
	}
	if primary.StreamCallCount() != 1 || secondary.StreamCallCount() != 1 {
		t.Errorf("calls primary=%d secondary=%d, want 1/1", primary.StreamCallCount(), secondary.StreamCallCount())
	}
}

func TestLLMFallback_Complete(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errTest}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "{}"}}

	f := NewLLMFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("secondary", secondary)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "{}" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	f := NewTTSFallback(&ttsmock.Provider{SynthesizeErr: errTest}, "a", FallbackConfig{})
	f.AddFallback("b", &ttsmock.Provider{SynthesizeErr: errTest})

	_, err := f.SynthesizeStream(context.Background(), make(chan string), tts.Voice{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestSTTFallback_FailsOver(t *testing.T) {
	stream := sttmock.NewStream()
	primary := &sttmock.Provider{StartStreamErr: errTest}
	secondary := &sttmock.Provider{Stream: stream}

	f := NewSTTFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("secondary", secondary)

	got, err := f.StartStream(context.Background(), stt.StreamConfig{SampleRate: 8000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if got != stt.Stream(stream) {
		t.Error("expected the secondary's stream")
	}
	if calls := secondary.Calls(); len(calls) != 1 || calls[0].Cfg.SampleRate != 8000 {
		t.Errorf("secondary calls = %+v", calls)
	}
}

func TestFallbackAudio_CachesFrames(t *testing.T) {
	p := &ttsmock.Provider{FramesPerSentence: 3}
	fa := NewFallbackAudio(p, tts.Voice{ID: "v"})
	ctx := context.Background()

	if err := fa.Warm(ctx, "Sorry?"); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if !fa.Cached("Sorry?") {
		t.Fatal("expected cached frames after Warm")
	}
	frames, err := fa.Frames(ctx, "Sorry?")
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	if len(frames) != 3 || string(frames[0]) != "Sorry?#0" {
		t.Errorf("frames = %q", frames)
	}
	if p.CallCount() != 1 {
		t.Errorf("synthesize calls = %d, want 1", p.CallCount())
	}
	if calls := p.Calls(); calls[0].Voice.ID != "v" {
		t.Errorf("voice = %+v", calls[0].Voice)
	}
}

func TestFallbackAudio_NoAudioIsError(t *testing.T) {
	fa := NewFallbackAudio(&ttsmock.Provider{FailStream: true}, tts.Voice{})
	if _, err := fa.Frames(context.Background(), "Sorry?"); err == nil {
		t.Fatal("expected error when synthesis yields no audio")
	}
	if fa.Cached("Sorry?") {
		t.Error("failure must not be cached")
	}
}
