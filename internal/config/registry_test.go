package config_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/pkg/provider/embeddings"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

func TestRegistry_Create(t *testing.T) {
	wantLLM, wantSTT, wantTTS, wantEmb := &stubLLM{}, &stubSTT{}, &stubTTS{}, &stubEmbeddings{}

	reg := config.NewRegistry()
	reg.RegisterLLM("openclaw", func(config.ProviderEntry) (llm.Provider, error) { return wantLLM, nil })
	reg.RegisterSTT("deepgram", func(config.ProviderEntry) (stt.Provider, error) { return wantSTT, nil })
	reg.RegisterTTS("elevenlabs", func(config.ProviderEntry) (tts.Provider, error) { return wantTTS, nil })
	reg.RegisterEmbeddings("openai", func(config.ProviderEntry) (embeddings.Provider, error) { return wantEmb, nil })

	tests := []struct {
		kind   string
		create func(config.ProviderEntry) (any, error)
		known  string
		want   any
	}{
		{"llm", func(e config.ProviderEntry) (any, error) { return reg.CreateLLM(e) }, "openclaw", wantLLM},
		{"stt", func(e config.ProviderEntry) (any, error) { return reg.CreateSTT(e) }, "deepgram", wantSTT},
		{"tts", func(e config.ProviderEntry) (any, error) { return reg.CreateTTS(e) }, "elevenlabs", wantTTS},
		{"embeddings", func(e config.ProviderEntry) (any, error) { return reg.CreateEmbeddings(e) }, "openai", wantEmb},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			got, err := tt.create(config.ProviderEntry{Name: tt.known})
			if err != nil {
				t.Fatalf("create %q: %v", tt.known, err)
			}
			if got != tt.want {
				t.Errorf("create %q returned %T %p, want the registered instance", tt.known, got, got)
			}

			_, err = tt.create(config.ProviderEntry{Name: "nonexistent"})
			if !errors.Is(err, config.ErrProviderNotRegistered) {
				t.Errorf("unknown name: err = %v, want ErrProviderNotRegistered", err)
			}
		})
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	factoryErr := errors.New("missing base_url")
	reg.RegisterLLM("openclaw", func(config.ProviderEntry) (llm.Provider, error) { return nil, factoryErr })

	p, err := reg.CreateLLM(config.ProviderEntry{Name: "openclaw"})
	if !errors.Is(err, factoryErr) {
		t.Fatalf("err = %v, want the factory error", err)
	}
	if errors.Is(err, config.ErrProviderNotRegistered) {
		t.Error("factory error reported as an unregistered provider")
	}
	if p != nil {
		t.Errorf("provider = %v, want nil on error", p)
	}
}

func TestRegistry_ReplaceAndList(t *testing.T) {
	reg := config.NewRegistry()
	first, second := &stubLLM{}, &stubLLM{}
	reg.RegisterLLM("openclaw", func(config.ProviderEntry) (llm.Provider, error) { return first, nil })
	reg.RegisterLLM("anthropic", func(config.ProviderEntry) (llm.Provider, error) { return first, nil })
	reg.RegisterLLM("openclaw", func(config.ProviderEntry) (llm.Provider, error) { return second, nil })

	got, err := reg.CreateLLM(config.ProviderEntry{Name: "openclaw"})
	if err != nil {
		t.Fatal(err)
	}
	if got != llm.Provider(second) {
		t.Error("re-registering a name did not replace the factory")
	}

	names := reg.Registered()
	if want := []string{"anthropic", "openclaw"}; !slices.Equal(names["llm"], want) {
		t.Errorf("llm names = %v, want %v", names["llm"], want)
	}
	for _, kind := range []string{"stt", "tts", "embeddings"} {
		if len(names[kind]) != 0 {
			t.Errorf("%s names = %v, want none", kind, names[kind])
		}
	}
}

type stubLLM struct{}

func (s *stubLLM) StreamCompletion(_ context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch, nil
}

func (s *stubLLM) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{}, nil
}

type stubSTT struct{}

func (s *stubSTT) StartStream(_ context.Context, _ stt.StreamConfig) (stt.Stream, error) {
	return nil, nil
}

type stubTTS struct{}

func (s *stubTTS) SynthesizeStream(_ context.Context, _ <-chan string, _ tts.Voice) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

type stubEmbeddings struct{}

func (s *stubEmbeddings) Embed(_ context.Context, _ string) ([]float32, error) { return nil, nil }
func (s *stubEmbeddings) Dimensions() int                                     { return 0 }
