package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/pkg/provider/tts"
)

func TestBuildURL(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := p.buildURL("aura-2-luna-en")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()
	for k, want := range map[string]string{
		"model":       "aura-2-luna-en",
		"encoding":    "mulaw",
		"sample_rate": "8000",
		"container":   "none",
	} {
		if got := q.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if u.Path != "/v1/speak" {
		t.Errorf("path = %q, want /v1/speak", u.Path)
	}
}

func TestSynthesizeStream_FramesEachSentence(t *testing.T) {
	var (
		mu     sync.Mutex
		texts  []string
		models []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var body speakRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		texts = append(texts, body.Text)
		models = append(models, r.URL.Query().Get("model"))
		mu.Unlock()
		// 1.5 frames of audio per request.
		_, _ = w.Write(bytes.Repeat([]byte{0x7f}, frameSize+frameSize/2))
	}))
	defer srv.Close()

	p, err := New("key", WithEndpoint(srv.URL+"/v1/speak"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	textCh := make(chan string, 3)
	textCh <- "Hello there."
	textCh <- "   "
	textCh <- "How can I help?"
	close(textCh)

	audioCh, err := p.SynthesizeStream(ctx, textCh, tts.Voice{ID: "aura-2-orion-en"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	var sizes []int
	for frame := range audioCh {
		sizes = append(sizes, len(frame))
	}

	want := []int{frameSize, frameSize / 2, frameSize, frameSize / 2}
	if len(sizes) != len(want) {
		t.Fatalf("frame sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("frame[%d] = %d bytes, want %d", i, sizes[i], want[i])
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(texts) != 2 || texts[0] != "Hello there." || texts[1] != "How can I help?" {
		t.Errorf("texts = %q", texts)
	}
	for _, m := range models {
		if m != "aura-2-orion-en" {
			t.Errorf("model = %q, want voice id", m)
		}
	}
}

func TestSynthesizeStream_ErrorClosesWithoutAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, _ := New("key", WithEndpoint(srv.URL))

	textCh := make(chan string, 1)
	textCh <- "Hello."
	close(textCh)

	audioCh, err := p.SynthesizeStream(context.Background(), textCh, tts.Voice{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	n := 0
	for range audioCh {
		n++
	}
	if n != 0 {
		t.Errorf("got %d frames, want 0", n)
	}
}

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}
