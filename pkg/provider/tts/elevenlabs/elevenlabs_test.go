package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"testing"

	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// ---- WebSocket message construction ----

func TestBuildWSMessage_WithVoiceSettings(t *testing.T) {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	data, err := buildWSMessage("Hello there", vs)
	if err != nil {
		t.Fatalf("buildWSMessage: %v", err)
	}

	var msg textMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Text != "Hello there" {
		t.Errorf("expected text 'Hello there', got %q", msg.Text)
	}
	if msg.VoiceSettings == nil || msg.VoiceSettings.Stability != 0.5 {
		t.Fatalf("unexpected voice settings %+v", msg.VoiceSettings)
	}
}

func TestBuildWSMessage_EndOfStream(t *testing.T) {
	data, err := buildWSMessage("", nil)
	if err != nil {
		t.Fatalf("buildWSMessage: %v", err)
	}
	if string(data) != `{"text":""}` {
		t.Errorf("end-of-stream message = %s", data)
	}
}

// ---- URL construction ----

func TestBuildURLForVoice(t *testing.T) {
	raw := buildURLForVoice("voice-abc123", "eleven_flash_v2_5", "ulaw_8000")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.HasSuffix(u.Path, "/text-to-speech/voice-abc123/stream-input") {
		t.Errorf("path = %q", u.Path)
	}
	if got := u.Query().Get("output_format"); got != "ulaw_8000" {
		t.Errorf("output_format = %q, want ulaw_8000", got)
	}
	if got := u.Query().Get("model_id"); got != "eleven_flash_v2_5" {
		t.Errorf("model_id = %q", got)
	}
}

// ---- response decoding ----

func TestDecodeAudio(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	tests := []struct {
		name      string
		msg       string
		wantLen   int
		wantFinal bool
	}{
		{name: "audio", msg: `{"audio":"` + payload + `","isFinal":false}`, wantLen: 3},
		{name: "final", msg: `{"audio":"","isFinal":true}`, wantFinal: true},
		{name: "bad base64", msg: `{"audio":"%%%","isFinal":false}`},
		{name: "garbage", msg: `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			audio, final := decodeAudio([]byte(tt.msg))
			if len(audio) != tt.wantLen || final != tt.wantFinal {
				t.Errorf("decodeAudio = (%d bytes, %v), want (%d, %v)", len(audio), final, tt.wantLen, tt.wantFinal)
			}
		})
	}
}

// ---- provider construction ----

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestSynthesizeStream_RequiresVoice(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.SynthesizeStream(context.Background(), make(chan string), tts.Voice{}); err == nil {
		t.Fatal("expected error when no voice is configured")
	}
}
