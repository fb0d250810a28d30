// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// Two message dialects are understood. The v1 live endpoint reports
// voice activity with SpeechStarted, interim and final Results, and
// UtteranceEnd. The Flux conversational endpoint reports TurnInfo events with
// StartOfTurn, Update and EndOfTurn. Both are mapped onto stt events.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/pkg/provider/stt"
)

const (
	deepgramEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel       = "nova-3"
	defaultLanguage    = "en"
	defaultSampleRate  = 8000
	defaultEncoding    = "mulaw"
	defaultEndpointing = 5000 * time.Millisecond

	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "flux-general-en").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint URL. Use
// "wss://api.deepgram.com/v2/listen" for Flux turn events.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithEndpointing sets the silence duration after which Deepgram considers an
// utterance finished. It is sent as both endpointing and utterance_end_ms.
func WithEndpointing(d time.Duration) Option {
	return func(p *Provider) {
		p.endpointing = d
	}
}

// WithDialAttempts sets how many times the initial connection is attempted
// before StartStream gives up. Attempts back off exponentially from one
// second up to thirty.
func WithDialAttempts(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.dialAttempts = n
		}
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey       string
	endpoint     string
	model        string
	language     string
	endpointing  time.Duration
	dialAttempts int
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		endpoint:     deepgramEndpoint,
		model:        defaultModel,
		language:     defaultLanguage,
		endpointing:  defaultEndpointing,
		dialAttempts: 3,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming recognition session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, err := p.dial(ctx, wsURL, headers)
	if err != nil {
		return nil, err
	}

	s := &stream{
		conn:   conn,
		events: make(chan stt.Event, 64),
		audio:  make(chan []byte, 256),
		done:   make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)

	return s, nil
}

// dial connects with exponential backoff between attempts.
func (p *Provider) dial(ctx context.Context, wsURL string, headers http.Header) (*websocket.Conn, error) {
	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= p.dialAttempts; attempt++ {
		conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			HTTPHeader: headers,
		})
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == p.dialAttempts {
			break
		}
		slog.Warn("deepgram: dial failed, retrying",
			"attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("deepgram: dial: %w", ctx.Err())
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return nil, fmt.Errorf("deepgram: dial: %w", lastErr)
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = defaultEncoding
	}
	ms := strconv.FormatInt(p.endpointing.Milliseconds(), 10)

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", enc)
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("endpointing", ms)
	q.Set("utterance_end_ms", ms)
	q.Set("vad_events", "true")

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "Voxline:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// stream is a live Deepgram streaming session. It implements stt.Stream.
type stream struct {
	conn   *websocket.Conn
	events chan stt.Event
	audio  chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu  sync.Mutex
	err error
}

// SendAudio queues an audio frame for delivery to Deepgram.
func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: stream is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: stream is closed")
	}
}

// Events returns the recognition event channel.
func (s *stream) Events() <-chan stt.Event { return s.events }

// Err returns the transport failure that ended the stream, if any.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the stream.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Ask Deepgram to flush; the reply is not awaited.
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.wg.Wait()
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *stream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram and emits turn events.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	var asm assembler
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				if ctx.Err() == nil {
					s.mu.Lock()
					s.err = fmt.Errorf("deepgram: read: %w", err)
					s.mu.Unlock()
				}
			}
			return
		}

		for _, ev := range asm.handle(msg, time.Now()) {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

// ---- message parsing ----

// deepgramMessage covers the fields of every message type we consume.
// Channel is an object on Results but an index array on SpeechStarted and
// UtteranceEnd, so it is decoded lazily.
type deepgramMessage struct {
	Type        string          `json:"type"`
	IsFinal     bool            `json:"is_final"`
	SpeechFinal bool            `json:"speech_final"`
	Channel     json.RawMessage `json:"channel"`

	// Flux TurnInfo fields.
	Event               string  `json:"event"`
	Transcript          string  `json:"transcript"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`

	// Error fields.
	Description string `json:"description"`
	Message     string `json:"message"`
}

type resultsChannel struct {
	Alternatives []struct {
		Transcript string  `json:"transcript"`
		Confidence float64 `json:"confidence"`
	} `json:"alternatives"`
}

// assembler turns a sequence of raw Deepgram messages into turn events. v1
// Results arrive as finalized segments that together form an utterance; the
// assembler concatenates them until speech_final or UtteranceEnd. It is
// owned by a single read loop.
type assembler struct {
	segments   []string
	confidence float64
}

func (a *assembler) text() string {
	return strings.Join(a.segments, " ")
}

func (a *assembler) flush(at time.Time) []stt.Event {
	if len(a.segments) == 0 {
		return nil
	}
	ev := stt.Event{Kind: stt.EventFinal, Text: a.text(), Confidence: a.confidence, At: at}
	a.segments = a.segments[:0]
	a.confidence = 0
	return []stt.Event{ev}
}

// handle parses one message and returns the events it produces, possibly none.
func (a *assembler) handle(data []byte, at time.Time) []stt.Event {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("deepgram: ignoring malformed message", "error", err)
		return nil
	}

	switch msg.Type {
	case "SpeechStarted":
		return []stt.Event{{Kind: stt.EventStartOfTurn, At: at}}

	case "UtteranceEnd":
		return a.flush(at)

	case "Results":
		var ch resultsChannel
		if err := json.Unmarshal(msg.Channel, &ch); err != nil {
			slog.Debug("deepgram: ignoring results without a channel object", "error", err)
			return nil
		}
		if len(ch.Alternatives) == 0 {
			return nil
		}
		alt := ch.Alternatives[0]
		transcript := strings.TrimSpace(alt.Transcript)
		if msg.IsFinal {
			if transcript != "" {
				a.segments = append(a.segments, transcript)
				a.confidence = alt.Confidence
			}
			if msg.SpeechFinal {
				return a.flush(at)
			}
			return nil
		}
		if transcript == "" {
			return nil
		}
		partial := transcript
		if len(a.segments) > 0 {
			partial = a.text() + " " + transcript
		}
		return []stt.Event{{Kind: stt.EventPartial, Text: partial, Confidence: alt.Confidence, At: at}}

	case "TurnInfo":
		transcript := strings.TrimSpace(msg.Transcript)
		switch msg.Event {
		case "StartOfTurn":
			return []stt.Event{{Kind: stt.EventStartOfTurn, At: at}}
		case "Update":
			if transcript == "" {
				return nil
			}
			return []stt.Event{{Kind: stt.EventPartial, Text: transcript, At: at}}
		case "EndOfTurn":
			return []stt.Event{{Kind: stt.EventFinal, Text: transcript, Confidence: msg.EndOfTurnConfidence, At: at}}
		}
		return nil

	case "Error":
		slog.Warn("deepgram: error message", "description", msg.Description, "message", msg.Message)
		return nil
	}
	return nil
}
