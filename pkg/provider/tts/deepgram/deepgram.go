// Package deepgram provides a Deepgram Aura TTS provider. It implements the
// tts.Provider interface.
//
// Aura has no bidirectional streaming input; each text fragment is sent as its
// own POST /v1/speak request and the response body is streamed back in
// fixed-size frames as it arrives. Cancelling the context aborts the request
// in flight.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/voxline/pkg/provider/tts"
)

const (
	speakEndpoint     = "https://api.deepgram.com/v1/speak"
	defaultModel      = "aura-2-thalia-en"
	defaultEncoding   = "mulaw"
	defaultSampleRate = 8000
	defaultContainer  = "none"

	// frameSize is 80 ms of 8 kHz mu-law audio.
	frameSize = 640
)

// Option is a functional option for configuring the Aura Provider.
type Option func(*Provider)

// WithModel sets the default Aura voice model.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint overrides the speak endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithEncoding sets the output encoding and sample rate.
func WithEncoding(encoding string, sampleRate int) Option {
	return func(p *Provider) {
		p.encoding = encoding
		p.sampleRate = sampleRate
	}
}

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by Deepgram Aura.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	encoding   string
	sampleRate int
	httpClient *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new Aura Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram tts: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   speakEndpoint,
		model:      defaultModel,
		encoding:   defaultEncoding,
		sampleRate: defaultSampleRate,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type speakRequest struct {
	Text string `json:"text"`
}

// SynthesizeStream synthesises each fragment from text in order and streams
// the audio frames on the returned channel.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	model := voice.ID
	if model == "" {
		model = p.model
	}
	speakURL, err := p.buildURL(model)
	if err != nil {
		return nil, fmt.Errorf("deepgram tts: build URL: %w", err)
	}

	audioCh := make(chan []byte, 64)
	go func() {
		defer close(audioCh)
		for {
			select {
			case sentence, ok := <-text:
				if !ok {
					return
				}
				if strings.TrimSpace(sentence) == "" {
					continue
				}
				if err := p.speak(ctx, speakURL, sentence, audioCh); err != nil {
					if ctx.Err() == nil {
						slog.Warn("deepgram tts: synthesis failed", "model", model, "error", err)
					}
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, nil
}

// speak performs one synthesis request and forwards its body in frames.
func (p *Provider) speak(ctx context.Context, speakURL, text string, out chan<- []byte) error {
	body, err := json.Marshal(speakRequest{Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, speakURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("speak request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("speak: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	for {
		buf := make([]byte, frameSize)
		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			select {
			case out <- buf[:n]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		default:
			return fmt.Errorf("speak: read body: %w", err)
		}
	}
}

// buildURL constructs the speak endpoint URL for the given model.
func (p *Provider) buildURL(model string) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("encoding", p.encoding)
	q.Set("sample_rate", strconv.Itoa(p.sampleRate))
	q.Set("container", defaultContainer)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
