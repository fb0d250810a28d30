// Package twilio implements telephony.Leg over a Twilio Media Streams
// WebSocket connection.
//
// Twilio sends JSON text messages: "connected", "start", "media" (base64
// mu-law payload at 8 kHz), "mark" and "stop". Outbound audio is sent as
// "media" messages, playback is flushed with "clear" and markers are placed
// with "mark".
package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voxline/pkg/telephony"
)

// Option is a functional option for a [Leg].
type Option func(*Leg)

// WithBufferSize sets the capacity of the inbound audio channel.
func WithBufferSize(n int) Option {
	return func(l *Leg) {
		if n > 0 {
			l.bufSize = n
		}
	}
}

// Leg is a Twilio media stream. It implements telephony.Leg.
type Leg struct {
	conn    *websocket.Conn
	bufSize int

	streamID string
	audio    chan []byte
	marks    chan string
	done     chan struct{}
	readDone chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

var _ telephony.Leg = (*Leg)(nil)

// New wraps an accepted WebSocket connection. The caller must invoke
// [Leg.Start] before consuming audio.
func New(conn *websocket.Conn, opts ...Option) *Leg {
	l := &Leg{
		conn:    conn,
		bufSize:  256,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	l.audio = make(chan []byte, l.bufSize)
	l.marks = make(chan string, 16)
	return l
}

// ---- wire types ----

type inboundMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
}

type startPayload struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type mediaPayload struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type outboundMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
}

// Start reads messages until Twilio announces the stream, then begins
// relaying inbound audio in the background.
func (l *Leg) Start(ctx context.Context) (telephony.CallInfo, error) {
	for {
		_, data, err := l.conn.Read(ctx)
		if err != nil {
			return telephony.CallInfo{}, fmt.Errorf("twilio: await start: %w", err)
		}
		msg, err := parseInbound(data)
		if err != nil {
			slog.Debug("twilio: ignoring malformed message", "error", err)
			continue
		}
		switch msg.Event {
		case "connected":
			slog.Debug("twilio: media stream connected")
		case "start":
			info := callInfo(msg)
			l.streamID = info.StreamID
			// ctx only bounds the handshake; the relay runs until Close.
			go l.readLoop(context.WithoutCancel(ctx))
			return info, nil
		case "stop":
			return telephony.CallInfo{}, errors.New("twilio: stream stopped before start")
		}
	}
}

// Audio implements telephony.Leg.
func (l *Leg) Audio() <-chan []byte { return l.audio }

// Marks implements telephony.Leg.
func (l *Leg) Marks() <-chan string { return l.marks }

// SendAudio implements telephony.Leg.
func (l *Leg) SendAudio(ctx context.Context, frame []byte) error {
	return l.write(ctx, outboundMessage{
		Event:     "media",
		StreamSid: l.streamID,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
}

// Clear implements telephony.Leg.
func (l *Leg) Clear(ctx context.Context) error {
	return l.write(ctx, outboundMessage{Event: "clear", StreamSid: l.streamID})
}

// Mark implements telephony.Leg.
func (l *Leg) Mark(ctx context.Context, name string) error {
	return l.write(ctx, outboundMessage{
		Event:     "mark",
		StreamSid: l.streamID,
		Mark:      &markPayload{Name: name},
	})
}

// Err implements telephony.Leg.
func (l *Leg) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close implements telephony.Leg. Once the stream has stopped or the read
// loop has failed, nobody is left to answer a close handshake and the
// connection is dropped at once.
func (l *Leg) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		select {
		case <-l.readDone:
			l.conn.CloseNow()
		default:
			l.conn.Close(websocket.StatusNormalClosure, "call ended")
		}
	})
	return nil
}

func (l *Leg) write(ctx context.Context, msg outboundMessage) error {
	select {
	case <-l.done:
		return telephony.ErrLegClosed
	default:
	}
	if err := wsjson.Write(ctx, l.conn, msg); err != nil {
		return fmt.Errorf("twilio: write %s: %w", msg.Event, err)
	}
	return nil
}

// readLoop relays media payloads and marks until the stream stops or the
// connection fails.
func (l *Leg) readLoop(ctx context.Context) {
	defer close(l.readDone)
	defer close(l.audio)
	defer close(l.marks)

	for {
		_, data, err := l.conn.Read(ctx)
		if err != nil {
			l.setErr(classifyReadErr(ctx, err, l.done))
			return
		}
		msg, err := parseInbound(data)
		if err != nil {
			continue
		}
		switch msg.Event {
		case "media":
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			frame, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			select {
			case l.audio <- frame:
			case <-l.done:
				return
			}
		case "mark":
			if msg.Mark == nil {
				continue
			}
			select {
			case l.marks <- msg.Mark.Name:
			default:
				// Nobody is waiting for markers; dropping is harmless.
			}
		case "stop":
			slog.Debug("twilio: media stream stopped", "stream_sid", l.streamID)
			return
		}
	}
}

func (l *Leg) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

// classifyReadErr maps read failures that correspond to an orderly hangup to
// nil so that only genuine transport failures surface through Err.
func classifyReadErr(ctx context.Context, err error, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	default:
	}
	if ctx.Err() != nil {
		return nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	return fmt.Errorf("twilio: read: %w", err)
}

func parseInbound(data []byte) (inboundMessage, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return inboundMessage{}, err
	}
	if msg.Event == "" {
		return inboundMessage{}, errors.New("missing event")
	}
	return msg, nil
}

func callInfo(msg inboundMessage) telephony.CallInfo {
	info := telephony.CallInfo{StreamID: msg.StreamSid, Params: map[string]string{}}
	if msg.Start == nil {
		return info
	}
	if info.StreamID == "" {
		info.StreamID = msg.Start.StreamSid
	}
	info.CallID = msg.Start.CallSid
	for k, v := range msg.Start.CustomParameters {
		info.Params[k] = v
	}
	if info.CallID == "" {
		info.CallID = info.Params["call_sid"]
	}
	info.From = firstNonEmpty(info.Params["from"], info.Params["caller"])
	info.To = info.Params["to"]
	return info
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
