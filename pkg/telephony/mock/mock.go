// Package mock provides a test double for the telephony.Leg interface.
//
// Tests push caller audio into AudioCh and close it to simulate a hangup.
// Every outbound frame, clear and mark is recorded with the time it was
// written so that ordering against other events can be asserted.
//
// Example:
//
//	leg := mock.NewLeg(telephony.CallInfo{CallID: "CA1", From: "+15550100"})
//	go engine.Handle(ctx, leg)
//	leg.AudioCh <- []byte{0xff}
//	close(leg.AudioCh)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/telephony"
)

// Frame records a single outbound audio frame.
type Frame struct {
	Data []byte
	At   time.Time
}

// Event records a control message (clear or mark).
type Event struct {
	Kind string // "clear" or "mark"
	Name string
	At   time.Time
}

// Leg is a mock implementation of telephony.Leg.
type Leg struct {
	mu sync.Mutex

	// Info is returned by Start.
	Info telephony.CallInfo

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// AudioCh is returned by Audio. Tests own this channel.
	AudioCh chan []byte

	// MarksCh is returned by Marks. Tests own this channel.
	MarksCh chan string

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// LegErr is returned by Err.
	LegErr error

	// AutoAckMarks echoes every Mark call back on MarksCh.
	AutoAckMarks bool

	frames     []Frame
	events     []Event
	closeCalls int
}

var _ telephony.Leg = (*Leg)(nil)

// NewLeg returns a Leg with buffered audio and mark channels.
func NewLeg(info telephony.CallInfo) *Leg {
	return &Leg{
		Info:    info,
		AudioCh: make(chan []byte, 64),
		MarksCh: make(chan string, 16),
	}
}

// Start returns Info, StartErr.
func (l *Leg) Start(ctx context.Context) (telephony.CallInfo, error) {
	if err := ctx.Err(); err != nil {
		return telephony.CallInfo{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Info, l.StartErr
}

// Audio returns AudioCh.
func (l *Leg) Audio() <-chan []byte { return l.AudioCh }

// Marks returns MarksCh.
func (l *Leg) Marks() <-chan string { return l.MarksCh }

// SendAudio records the frame and returns SendErr.
func (l *Leg) SendAudio(_ context.Context, frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendErr != nil {
		return l.SendErr
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	l.frames = append(l.frames, Frame{Data: cp, At: time.Now()})
	return nil
}

// Clear records a clear event.
func (l *Leg) Clear(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{Kind: "clear", At: time.Now()})
	return nil
}

// Mark records a mark event and echoes it when AutoAckMarks is set.
func (l *Leg) Mark(_ context.Context, name string) error {
	l.mu.Lock()
	l.events = append(l.events, Event{Kind: "mark", Name: name, At: time.Now()})
	ack := l.AutoAckMarks
	l.mu.Unlock()
	if ack {
		select {
		case l.MarksCh <- name:
		default:
		}
	}
	return nil
}

// Err returns LegErr.
func (l *Leg) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.LegErr
}

// Close counts the call.
func (l *Leg) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeCalls++
	return nil
}

// Frames returns a copy of all recorded outbound frames. Thread-safe.
func (l *Leg) Frames() []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Frame, len(l.frames))
	copy(out, l.frames)
	return out
}

// Events returns a copy of all recorded control events. Thread-safe.
func (l *Leg) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// ClearCount returns how many clear events were recorded.
func (l *Leg) ClearCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == "clear" {
			n++
		}
	}
	return n
}

// CloseCallCount returns how many times Close was called.
func (l *Leg) CloseCallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeCalls
}
