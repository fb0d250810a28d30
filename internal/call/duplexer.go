package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/telephony"
)

// errGateClosed is returned by gate.write once the gate no longer admits
// frames of the writing generation.
var errGateClosed = errors.New("call: egress gate closed")

// gate serializes reply audio onto the telephony leg. Frames of one reply
// generation are admitted only while the gate is open for that generation.
// close takes the write lock, so once it returns no further frame can reach
// the leg.
type gate struct {
	mu   sync.Mutex
	leg  telephony.Leg
	gen  uint64
	open bool
}

func newGate(leg telephony.Leg) *gate { return &gate{leg: leg} }

func (g *gate) openFor(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen = gen
	g.open = true
}

func (g *gate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = false
}

func (g *gate) write(ctx context.Context, gen uint64, frame []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open || g.gen != gen {
		return errGateClosed
	}
	return g.leg.SendAudio(ctx, frame)
}

// duplexer runs the media loops of one call. Caller audio goes straight to
// the recognizer without touching the state machine; recognizer events and
// leg closure are submitted to the machine.
type duplexer struct {
	leg    telephony.Leg
	stream stt.Stream
	m      *machine
	log    *slog.Logger
}

// ingress forwards caller audio until the leg closes or ctx ends.
func (d *duplexer) ingress(ctx context.Context) error {
	audio := d.leg.Audio()
	var sendFailed bool
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-audio:
			if !ok {
				d.m.submit(legClosed{err: d.leg.Err()})
				return nil
			}
			if err := d.stream.SendAudio(frame); err != nil && !sendFailed {
				sendFailed = true
				d.log.Debug("recognizer rejected audio", "err", err)
			}
		}
	}
}

// recognize submits recognizer events until the stream closes or ctx ends.
func (d *duplexer) recognize(ctx context.Context) error {
	events := d.stream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				d.m.submit(recognizerClosed{err: d.stream.Err()})
				return nil
			}
			d.m.submit(sttEvent{ev: ev})
		}
	}
}

// marks logs playback markers echoed by the provider.
func (d *duplexer) marks(ctx context.Context) error {
	marks := d.leg.Marks()
	for {
		select {
		case <-ctx.Done():
			return nil
		case name, ok := <-marks:
			if !ok {
				return nil
			}
			d.log.Debug("playback mark reached", "mark", name)
		}
	}
}
