package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/telephony"
)

// Cancellation causes of reply jobs. All wrap context.Canceled so that
// backends treat them as cancellation, not failure.
var (
	errBargeIn    = fmt.Errorf("call: barge-in: %w", context.Canceled)
	errCallEnded  = fmt.Errorf("call: ended: %w", context.Canceled)
	errJobDone    = fmt.Errorf("call: job finished: %w", context.Canceled)
)

// Events submitted to the machine.
type (
	sttEvent         struct{ ev stt.Event }
	legClosed        struct{ err error }
	recognizerClosed struct{ err error }

	// firstAudio asks whether the first frame of generation gen may play.
	firstAudio struct {
		gen uint64
		ack chan bool
	}

	jobDone struct {
		gen     uint64
		outcome outcome
	}
)

type jobKind int

const (
	jobGreeting jobKind = iota
	jobReply
	jobFallback
)

func (k jobKind) String() string {
	switch k {
	case jobGreeting:
		return "greeting"
	case jobFallback:
		return "fallback"
	default:
		return "reply"
	}
}

// utterance is a caller final waiting for, or being answered by, a reply.
type utterance struct {
	text      string
	index     int // position of the caller turn in the transcript
	endOfTurn time.Time
}

// job is the one piece of agent audio in flight.
type job struct {
	gen       uint64
	kind      jobKind
	cancel    context.CancelCauseFunc
	utterance utterance
}

// outcome is what a finished job reports back.
type outcome struct {
	frames         int
	spoken         string // agent turn text, empty when nothing played
	interrupted    bool   // spoken was cut off by the caller
	fallbackReason string // set when a reply failed before any audio
	err            error
}

// machine is the turn state machine of one call. run is its actor loop and
// the only goroutine that mutates turn state; every other goroutine talks to
// it through submit.
type machine struct {
	sess    *Session
	engine  *Engine
	leg     telephony.Leg
	gate    *gate
	log     *slog.Logger
	metrics *observe.Metrics

	events chan any
	done   chan struct{}
	jobs   sync.WaitGroup

	// Owned by run.
	ctx     context.Context
	gen     uint64
	current *job
	queue   []utterance
	endErr  error
}

func newMachine(e *Engine, sess *Session, leg telephony.Leg, log *slog.Logger) *machine {
	return &machine{
		sess:    sess,
		engine:  e,
		leg:     leg,
		gate:    newGate(leg),
		log:     log,
		metrics: e.metrics,
		events:  make(chan any, 64),
		done:    make(chan struct{}),
	}
}

// submit hands ev to the actor. It returns false once the actor has exited.
func (m *machine) submit(ev any) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// run processes events until the call ends.
func (m *machine) run(ctx context.Context) error {
	defer close(m.done)
	m.ctx = ctx

	if m.engine.greeting != "" {
		m.startJob(jobGreeting, utterance{index: -1})
	}
	for {
		select {
		case <-ctx.Done():
			m.end("context done", nil)
			return nil
		case ev := <-m.events:
			if m.handle(ev) {
				return nil
			}
		}
	}
}

// handle applies one event and reports whether the call has ended.
func (m *machine) handle(ev any) bool {
	switch e := ev.(type) {
	case sttEvent:
		m.onRecognition(e.ev)
	case firstAudio:
		m.onFirstAudio(e)
	case jobDone:
		m.onJobDone(e)
	case legClosed:
		m.end("telephony leg closed", e.err)
		return true
	case recognizerClosed:
		m.end("recognizer closed", e.err)
		return true
	}
	return false
}

func (m *machine) transition(to State, reason string) {
	if from := m.sess.setState(to); from != to {
		m.log.Debug("turn state changed", "from", from.String(), "to", to.String(), "reason", reason)
	}
}

func (m *machine) onRecognition(ev stt.Event) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	switch ev.Kind {
	// A start of turn while PROCESSING is ignored: recognizers emit it on
	// line noise too, and the pending reply must still be answered. Real
	// speech produces a final, which queues behind it.
	case stt.EventStartOfTurn:
		switch m.sess.State() {
		case StateListening:
			m.transition(StateUserSpeaking, "start of turn")
		case StateAgentSpeaking:
			m.bargeIn()
		}

	case stt.EventPartial:
		if text := strings.TrimSpace(ev.Text); text != "" {
			m.sess.setPartial(SpeakerCaller, text, at)
		}

	case stt.EventFinal:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			m.sess.clearPartial()
			if m.sess.State() == StateUserSpeaking {
				m.transition(StateListening, "empty final")
			}
			return
		}
		u := utterance{text: text, endOfTurn: at}
		u.index = m.sess.appendFinal(SpeakerCaller, text, at)
		m.log.Debug("caller utterance", "text", text)

		if m.current != nil && m.current.kind != jobGreeting {
			m.queue = append(m.queue, u)
			m.metrics.UtterancesQueued.Add(m.ctx, 1)
			m.log.Debug("utterance queued behind in-flight reply", "depth", len(m.queue))
			if st := m.sess.State(); st == StateListening || st == StateUserSpeaking {
				m.transition(StateProcessing, "final queued")
			}
			return
		}
		if m.current != nil {
			// A greeting still playing gives way to the caller.
			m.interrupt(errBargeIn)
			m.queue = append(m.queue, u)
			m.transition(StateProcessing, "final during greeting")
			return
		}
		m.transition(StateProcessing, "final")
		m.startJob(jobReply, u)
	}
}

// bargeIn stops the agent mid-sentence. The order matters: the gate closes
// first so no further frame is written, then the job is cancelled, then the
// provider drops whatever it has buffered.
func (m *machine) bargeIn() {
	gen := uint64(0)
	if m.current != nil {
		gen = m.current.gen
	}
	m.interrupt(errBargeIn)
	m.metrics.BargeIns.Add(m.ctx, 1)
	m.log.Info("barge-in, stopping agent audio", "generation", gen)
	m.transition(StateUserSpeaking, "barge-in")
}

func (m *machine) interrupt(cause error) {
	m.gate.close()
	if m.current != nil {
		m.current.cancel(cause)
	}
	if err := m.leg.Clear(m.ctx); err != nil && !errors.Is(err, telephony.ErrLegClosed) {
		m.log.Warn("clearing buffered audio failed", "err", err)
	}
}

func (m *machine) onFirstAudio(e firstAudio) {
	if m.current == nil || m.current.gen != e.gen {
		e.ack <- false
		return
	}
	m.gate.openFor(e.gen)
	m.transition(StateAgentSpeaking, "first audio")
	e.ack <- true
}

func (m *machine) onJobDone(e jobDone) {
	if m.current == nil || m.current.gen != e.gen {
		return
	}
	j := m.current
	m.current = nil
	m.gate.close()

	o := e.outcome
	if o.spoken != "" {
		m.sess.appendTurn(Turn{Speaker: SpeakerAgent, Text: o.spoken, Timestamp: time.Now(), Interrupted: o.interrupted})
	}
	if m.sess.State() == StateAgentSpeaking {
		m.transition(StateListening, j.kind.String()+" finished")
	}

	if o.fallbackReason != "" && j.kind == jobReply {
		m.metrics.RecordFallback(m.ctx, o.fallbackReason)
		m.log.Warn("reply failed, playing fallback", "reason", o.fallbackReason, "err", o.err)
		m.startNext(jobFallback, j.utterance)
		return
	}
	if len(m.queue) > 0 {
		u := m.queue[0]
		m.queue = m.queue[1:]
		m.startNext(jobReply, u)
		return
	}
	if m.sess.State() == StateProcessing {
		m.transition(StateListening, j.kind.String()+" ended without audio")
	}
}

func (m *machine) startNext(kind jobKind, u utterance) {
	if m.sess.State() != StateUserSpeaking {
		m.transition(StateProcessing, "starting "+kind.String())
	}
	m.startJob(kind, u)
}

func (m *machine) startJob(kind jobKind, u utterance) {
	m.gen++
	ctx, cancel := context.WithCancelCause(m.ctx)
	j := &job{gen: m.gen, kind: kind, cancel: cancel, utterance: u}
	m.current = j

	m.jobs.Add(1)
	go func() {
		defer m.jobs.Done()
		defer cancel(errJobDone)
		o := m.runJob(ctx, j)
		m.submit(jobDone{gen: j.gen, outcome: o})
	}()
}

// end moves the call to ENDED and cancels all in-flight work.
func (m *machine) end(reason string, err error) {
	m.gate.close()
	if m.current != nil {
		m.current.cancel(errCallEnded)
	}
	m.queue = nil
	m.sess.end(time.Now())
	m.endErr = err
	if err != nil {
		m.log.Warn("call ended", "reason", reason, "err", err)
		return
	}
	m.log.Info("call ended", "reason", reason)
}
