package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/dispatch"
)

// Fallback reasons recorded on voxline.fallbacks.
const (
	reasonTimeout    = "timeout"
	reasonCompletion = "completion"
	reasonSynthesis  = "synthesis"
)

func (m *machine) runJob(ctx context.Context, j *job) outcome {
	switch j.kind {
	case jobGreeting:
		return m.runCanned(ctx, j, m.engine.greeting)
	case jobFallback:
		return m.runCanned(ctx, j, m.engine.fallbackText)
	default:
		return m.runReply(ctx, j)
	}
}

// runReply streams a completion through synthesis onto the leg. A reply that
// fails before any audio reports a fallback reason; one that was cancelled
// by the machine reports nothing.
func (m *machine) runReply(ctx context.Context, j *job) outcome {
	opts := m.engine.Options()
	req := dispatch.Request{
		Utterance:    j.utterance.text,
		History:      m.sess.history(j.utterance.index),
		PriorContext: m.sess.PriorContext(),
		Handoff:      m.sess.Outbound,
		Timeout:      opts.TurnTimeout,
		HistoryTurns: opts.HistoryTurns,
	}

	replyCtx, cancelReply := context.WithCancelCause(ctx)
	defer cancelReply(errJobDone)

	reply := m.engine.replier.Reply(replyCtx, req)
	sent := newSentenceLog(reply.Text())
	var res forwardResult
	audio, synthErr := m.engine.tts.SynthesizeStream(replyCtx, sent.out, m.engine.voice)
	if synthErr == nil {
		res = m.forward(replyCtx, j.gen, audio)
	}

	interrupted := ctx.Err() != nil
	// Unblock the completion if synthesis stopped reading early.
	cancelReply(errJobDone)
	sent.wait()
	replyErr := reply.Err()

	o := outcome{frames: res.frames}
	if res.frames > 0 {
		o.spoken = reply.Full()
		if interrupted {
			o.spoken, o.interrupted = sent.before(res.last), true
		}
		m.recordLatency(j.utterance.endOfTurn, reply.FirstTextAt(), res)
	}

	switch {
	case interrupted:
	case res.frames == 0:
		o.fallbackReason, o.err = failureReason(replyErr, synthErr, reply.Full())
	case replyErr != nil && !errors.Is(replyErr, context.Canceled):
		m.log.Warn("reply failed after audio started", "path", reply.Path().String(), "err", replyErr)
	}
	return o
}

// failureReason classifies a reply that produced no audio.
func failureReason(replyErr, synthErr error, text string) (string, error) {
	switch {
	case synthErr != nil:
		return reasonSynthesis, synthErr
	case errors.Is(replyErr, dispatch.ErrTurnTimeout):
		return reasonTimeout, replyErr
	case replyErr != nil && !errors.Is(replyErr, errJobDone):
		return reasonCompletion, replyErr
	default:
		// The completion was fine or was still running; synthesis stopped
		// without producing audio.
		return reasonSynthesis, fmt.Errorf("call: synthesis produced no audio for %d characters", len(text))
	}
}

// runCanned plays the cached audio of a fixed utterance.
func (m *machine) runCanned(ctx context.Context, j *job, text string) outcome {
	frames, err := m.engine.cannedAudio.Frames(ctx, text)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn("canned audio unavailable", "kind", j.kind.String(), "err", err)
		}
		return outcome{err: err}
	}
	ch := make(chan []byte, len(frames))
	for _, f := range frames {
		ch <- f
	}
	close(ch)

	res := m.forward(ctx, j.gen, ch)
	o := outcome{frames: res.frames}
	if res.frames > 0 {
		o.spoken = text
	}
	return o
}

// sentenceLog relays reply sentences to synthesis and remembers when each
// one was handed over.
type sentenceLog struct {
	out  chan string
	done chan struct{}

	mu    sync.Mutex
	texts []string
	at    []time.Time
}

func newSentenceLog(in <-chan string) *sentenceLog {
	l := &sentenceLog{out: make(chan string), done: make(chan struct{})}
	go func() {
		defer close(l.done)
		defer close(l.out)
		for s := range in {
			l.out <- s
			l.mu.Lock()
			l.texts = append(l.texts, s)
			l.at = append(l.at, time.Now())
			l.mu.Unlock()
		}
	}()
	return l
}

// wait drains whatever synthesis left unread and returns once the reply
// text channel has closed.
func (l *sentenceLog) wait() {
	for range l.out {
	}
	<-l.done
}

// before joins the sentences handed to synthesis no later than t.
func (l *sentenceLog) before(t time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var parts []string
	for i, s := range l.texts {
		if l.at[i].After(t) {
			break
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

type forwardResult struct {
	frames      int
	first, last time.Time
}

// forward writes audio frames through the gate until the stream ends, the
// gate closes or ctx is done. The first frame waits for the machine's
// decision on whether this generation may play at all.
func (m *machine) forward(ctx context.Context, gen uint64, audio <-chan []byte) forwardResult {
	var res forwardResult
	for {
		select {
		case <-ctx.Done():
			return res
		case frame, ok := <-audio:
			if !ok {
				if res.frames > 0 {
					if err := m.leg.Mark(ctx, fmt.Sprintf("reply-%d", gen)); err != nil {
						m.log.Debug("placing playback mark failed", "err", err)
					}
				}
				return res
			}
			if res.frames == 0 && !m.admit(ctx, gen) {
				return res
			}
			if err := m.gate.write(ctx, gen, frame); err != nil {
				if !errors.Is(err, errGateClosed) {
					m.log.Warn("sending reply audio failed", "err", err)
				}
				return res
			}
			now := time.Now()
			if res.frames == 0 {
				res.first = now
			}
			res.last = now
			res.frames++
		}
	}
}

func (m *machine) admit(ctx context.Context, gen uint64) bool {
	ack := make(chan bool, 1)
	if !m.submit(firstAudio{gen: gen, ack: ack}) {
		return false
	}
	select {
	case ok := <-ack:
		return ok
	case <-ctx.Done():
		return false
	}
}

// recordLatency records turn telemetry and logs the per-turn breakdown.
func (m *machine) recordLatency(endOfTurn, firstText time.Time, res forwardResult) {
	if endOfTurn.IsZero() || res.first.IsZero() {
		return
	}
	ctx := context.WithoutCancel(m.ctx)
	ttfb := res.first.Sub(endOfTurn)
	m.metrics.TurnTTFB.Record(ctx, ttfb.Seconds())
	m.metrics.TurnRoundTrip.Record(ctx, res.last.Sub(endOfTurn).Seconds())

	attrs := []any{"total_ms", ttfb.Milliseconds()}
	if !firstText.IsZero() {
		synth := res.first.Sub(firstText)
		m.metrics.SynthesisTTFB.Record(ctx, synth.Seconds())
		attrs = append(attrs,
			"thinking_ms", firstText.Sub(endOfTurn).Milliseconds(),
			"synthesis_ms", synth.Milliseconds(),
		)
	}
	m.log.Info("turn latency", attrs...)
}
