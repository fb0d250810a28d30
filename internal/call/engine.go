// Package call runs live phone calls: it owns the session store, the
// per-call turn state machine and the media duplexer that connects the
// telephony leg to recognition, completion and synthesis.
//
// [Engine.Handle] drives one call from stream start to hangup. Each call runs
// one actor goroutine that alone mutates turn state; audio ingress,
// recognizer events and reply progress are submitted to it as events. Only
// one reply is in flight per call; finals that arrive meanwhile are queued in
// order. When the caller starts speaking over the agent the reply is cut off
// immediately (barge-in).
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/dispatch"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/outbound"
	"github.com/MrWong99/voxline/internal/postcall"
	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"github.com/MrWong99/voxline/pkg/telephony"
)

// OutboundParam is the stream custom parameter naming an outbound context.
const OutboundParam = "context_id"

// Telephony audio format.
const (
	sampleRate = 8000
	channels   = 1
	encoding   = "mulaw"
)

// Defaults applied by [NewEngine].
const (
	DefaultFallbackText = "Sorry, I didn't catch that. Can you repeat?"
	DefaultStartTimeout = 10 * time.Second
)

// Options are the per-call knobs that can change while the service runs.
// New values apply to calls that connect afterwards, except Summarization,
// which applies to every call that finishes afterwards.
type Options struct {
	ContextLimit  int
	Summarization bool
	TurnTimeout   time.Duration
	HistoryTurns  int
}

// Replier produces replies to caller utterances.
type Replier interface {
	Reply(ctx context.Context, req dispatch.Request) *dispatch.Reply
}

// Config wires an [Engine].
type Config struct {
	// Replier, STT and TTS are required.
	Replier Replier
	STT     stt.Provider
	TTS     tts.Provider

	Voice    tts.Voice
	Language string
	Keywords []stt.KeywordBoost

	// Store defaults to a fresh [NewStore].
	Store *Store

	// Outbound, Loader and Pipeline are optional.
	Outbound *outbound.Cache
	Loader   *postcall.Loader
	Pipeline *postcall.Pipeline

	// Greeting is spoken when a call starts. Empty disables it.
	Greeting string

	// FallbackText is spoken once when a reply fails before any audio.
	FallbackText string

	// StartTimeout bounds waiting for the stream start message.
	StartTimeout time.Duration

	Options Options
	Metrics *observe.Metrics
}

// Engine handles calls. It is safe for concurrent use; every call gets its
// own session and state machine.
type Engine struct {
	replier      Replier
	stt          stt.Provider
	tts          tts.Provider
	voice        tts.Voice
	language     string
	keywords     []stt.KeywordBoost
	store        *Store
	outbound     *outbound.Cache
	loader       *postcall.Loader
	pipeline     *postcall.Pipeline
	greeting     string
	fallbackText string
	startTimeout time.Duration
	cannedAudio  *resilience.FallbackAudio
	metrics      *observe.Metrics

	opts atomic.Pointer[Options]
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Replier == nil:
		return nil, errors.New("call: replier is required")
	case cfg.STT == nil:
		return nil, errors.New("call: stt provider is required")
	case cfg.TTS == nil:
		return nil, errors.New("call: tts provider is required")
	}
	if cfg.Store == nil {
		cfg.Store = NewStore()
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = DefaultFallbackText
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	e := &Engine{
		replier:      cfg.Replier,
		stt:          cfg.STT,
		tts:          cfg.TTS,
		voice:        cfg.Voice,
		language:     cfg.Language,
		keywords:     cfg.Keywords,
		store:        cfg.Store,
		outbound:     cfg.Outbound,
		loader:       cfg.Loader,
		pipeline:     cfg.Pipeline,
		greeting:     cfg.Greeting,
		fallbackText: cfg.FallbackText,
		startTimeout: cfg.StartTimeout,
		cannedAudio:  resilience.NewFallbackAudio(cfg.TTS, cfg.Voice),
		metrics:      cfg.Metrics,
	}
	e.SetOptions(cfg.Options)
	return e, nil
}

// Store returns the live session store.
func (e *Engine) Store() *Store { return e.store }

// Options returns the current options.
func (e *Engine) Options() Options { return *e.opts.Load() }

// SetOptions replaces the options.
func (e *Engine) SetOptions(o Options) {
	e.opts.Store(&o)
	if e.pipeline != nil {
		e.pipeline.SetSummarization(o.Summarization)
	}
}

// Warm synthesizes the greeting and fallback utterances ahead of the first
// call.
func (e *Engine) Warm(ctx context.Context) error {
	texts := []string{e.fallbackText}
	if e.greeting != "" {
		texts = append(texts, e.greeting)
	}
	return e.cannedAudio.Warm(ctx, texts...)
}

// Handle runs one call on leg until the caller hangs up, the recognizer goes
// away or ctx is cancelled. The leg is closed on return. The returned error
// is the transport or setup failure that ended the call, or nil.
func (e *Engine) Handle(ctx context.Context, leg telephony.Leg) error {
	defer leg.Close()

	startCtx, cancel := context.WithTimeout(ctx, e.startTimeout)
	info, err := leg.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("call: start leg: %w", err)
	}

	oc := e.takeOutbound(ctx, info)
	sess, err := e.store.Create(info.CallerID(), oc)
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}
	sess.setCallID(info.CallID)
	defer e.store.Destroy(sess.ID)

	ctx = observe.WithCall(ctx, sess.ID, info.CallID)
	log := observe.Logger(ctx).With("caller_id", sess.CallerID)
	e.metrics.ActiveSessions.Add(ctx, 1)
	defer e.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	log.Info("call connected", "outbound", oc != nil)

	err = e.serve(ctx, sess, leg, log)
	sess.end(time.Now())

	if e.pipeline != nil {
		e.pipeline.Finish(ctx, sess.Record())
	}
	log.Info("call finished",
		"duration", sess.EndedAt().Sub(sess.StartedAt).Round(time.Millisecond),
		"turns", len(sess.Transcript()),
	)
	return err
}

// serve runs the media loops and the state machine until the call ends.
func (e *Engine) serve(ctx context.Context, sess *Session, leg telephony.Leg, log *slog.Logger) error {
	if limit := e.Options().ContextLimit; limit > 0 {
		sess.setPriorContext(e.loader.LoadLimit(ctx, sess.CallerID, limit))
	} else {
		sess.setPriorContext(e.loader.Load(ctx, sess.CallerID))
	}

	stream, err := e.stt.StartStream(ctx, stt.StreamConfig{
		SampleRate: sampleRate,
		Channels:   channels,
		Encoding:   encoding,
		Language:   e.language,
		Keywords:   e.keywords,
	})
	if err != nil {
		log.Error("starting recognizer failed", "err", err)
		return fmt.Errorf("call: start recognizer: %w", err)
	}
	defer stream.Close()

	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(errCallEnded)

	m := newMachine(e, sess, leg, log)
	d := &duplexer{leg: leg, stream: stream, m: m, log: log}

	g, gctx := errgroup.WithContext(callCtx)
	g.Go(func() error {
		defer cancel(errCallEnded)
		return m.run(gctx)
	})
	g.Go(func() error { return d.ingress(gctx) })
	g.Go(func() error { return d.recognize(gctx) })
	g.Go(func() error { return d.marks(gctx) })
	err = g.Wait()
	m.jobs.Wait()

	if err != nil {
		return err
	}
	return m.endErr
}

func (e *Engine) takeOutbound(ctx context.Context, info telephony.CallInfo) *outbound.Context {
	id := info.Param(OutboundParam)
	if id == "" || e.outbound == nil {
		return nil
	}
	oc, err := e.outbound.Take(id)
	if err != nil {
		observe.Logger(ctx).Info("outbound context unavailable, continuing without it", "context_id", id, "err", err)
		return nil
	}
	return &oc
}
