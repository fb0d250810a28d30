// Package dispatch turns a finalized caller utterance into a stream of
// speakable sentences.
//
// Every utterance is routed once to one of two completion backends: a fast
// direct model, or a slow tool-capable agent gateway chosen by a
// [KeywordPolicy]. The slow path sits behind a circuit breaker; while it is
// open, utterances degrade to the fast path before the reply starts. A slow
// stream that cannot be opened is answered by the fast path once; nothing is
// retried after the first sentence.
//
// A [Reply] streams markdown-stripped sentences on [Reply.Text]. Once that
// channel is closed [Reply.Err] reports how the reply ended. A turn that
// exceeds its timeout fails with [ErrTurnTimeout]; a reply whose context
// was cancelled fails with [context.Canceled].
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/outbound"
	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/pkg/provider/llm"
)

// Defaults applied by [New] for zero-valued [Config] fields.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultHistoryTurns = 20
)

var (
	// ErrTurnTimeout is the cancellation cause of a reply that ran past its
	// timeout. It wraps [context.DeadlineExceeded].
	ErrTurnTimeout = fmt.Errorf("dispatch: turn timed out: %w", context.DeadlineExceeded)

	// ErrEmptyReply is returned when a backend finished without producing
	// any speakable text.
	ErrEmptyReply = errors.New("dispatch: reply produced no speakable text")

	// errStreamSetup marks a backend that failed before streaming anything.
	errStreamSetup = errors.New("dispatch: stream setup failed")
)

// Path identifies a completion backend.
type Path int

const (
	// PathFast is the single direct model.
	PathFast Path = iota
	// PathSlow is the tool-capable agent gateway.
	PathSlow
)

// String returns "fast" or "slow".
func (p Path) String() string {
	if p == PathSlow {
		return "slow"
	}
	return "fast"
}

// Config wires a [Dispatcher].
type Config struct {
	// Fast is required.
	Fast     llm.Provider
	FastName string

	// Slow is optional. Without it, or without a Policy, every utterance
	// takes the fast path.
	Slow     llm.Provider
	SlowName string
	Policy   *KeywordPolicy

	// SystemPrompt leads every request.
	SystemPrompt string

	// HistoryTurns caps how many history messages are sent. Default: 20.
	HistoryTurns int

	// Timeout bounds a whole reply. Default: 30s.
	Timeout time.Duration

	// Breaker tunes the slow path's circuit breaker.
	Breaker resilience.BreakerConfig

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Dispatcher routes utterances to completion backends. It is safe for
// concurrent use by many calls.
type Dispatcher struct {
	fast, slow         llm.Provider
	fastName, slowName string
	policy             *KeywordPolicy
	systemPrompt       string
	historyTurns       int
	timeout            time.Duration
	breaker            *resilience.Breaker
	metrics            *observe.Metrics
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Fast == nil {
		return nil, errors.New("dispatch: fast provider is required")
	}
	if cfg.FastName == "" {
		cfg.FastName = "fast"
	}
	if cfg.SlowName == "" {
		cfg.SlowName = "slow"
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "llm-" + cfg.SlowName
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Dispatcher{
		fast:         cfg.Fast,
		fastName:     cfg.FastName,
		slow:         cfg.Slow,
		slowName:     cfg.SlowName,
		policy:       cfg.Policy,
		systemPrompt: cfg.SystemPrompt,
		historyTurns: cfg.HistoryTurns,
		timeout:      cfg.Timeout,
		breaker:      resilience.NewBreaker(cfg.Breaker),
		metrics:      cfg.Metrics,
	}, nil
}

// Request is one utterance to answer.
type Request struct {
	// Utterance is the finalized caller text.
	Utterance string

	// History holds the earlier final turns, oldest first, without
	// Utterance.
	History []llm.Message

	// PriorContext is the "Previous calls" block loaded at connect.
	PriorContext string

	// Handoff is set on outbound calls.
	Handoff *outbound.Context

	// Timeout and HistoryTurns override the dispatcher defaults when
	// positive.
	Timeout      time.Duration
	HistoryTurns int
}

// Choose reports the path an utterance would take right now. Unlike
// [Dispatcher.Reply] it does not reserve a half-open probe.
func (d *Dispatcher) Choose(utterance string) Path {
	if !d.wantsSlow(utterance) {
		return PathFast
	}
	if d.breaker.State() == resilience.StateOpen {
		return PathFast
	}
	return PathSlow
}

// SlowState reports the slow path's breaker state.
func (d *Dispatcher) SlowState() resilience.State { return d.breaker.State() }

func (d *Dispatcher) wantsSlow(utterance string) bool {
	if d.slow == nil {
		return false
	}
	_, ok := d.policy.Match(utterance)
	return ok
}

// route picks the path for one reply. A slow result holds a breaker slot
// that must be released with Record.
func (d *Dispatcher) route(ctx context.Context, utterance string) Path {
	if d.slow == nil {
		return PathFast
	}
	kw, ok := d.policy.Match(utterance)
	if !ok {
		return PathFast
	}
	if err := d.breaker.Allow(); err != nil {
		observe.Logger(ctx).Info("slow path unavailable, using fast path", "keyword", kw, "err", err)
		d.metrics.RecordFallback(ctx, "slow_open")
		return PathFast
	}
	observe.Logger(ctx).Debug("routing to slow path", "keyword", kw)
	return PathSlow
}

// Reply starts answering req and returns immediately. Cancelling ctx stops
// the stream and aborts the backend request.
func (d *Dispatcher) Reply(ctx context.Context, req Request) *Reply {
	path := d.route(ctx, req.Utterance)
	r := &Reply{
		path: path,
		text: make(chan string, 8),
	}
	go d.run(ctx, r, req)
	return r
}

func (d *Dispatcher) run(ctx context.Context, r *Reply, req Request) {
	defer close(r.text)

	timeout := d.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeoutCause(ctx, timeout, ErrTurnTimeout)
	defer cancel()

	provider, name := d.fast, d.fastName
	if r.Path() == PathSlow {
		provider, name = d.slow, d.slowName
	}

	ctx, span := observe.StartSpan(ctx, "dispatch.reply")
	span.SetAttributes(attribute.String("path", r.Path().String()), attribute.String("provider", name))
	defer span.End()

	start := time.Now()
	creq := d.request(req)
	err := d.stream(ctx, provider, creq, r, start)

	if r.Path() == PathSlow {
		d.breaker.Record(err)
		if errors.Is(err, errStreamSetup) {
			d.metrics.RecordProviderRequest(ctx, name, "llm", "error")
			d.metrics.RecordProviderError(ctx, name, "llm")
			d.metrics.RecordFallback(ctx, "slow_setup")
			observe.Logger(ctx).Warn("slow path setup failed, answering on fast path", "provider", name, "err", err)
			r.setPath(PathFast)
			provider, name = d.fast, d.fastName
			span.SetAttributes(attribute.Bool("fell_back", true), attribute.String("provider", name))
			err = d.stream(ctx, provider, creq, r, start)
		}
	}
	status := "ok"
	switch {
	case errors.Is(err, context.Canceled):
		status = "cancelled"
	case errors.Is(err, ErrTurnTimeout):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	d.metrics.RecordProviderRequest(ctx, name, "llm", status)
	if err != nil && status != "cancelled" {
		d.metrics.RecordProviderError(ctx, name, "llm")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.Logger(ctx).Warn("completion failed", "path", r.Path().String(), "provider", name, "err", err)
	}
	r.err = err
}

// stream forwards sentences from provider to r until the backend finishes,
// fails, or ctx ends.
func (d *Dispatcher) stream(ctx context.Context, provider llm.Provider, creq llm.CompletionRequest, r *Reply, start time.Time) error {
	path := r.Path()
	chunks, err := provider.StreamCompletion(ctx, creq)
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("%w: open %s stream: %w", errStreamSetup, path, err)
	}

	var splitter sentenceSplitter
	emit := func(fragment string) error {
		spoken := StripMarkdown(fragment)
		if spoken == "" {
			return nil
		}
		if r.append(spoken) == 1 {
			d.metrics.RecordCompletion(ctx, path.String(), time.Since(start))
		}
		select {
		case r.text <- spoken:
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case c, ok := <-chunks:
			if !ok {
				if ctx.Err() != nil {
					return context.Cause(ctx)
				}
				if err := emit(splitter.flush()); err != nil {
					return err
				}
				if r.count() == 0 {
					return ErrEmptyReply
				}
				return nil
			}
			if c.FinishReason == llm.FinishReasonError {
				return fmt.Errorf("dispatch: %s stream: %s", path, c.Text)
			}
			for _, fragment := range splitter.push(c.Text) {
				if err := emit(fragment); err != nil {
					return err
				}
			}
		}
	}
}

// CompleteFast sends a one-shot request to the fast path. The post-call
// summarizer uses it.
func (d *Dispatcher) CompleteFast(ctx context.Context, req llm.CompletionRequest) (string, error) {
	resp, err := d.fast.Complete(ctx, req)
	if err != nil {
		d.metrics.RecordProviderRequest(ctx, d.fastName, "llm", "error")
		d.metrics.RecordProviderError(ctx, d.fastName, "llm")
		return "", fmt.Errorf("dispatch: complete: %w", err)
	}
	d.metrics.RecordProviderRequest(ctx, d.fastName, "llm", "ok")
	if resp == nil {
		return "", ErrEmptyReply
	}
	return resp.Content, nil
}

// Reply is one in-flight answer.
type Reply struct {
	text chan string
	err  error // written before text is closed

	mu      sync.Mutex
	path    Path
	spoken  []string
	firstAt time.Time
}

// Path returns the backend serving this reply. A slow reply whose stream
// could not be opened reports fast once the fallback has started.
func (r *Reply) Path() Path {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

func (r *Reply) setPath(p Path) {
	r.mu.Lock()
	r.path = p
	r.mu.Unlock()
}

// Text yields speakable sentences. It is closed when the reply ends.
func (r *Reply) Text() <-chan string { return r.text }

// Err reports why the reply ended. It is only valid once Text is closed.
func (r *Reply) Err() error { return r.err }

// FirstTextAt returns when the first sentence was produced, or the zero time.
func (r *Reply) FirstTextAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstAt
}

// Full returns the sentences produced so far joined by spaces.
func (r *Reply) Full() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.spoken, " ")
}

func (r *Reply) append(s string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.spoken) == 0 {
		r.firstAt = time.Now()
	}
	r.spoken = append(r.spoken, s)
	return len(r.spoken)
}

func (r *Reply) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spoken)
}
