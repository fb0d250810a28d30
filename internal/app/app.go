// Package app wires all voxline subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Serve answers HTTP until its context is cancelled, and Shutdown
// drains live calls and background work in order.
//
// For testing, inject doubles via functional options (WithMemory,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/call"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/dispatch"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/outbound"
	"github.com/MrWong99/voxline/internal/postcall"
	"github.com/MrWong99/voxline/pkg/memory"
	"github.com/MrWong99/voxline/pkg/memory/mcpstore"
	"github.com/MrWong99/voxline/pkg/memory/postgres"
	"github.com/MrWong99/voxline/pkg/provider/embeddings"
	"github.com/MrWong99/voxline/pkg/provider/llm"
	"github.com/MrWong99/voxline/pkg/provider/stt"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// readHeaderTimeout bounds reading request headers.
const readHeaderTimeout = 10 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider

	// LLM answers every utterance the slow path does not take.
	LLM     llm.Provider
	LLMName string

	// Slow is the tool-capable agent gateway. Optional.
	Slow     llm.Provider
	SlowName string

	// Embeddings feeds semantic search in the postgres memory backend.
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	memory         memory.Service
	outbound       *outbound.Cache
	store          *call.Store
	dispatcher     *dispatch.Dispatcher
	backup         *postcall.FileBackup
	pipeline       *postcall.Pipeline
	engine         *call.Engine
	janitor        *postcall.Janitor
	metrics        *observe.Metrics
	metricsHandler http.Handler
	checkers       []health.Checker
	health         *health.Handler
	handler        http.Handler

	// callsCtx is the parent of every live call; Shutdown cancels it once
	// the drain deadline passes.
	callsCtx    context.Context
	cancelCalls context.CancelFunc

	mu      sync.Mutex
	closing bool
	calls   sync.WaitGroup
	server  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMemory injects a memory service instead of creating one from config.
func WithMemory(m memory.Service) Option {
	return func(a *App) { a.memory = m }
}

// WithMetrics injects the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithOutboundCache injects the outbound context cache.
func WithOutboundCache(c *outbound.Cache) Option {
	return func(a *App) { a.outbound = c }
}

// WithCallStore injects the live session store.
func WithCallStore(s *call.Store) Option {
	return func(a *App) { a.store = s }
}

// WithHealthChecker adds a readiness check.
func WithHealthChecker(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil || providers.TTS == nil {
		return nil, errors.New("app: llm, stt and tts providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.callsCtx, a.cancelCalls = context.WithCancel(context.WithoutCancel(ctx))

	// ── 1. Memory ────────────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. Outbound cache ────────────────────────────────────────────────
	if a.outbound == nil {
		a.outbound = outbound.New(outbound.WithTTL(cfg.Outbound.TTL))
	}

	// ── 3. Dispatcher, pipeline, engine ─────────────────────────────────
	if err := a.initCalls(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init calls: %w", err)
	}

	// ── 4. Housekeeping ──────────────────────────────────────────────────
	janitor, err := postcall.NewJanitor(postcall.JanitorConfig{
		Backup:        a.backup,
		Retention:     cfg.Backup.Retention,
		PruneSchedule: cfg.Backup.PruneSchedule,
		Outbound:      a.outbound,
		SweepSchedule: cfg.Outbound.SweepSchedule,
	})
	if err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init janitor: %w", err)
	}
	a.janitor = janitor

	// ── 5. Routes ────────────────────────────────────────────────────────
	a.handler = a.routes()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory connects the configured memory backend unless one was injected.
func (a *App) initMemory(ctx context.Context) error {
	if a.memory != nil {
		a.addPingCheck("memory", a.memory)
		return nil
	}

	mc := a.cfg.Memory
	switch mc.Backend {
	case config.MemoryPostgres:
		var opts []postgres.Option
		if a.providers.Embeddings != nil {
			opts = append(opts, postgres.WithEmbeddings(a.providers.Embeddings))
		}
		store, err := postgres.NewStore(ctx, mc.PostgresDSN, mc.EmbeddingDimensions, opts...)
		if err != nil {
			return err
		}
		a.memory = store
		a.checkers = append(a.checkers, health.PingCheck("postgres", store))
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		slog.Info("memory backend connected", "backend", "postgres", "semantic", a.providers.Embeddings != nil)

	case config.MemoryMCP:
		var opts []mcpstore.Option
		if mc.SearchTool != "" {
			opts = append(opts, mcpstore.WithSearchTool(mc.SearchTool))
		}
		if mc.CreateTool != "" {
			opts = append(opts, mcpstore.WithCreateTool(mc.CreateTool))
		}
		store, err := mcpstore.Dial(ctx, mc.MCPURL, opts...)
		if err != nil {
			return err
		}
		a.memory = store
		a.checkers = append(a.checkers, health.PingCheck("memory", store))
		a.closers = append(a.closers, store.Close)
		slog.Info("memory backend connected", "backend", "mcp", "url", mc.MCPURL)

	default:
		slog.Info("memory backend disabled; calls start without prior context and are only backed up locally")
	}
	return nil
}

func (a *App) addPingCheck(name string, v any) {
	if p, ok := v.(health.Pinger); ok {
		a.checkers = append(a.checkers, health.PingCheck(name, p))
	}
}

// initCalls builds the completion dispatcher, the post-call pipeline and the
// call engine.
func (a *App) initCalls() error {
	cfg := a.cfg
	p := a.providers

	var policy *dispatch.KeywordPolicy
	if p.Slow != nil {
		policy = dispatch.NewKeywordPolicy(cfg.Agent.SlowKeywords)
	}
	d, err := dispatch.New(dispatch.Config{
		Fast:         p.LLM,
		FastName:     p.LLMName,
		Slow:         p.Slow,
		SlowName:     p.SlowName,
		Policy:       policy,
		SystemPrompt: cfg.Agent.SystemPrompt,
		HistoryTurns: cfg.Session.HistoryTurns,
		Timeout:      cfg.Session.TurnTimeout,
		Metrics:      a.metrics,
	})
	if err != nil {
		return err
	}
	a.dispatcher = d

	a.backup = postcall.NewFileBackup(cfg.Backup.Dir)
	pc := postcall.Config{
		Backup:        a.backup,
		Summarization: cfg.Session.SummarizationEnabled(),
		Metrics:       a.metrics,
	}
	if a.memory != nil {
		pc.Summarizer = postcall.NewLLMSummarizer(d)
		pc.Memory = a.memory
	}
	a.pipeline = postcall.NewPipeline(pc)

	keywords := make([]stt.KeywordBoost, 0, len(cfg.Agent.SlowKeywords))
	for _, kw := range cfg.Agent.SlowKeywords {
		keywords = append(keywords, stt.KeywordBoost{Keyword: kw, Boost: 1.5})
	}

	a.engine, err = call.NewEngine(call.Config{
		Replier:      d,
		STT:          p.STT,
		TTS:          p.TTS,
		Voice:        tts.Voice{ID: cfg.Agent.Voice, Name: cfg.Agent.Voice},
		Language:     cfg.Agent.Language,
		Keywords:     keywords,
		Store:        a.store,
		Outbound:     a.outbound,
		Loader:       postcall.NewLoader(a.memory, cfg.Session.ContextLimit),
		Pipeline:     a.pipeline,
		Greeting:     cfg.Agent.GreetingText(),
		FallbackText: cfg.Agent.FallbackText,
		Options:      SessionOptions(cfg.Session),
		Metrics:      a.metrics,
	})
	return err
}

// SessionOptions converts the session config section into call options.
func SessionOptions(sc config.SessionConfig) call.Options {
	return call.Options{
		ContextLimit:  sc.ContextLimit,
		Summarization: sc.SummarizationEnabled(),
		TurnTimeout:   sc.TurnTimeout,
		HistoryTurns:  sc.HistoryTurns,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler with every route and the observability
// middleware installed.
func (a *App) Handler() http.Handler { return a.handler }

// Engine returns the call engine.
func (a *App) Engine() *call.Engine { return a.engine }

// Outbound returns the outbound context cache.
func (a *App) Outbound() *outbound.Cache { return a.outbound }

// ApplySession applies a hot-reloaded session section to calls that connect
// afterwards.
func (a *App) ApplySession(sc config.SessionConfig) {
	a.engine.SetOptions(SessionOptions(sc))
	slog.Info("session options updated",
		"context_limit", sc.ContextLimit,
		"summarization", sc.SummarizationEnabled(),
		"turn_timeout", sc.TurnTimeout,
		"history_turns", sc.HistoryTurns,
	)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr())
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve pre-synthesizes the canned utterances, starts the housekeeping jobs
// and serves HTTP on ln until ctx is cancelled. When ctx is done, Serve
// returns ctx.Err(); call Shutdown afterwards to drain live calls.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	if err := a.engine.Warm(ctx); err != nil {
		slog.Warn("pre-synthesizing canned audio failed; retrying on first use", "err", err)
	}
	a.janitor.Start()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()
	slog.Info("voxline listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting calls, waits for live calls to hang up until ctx
// expires, then cuts the rest off, waits for pending summaries and tears
// down the subsystems. It returns ctx.Err() when the deadline cut work short.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.closing = true
		srv := a.server
		a.mu.Unlock()
		if a.health != nil {
			a.health.SetDraining(true)
		}

		slog.Info("shutting down", "live_calls", a.engine.Store().Len(), "closers", len(a.closers))

		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown", "err", err)
			}
		}

		drained := make(chan struct{})
		go func() {
			a.calls.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			slog.Warn("shutdown deadline reached, ending live calls", "live_calls", a.engine.Store().Len())
			shutdownErr = ctx.Err()
			a.cancelCalls()
			<-drained
		}
		a.cancelCalls()

		if err := a.pipeline.Wait(ctx); err != nil {
			slog.Warn("pending call summaries abandoned", "err", err)
			shutdownErr = err
		}
		if err := a.janitor.Stop(ctx); err != nil {
			slog.Warn("housekeeping jobs did not stop in time", "err", err)
		}
		a.runClosers()

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}

// trackCall registers a live call. It returns false once Shutdown has begun.
func (a *App) trackCall() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		return false
	}
	a.calls.Add(1)
	return true
}
