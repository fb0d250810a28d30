package postcall

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/memory"
)

// DefaultSummaryTimeout bounds one background summarize-and-store run.
const DefaultSummaryTimeout = 60 * time.Second

// Config wires a [Pipeline].
type Config struct {
	// Backup is required.
	Backup *FileBackup

	// Summarizer and Memory are optional. Without both, calls are only
	// backed up.
	Summarizer Summarizer
	Memory     memory.Service

	// Summarization toggles step (b) and (c). It can be changed at runtime
	// with [Pipeline.SetSummarization].
	Summarization bool

	// Timeout bounds each background run. Default: 60s.
	Timeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Pipeline persists finished calls.
type Pipeline struct {
	backup     *FileBackup
	summarizer Summarizer
	memory     memory.Service
	timeout    time.Duration
	metrics    *observe.Metrics
	summarize  atomic.Bool

	wg sync.WaitGroup
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSummaryTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	p := &Pipeline{
		backup:     cfg.Backup,
		summarizer: cfg.Summarizer,
		memory:     cfg.Memory,
		timeout:    cfg.Timeout,
		metrics:    cfg.Metrics,
	}
	p.summarize.Store(cfg.Summarization)
	return p
}

// SetSummarization enables or disables summarization for calls finished from
// now on.
func (p *Pipeline) SetSummarization(enabled bool) { p.summarize.Store(enabled) }

// Summarization reports whether summarization is enabled.
func (p *Pipeline) Summarization() bool { return p.summarize.Load() }

// Finish persists rec. A record without final turns is skipped entirely.
// The backup is written before Finish returns; summarization and storage
// run in the background on a context detached from ctx, which only
// contributes its values. Failures are logged, never returned.
func (p *Pipeline) Finish(ctx context.Context, rec Record) {
	ctx = observe.WithCall(ctx, rec.SessionID, rec.CallID)
	log := observe.Logger(ctx).With("caller_id", rec.CallerID)
	if len(rec.Finals()) == 0 {
		log.Debug("empty transcript, skipping post-call pipeline")
		p.metrics.RecordPostcall(ctx, "skipped")
		return
	}

	if p.backup != nil {
		path, err := p.backup.Write(rec)
		if err != nil {
			log.Error("call backup failed", "err", err)
			p.metrics.RecordPostcall(ctx, "backup_failed")
		} else {
			log.Info("call backup written", "path", path)
		}
	}

	if !p.summarize.Load() || p.summarizer == nil || p.memory == nil {
		p.metrics.RecordPostcall(ctx, "backup_only")
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		p.summarizeAndStore(runCtx, rec)
	}()
}

func (p *Pipeline) summarizeAndStore(ctx context.Context, rec Record) {
	log := observe.Logger(ctx).With("caller_id", rec.CallerID)

	summary, err := p.summarizer.Summarize(ctx, rec)
	if err != nil {
		log.Error("call summarization failed", "err", err)
		p.metrics.RecordPostcall(ctx, "summary_failed")
		return
	}

	tags := []string{memory.TagCallSummary}
	if rec.CallerID != "" {
		tags = append(tags, memory.CallerTag(rec.CallerID))
	}
	id, err := p.memory.Create(ctx, summary.Title, summary.Content(), tags)
	if err != nil {
		log.Error("storing call summary failed", "err", err)
		p.metrics.RecordPostcall(ctx, "store_failed")
		return
	}
	log.Info("call summary stored", "document_id", id, "title", summary.Title)
	p.metrics.RecordPostcall(ctx, "ok")
}

// Wait blocks until every background run has finished or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
