package postcall

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MrWong99/voxline/internal/outbound"
)

// JanitorConfig wires a [Janitor]. A job whose dependency is nil, or whose
// schedule is empty, is not scheduled.
type JanitorConfig struct {
	Backup        *FileBackup
	Retention     time.Duration // zero keeps backups forever
	PruneSchedule string

	Outbound      *outbound.Cache
	SweepSchedule string

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Janitor runs periodic housekeeping: pruning old call backups and sweeping
// expired outbound contexts.
type Janitor struct {
	cron      *cron.Cron
	backup    *FileBackup
	retention time.Duration
	outbound  *outbound.Cache
	now       func() time.Time
	jobs      int
}

// NewJanitor validates the schedules and registers the jobs. Call
// [Janitor.Start] to run them.
func NewJanitor(cfg JanitorConfig) (*Janitor, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	j := &Janitor{
		cron:      cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		backup:    cfg.Backup,
		retention: cfg.Retention,
		outbound:  cfg.Outbound,
		now:       cfg.Now,
	}
	if j.backup != nil && j.retention > 0 && cfg.PruneSchedule != "" {
		if _, err := j.cron.AddFunc(cfg.PruneSchedule, func() { j.PruneBackups() }); err != nil {
			return nil, fmt.Errorf("postcall: prune schedule %q: %w", cfg.PruneSchedule, err)
		}
		j.jobs++
	}
	if j.outbound != nil && cfg.SweepSchedule != "" {
		if _, err := j.cron.AddFunc(cfg.SweepSchedule, func() { j.SweepOutbound() }); err != nil {
			return nil, fmt.Errorf("postcall: sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
		j.jobs++
	}
	return j, nil
}

// Jobs returns the number of scheduled jobs.
func (j *Janitor) Jobs() int { return j.jobs }

// Start runs the scheduler in the background.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the scheduler and waits for running jobs until ctx is done.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PruneBackups deletes backups older than the retention and returns the
// count.
func (j *Janitor) PruneBackups() int {
	if j.backup == nil || j.retention <= 0 {
		return 0
	}
	n, err := j.backup.Prune(j.now().Add(-j.retention))
	if err != nil {
		slog.Warn("backup pruning failed", "dir", j.backup.Dir(), "err", err)
	}
	if n > 0 {
		slog.Info("pruned call backups", "dir", j.backup.Dir(), "removed", n)
	}
	return n
}

// SweepOutbound drops expired outbound contexts and returns the count.
func (j *Janitor) SweepOutbound() int {
	if j.outbound == nil {
		return 0
	}
	n := j.outbound.Sweep()
	if n > 0 {
		slog.Debug("swept expired outbound contexts", "removed", n)
	}
	return n
}
