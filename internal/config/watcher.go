package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// defaultPollInterval is how often [Watcher.Run] stats the file.
const defaultPollInterval = 5 * time.Second

// fileStamp is the cheap change signal checked on every tick.
type fileStamp struct {
	size  int64
	mtime time.Time
}

// Watcher keeps the most recent valid config loaded from a file. [Watcher.Run]
// polls the file and [Watcher.Reload] forces a re-read, which cmd/voxline
// wires to SIGHUP. A file whose content hash is unchanged, or which fails to
// parse or validate, never replaces the current config.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   LookupFunc
	onChange func(old, new *Config)
	reload   chan struct{}

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookupEnv replaces the environment lookup used on every load.
// The default is [os.LookupEnv]; nil disables environment overrides.
func WithLookupEnv(fn LookupFunc) WatcherOption {
	return func(w *Watcher) { w.lookup = fn }
}

// NewWatcher loads path once and returns a watcher holding the result.
// onChange (may be nil) runs on the [Watcher.Run] goroutine after every
// accepted reload, outside the watcher's lock.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultPollInterval,
		lookup:   os.LookupEnv,
		onChange: onChange,
		reload:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	cfg, stamp, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.stamp, w.sum = cfg, stamp, sum
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload asks Run to re-read the file on its next iteration, even if the
// file stamp is unchanged. It never blocks.
func (w *Watcher) Reload() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

// Run polls the file until ctx is done and returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.check(false)
		case <-w.reload:
			w.check(true)
		}
	}
}

// check reloads the file when its stamp moved or force is set.
func (w *Watcher) check(force bool) {
	log := slog.With("path", w.path)
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			log.Warn("config watcher: stat failed", "err", err)
			return
		}
		w.mu.Lock()
		same := w.stamp == fileStamp{size: info.Size(), mtime: info.ModTime()}
		w.mu.Unlock()
		if same {
			return
		}
	}

	cfg, stamp, sum, err := w.read()
	if err != nil {
		log.Warn("config watcher: keeping previous config", "err", err)
		return
	}

	w.mu.Lock()
	w.stamp = stamp
	if sum == w.sum {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	log.Info("config watcher: configuration reloaded", "forced", force)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read parses and validates the file, returning it with its stamp and hash.
func (w *Watcher) read() (*Config, fileStamp, [sha256.Size]byte, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, [sha256.Size]byte{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, [sha256.Size]byte{}, err
	}
	cfg, err := load(bytes.NewReader(data), w.lookup)
	if err != nil {
		return nil, fileStamp{}, [sha256.Size]byte{}, err
	}
	return cfg, fileStamp{size: info.Size(), mtime: info.ModTime()}, sha256.Sum256(data), nil
}
