package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
providers:
  llm:
    name: openai
session:
  context_limit: 3
`

const watcherUpdatedYAML = `
server:
  log_level: debug
providers:
  llm:
    name: openai
session:
  context_limit: 5
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

type reload struct{ old, new *config.Config }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// startWatcher writes content to a fresh file, builds a watcher on it and
// runs it until the test ends. Accepted reloads are sent on the channel.
func startWatcher(t *testing.T, content string, opts ...config.WatcherOption) (*config.Watcher, string, <-chan reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxline.yaml")
	writeFile(t, path, content)

	reloads := make(chan reload, 4)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		reloads <- reload{old, new}
	}, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	})
	return w, path, reloads
}

func expectNoReload(t *testing.T, reloads <-chan reload) {
	t.Helper()
	select {
	case r := <-reloads:
		t.Fatalf("unexpected reload to %+v", r.new.Server)
	case <-time.After(250 * time.Millisecond):
	}
}

func TestNewWatcher(t *testing.T) {
	t.Parallel()
	t.Run("initial load", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "voxline.yaml")
		writeFile(t, path, watcherValidYAML)
		w, err := config.NewWatcher(path, nil, config.WithLookupEnv(func(key string) (string, bool) {
			if key == "VOXLINE_TURN_TIMEOUT" {
				return "9s", true
			}
			return "", false
		}))
		if err != nil {
			t.Fatalf("NewWatcher: %v", err)
		}
		cfg := w.Current()
		if cfg.Server.LogLevel != config.LogInfo {
			t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
		}
		if cfg.Session.TurnTimeout != 9*time.Second {
			t.Errorf("turn_timeout = %s, want 9s from the environment", cfg.Session.TurnTimeout)
		}
	})
	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
			t.Fatal("NewWatcher on a missing file succeeded")
		}
	})
	t.Run("invalid file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "voxline.yaml")
		writeFile(t, path, watcherInvalidYAML)
		if _, err := config.NewWatcher(path, nil); err == nil {
			t.Fatal("NewWatcher on an invalid file succeeded")
		}
	})
}

func TestWatcher_PollPicksUpEdit(t *testing.T) {
	t.Parallel()
	w, path, reloads := startWatcher(t, watcherValidYAML, config.WithInterval(20*time.Millisecond))
	writeFile(t, path, watcherUpdatedYAML)

	var r reload
	select {
	case r = <-reloads:
	case <-time.After(2 * time.Second):
		t.Fatal("edit not picked up")
	}
	if r.old.Server.LogLevel != config.LogInfo || r.new.Server.LogLevel != config.LogDebug {
		t.Errorf("reload %q -> %q, want info -> debug", r.old.Server.LogLevel, r.new.Server.LogLevel)
	}
	if w.Current() != r.new {
		t.Error("Current() is not the reloaded config")
	}
	d := config.Diff(r.old, r.new)
	if !d.SessionChanged || d.NewSession.ContextLimit != 5 {
		t.Errorf("Diff = %+v, want session context_limit 5", d)
	}
}

func TestWatcher_ForcedReload(t *testing.T) {
	t.Parallel()
	// Polling is effectively off; only Reload can trigger a read.
	w, path, reloads := startWatcher(t, watcherValidYAML, config.WithInterval(time.Hour))

	w.Reload()
	expectNoReload(t, reloads)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, watcherUpdatedYAML)
	// Restore the old mtime so only a forced read can notice the edit.
	if err := os.Chtimes(path, info.ModTime(), info.ModTime()); err != nil {
		t.Fatal(err)
	}
	w.Reload()
	w.Reload()

	select {
	case r := <-reloads:
		if r.new.Session.ContextLimit != 5 {
			t.Errorf("context_limit = %d, want 5", r.new.Session.ContextLimit)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("forced reload not applied")
	}
	expectNoReload(t, reloads)
}

func TestWatcher_RejectedReloads(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(t *testing.T, path string)
	}{
		{
			name:   "invalid content",
			mutate: func(t *testing.T, path string) { writeFile(t, path, watcherInvalidYAML) },
		},
		{
			name: "touch without edit",
			mutate: func(t *testing.T, path string) {
				later := time.Now().Add(time.Minute)
				if err := os.Chtimes(path, later, later); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name:   "file removed",
			mutate: func(t *testing.T, path string) { _ = os.Remove(path) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, path, reloads := startWatcher(t, watcherValidYAML, config.WithInterval(20*time.Millisecond))
			before := w.Current()
			tt.mutate(t, path)
			w.Reload()

			expectNoReload(t, reloads)
			if w.Current() != before {
				t.Error("Current() changed after a rejected reload")
			}
		})
	}
}
