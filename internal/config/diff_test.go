package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Providers.LLM = config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, cfg)
	if d.HasChanges() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level change must not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_SessionChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	off := false
	new.Session.Summarization = &off
	new.Session.TurnTimeout = 10 * time.Second

	d := config.Diff(old, new)
	if !d.SessionChanged {
		t.Fatal("expected SessionChanged=true")
	}
	if want := []string{"summarization", "turn_timeout"}; !slices.Equal(d.SessionChanges, want) {
		t.Errorf("SessionChanges = %v, want %v", d.SessionChanges, want)
	}
	if d.NewSession.TurnTimeout != 10*time.Second {
		t.Errorf("NewSession.TurnTimeout = %s", d.NewSession.TurnTimeout)
	}
}

func TestDiff_SummarizationNilEqualsTrue(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	on := true
	new.Session.Summarization = &on

	if d := config.Diff(old, new); d.SessionChanged {
		t.Errorf("nil and explicit true summarization must compare equal, got %v", d.SessionChanges)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Providers.TTS.Name = "elevenlabs"
	new.Server.Port = 9001
	new.Memory.Backend = config.MemoryMCP

	d := config.Diff(old, new)
	for _, section := range []string{"server", "providers", "memory"} {
		if !slices.Contains(d.RestartRequired, section) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, section)
		}
	}
	if d.SessionChanged {
		t.Error("expected SessionChanged=false")
	}
}
