package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "openclaw", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"deepgram"},
	"tts":        {"deepgram", "elevenlabs"},
	"embeddings": {"openai"},
}

// LookupFunc resolves an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := load(f, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, nil)
}

func load(r io.Reader, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. API keys only fill empty
// fields; every other variable overrides the file.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error

	if key, ok := lookup("DEEPGRAM_API_KEY"); ok && key != "" {
		if cfg.Providers.STT.APIKey == "" && isNameOrEmpty(cfg.Providers.STT.Name, "deepgram") {
			cfg.Providers.STT.APIKey = key
		}
		if cfg.Providers.TTS.APIKey == "" && isNameOrEmpty(cfg.Providers.TTS.Name, "deepgram") {
			cfg.Providers.TTS.APIKey = key
		}
	}
	if key, ok := lookup("ELEVENLABS_API_KEY"); ok && key != "" {
		if cfg.Providers.TTS.APIKey == "" && cfg.Providers.TTS.Name == "elevenlabs" {
			cfg.Providers.TTS.APIKey = key
		}
	}
	if key, ok := lookup("OPENAI_API_KEY"); ok && key != "" {
		if cfg.Providers.LLM.APIKey == "" && cfg.Providers.LLM.Name == "openai" {
			cfg.Providers.LLM.APIKey = key
		}
		if cfg.Providers.Embeddings.APIKey == "" && cfg.Providers.Embeddings.Name == "openai" {
			cfg.Providers.Embeddings.APIKey = key
		}
	}

	if v, ok := lookup("OPENCLAW_GATEWAY_URL"); ok && v != "" {
		cfg.Providers.Slow.BaseURL = v
		if cfg.Providers.Slow.Name == "" {
			cfg.Providers.Slow.Name = "openclaw"
		}
	}
	if v, ok := lookup("OPENCLAW_GATEWAY_TOKEN"); ok && v != "" {
		cfg.Providers.Slow.APIKey = v
	}

	if v, ok := lookup("HOST"); ok && v != "" {
		cfg.Server.Host = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("env PORT %q: %w", v, err))
		} else {
			cfg.Server.Port = port
		}
	}

	if v, ok := lookup("VOXLINE_CONTEXT_LIMIT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("env VOXLINE_CONTEXT_LIMIT %q: %w", v, err))
		} else {
			cfg.Session.ContextLimit = n
		}
	}
	if v, ok := lookup("VOXLINE_SUMMARIZATION"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("env VOXLINE_SUMMARIZATION %q: %w", v, err))
		} else {
			cfg.Session.Summarization = &b
		}
	}
	if v, ok := lookup("VOXLINE_TURN_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("env VOXLINE_TURN_TIMEOUT %q: %w", v, err))
		} else {
			cfg.Session.TurnTimeout = d
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func isNameOrEmpty(name, want string) bool {
	return name == "" || name == want
}

// ApplyDefaults fills every unset field of cfg with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Providers.STT.Name == "" {
		cfg.Providers.STT.Name = "deepgram"
	}
	if cfg.Providers.TTS.Name == "" {
		cfg.Providers.TTS.Name = "deepgram"
	}
	if cfg.Providers.Slow.Name == "openclaw" {
		if cfg.Providers.Slow.BaseURL == "" {
			cfg.Providers.Slow.BaseURL = DefaultSlowBaseURL
		}
		if cfg.Providers.Slow.Model == "" {
			cfg.Providers.Slow.Model = DefaultSlowModel
		}
	}

	if cfg.Session.ContextLimit == 0 {
		cfg.Session.ContextLimit = DefaultContextLimit
	}
	if cfg.Session.TurnTimeout == 0 {
		cfg.Session.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.Session.HistoryTurns == 0 {
		cfg.Session.HistoryTurns = DefaultHistoryTurns
	}

	if cfg.Agent.SystemPrompt == "" {
		cfg.Agent.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Agent.Greeting == nil {
		g := DefaultGreeting
		cfg.Agent.Greeting = &g
	}
	if cfg.Agent.FallbackText == "" {
		cfg.Agent.FallbackText = DefaultFallbackText
	}
	if cfg.Agent.SlowKeywords == nil {
		cfg.Agent.SlowKeywords = slices.Clone(DefaultSlowKeywords)
	}

	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = MemoryNone
	}
	if cfg.Memory.Backend == MemoryPostgres && cfg.Memory.EmbeddingDimensions == 0 {
		cfg.Memory.EmbeddingDimensions = 1536
	}

	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = DefaultBackupDir
	}
	if cfg.Backup.PruneSchedule == "" {
		cfg.Backup.PruneSchedule = DefaultPruneSchedule
	}

	if cfg.Outbound.TTL == 0 {
		cfg.Outbound.TTL = DefaultOutboundTTL
	}
	if cfg.Outbound.SweepSchedule == "" {
		cfg.Outbound.SweepSchedule = DefaultSweepSchedule
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.Slow.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	for _, e := range cfg.Providers.STTFallbacks {
		validateProviderName("stt", e.Name)
	}
	for _, e := range cfg.Providers.TTSFallbacks {
		validateProviderName("tts", e.Name)
	}
	for _, e := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", e.Name)
	}

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required; the fast path answers every call"))
	}
	for i, e := range cfg.Providers.STTFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
	}
	for i, e := range cfg.Providers.TTSFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
	}
	for i, e := range cfg.Providers.LLMFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
	}
	if cfg.Providers.Slow.Name != "" && cfg.Providers.Slow.BaseURL == "" && cfg.Providers.Slow.Name != cfg.Providers.LLM.Name {
		slog.Warn("providers.slow has no base_url; the provider default endpoint will be used", "name", cfg.Providers.Slow.Name)
	}
	if cfg.Providers.Slow.Name == "" && len(cfg.Agent.SlowKeywords) > 0 {
		slog.Debug("providers.slow is not configured; slow keywords are ignored")
	}

	// Session
	if cfg.Session.ContextLimit < 0 {
		errs = append(errs, fmt.Errorf("session.context_limit %d must not be negative", cfg.Session.ContextLimit))
	}
	if cfg.Session.TurnTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.turn_timeout %s must not be negative", cfg.Session.TurnTimeout))
	}
	if cfg.Session.HistoryTurns < 0 {
		errs = append(errs, fmt.Errorf("session.history_turns %d must not be negative", cfg.Session.HistoryTurns))
	}

	// Memory
	switch {
	case cfg.Memory.Backend != "" && !cfg.Memory.Backend.IsValid():
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: none, postgres, mcp", cfg.Memory.Backend))
	case cfg.Memory.Backend == MemoryPostgres && cfg.Memory.PostgresDSN == "":
		errs = append(errs, errors.New("memory.postgres_dsn is required when memory.backend is postgres"))
	case cfg.Memory.Backend == MemoryMCP && cfg.Memory.MCPURL == "":
		errs = append(errs, errors.New("memory.mcp_url is required when memory.backend is mcp"))
	}
	if cfg.Memory.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("memory.embedding_dimensions %d must not be negative", cfg.Memory.EmbeddingDimensions))
	}
	if cfg.Memory.Backend == MemoryPostgres && cfg.Providers.Embeddings.Name == "" {
		slog.Warn("memory.backend is postgres but providers.embeddings is not configured; search falls back to full text")
	}

	// Housekeeping
	if cfg.Backup.Retention < 0 {
		errs = append(errs, fmt.Errorf("backup.retention %s must not be negative", cfg.Backup.Retention))
	}
	if err := validateSchedule("backup.prune_schedule", cfg.Backup.PruneSchedule); err != nil {
		errs = append(errs, err)
	}
	if cfg.Outbound.TTL < 0 {
		errs = append(errs, fmt.Errorf("outbound.ttl %s must not be negative", cfg.Outbound.TTL))
	}
	if err := validateSchedule("outbound.sweep_schedule", cfg.Outbound.SweepSchedule); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// validateSchedule checks a cron spec in the standard five-field format or
// one of the @ descriptors. An empty spec is accepted.
func validateSchedule(field, spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%s %q is invalid: %w", field, spec, err)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
