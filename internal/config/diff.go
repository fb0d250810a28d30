package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the session section and the log level are applied live; every other
// change is listed in RestartRequired.
type ConfigDiff struct {
	SessionChanged bool
	NewSession     SessionConfig
	SessionChanges []string // yaml keys of the changed session fields

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists top-level sections that changed but only take
	// effect after a restart.
	RestartRequired []string
}

// HasChanges reports whether d carries any difference at all.
func (d ConfigDiff) HasChanges() bool {
	return d.SessionChanged || d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{NewSession: new.Session}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionChanges = diffSession(old.Session, new.Session)
	d.SessionChanged = len(d.SessionChanges) > 0

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !reflect.DeepEqual(old.Agent, new.Agent) {
		d.RestartRequired = append(d.RestartRequired, "agent")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if old.Backup != new.Backup {
		d.RestartRequired = append(d.RestartRequired, "backup")
	}
	if old.Outbound != new.Outbound {
		d.RestartRequired = append(d.RestartRequired, "outbound")
	}

	return d
}

// diffSession compares two session sections field by field.
func diffSession(old, new SessionConfig) []string {
	var changed []string
	if old.ContextLimit != new.ContextLimit {
		changed = append(changed, "context_limit")
	}
	if old.SummarizationEnabled() != new.SummarizationEnabled() {
		changed = append(changed, "summarization")
	}
	if old.TurnTimeout != new.TurnTimeout {
		changed = append(changed, "turn_timeout")
	}
	if old.HistoryTurns != new.HistoryTurns {
		changed = append(changed, "history_turns")
	}
	return changed
}
