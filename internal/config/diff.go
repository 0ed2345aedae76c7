package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; RestartRequired
// reports changes the running process ignores.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	HandsFreeChanged bool
	NewHandsFree     bool

	// RestartRequired is true when any non-reloadable section changed
	// (server address, backends, archive, viewer, telemetry, voice timing).
	RestartRequired bool
}

// Changed reports whether any hot-reloadable field changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.HandsFreeChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Voice.HandsFree != new.Voice.HandsFree {
		d.HandsFreeChanged = true
		d.NewHandsFree = new.Voice.HandsFree
	}

	// Compare the rest with the reloadable fields masked out.
	o, n := *old, *new
	o.Server.LogLevel, n.Server.LogLevel = "", ""
	o.Voice.HandsFree, n.Voice.HandsFree = false, false
	d.RestartRequired = !restartEqual(&o, &n)

	return d
}

func restartEqual(a, b *Config) bool {
	if a.Server.ListenAddr != b.Server.ListenAddr || !tlsEqual(a.Server.TLS, b.Server.TLS) {
		return false
	}
	if a.Backend.BackendEntry != b.Backend.BackendEntry || a.Backend.Breaker != b.Backend.Breaker {
		return false
	}
	if len(a.Backend.ChatFallbacks) != len(b.Backend.ChatFallbacks) {
		return false
	}
	for i := range a.Backend.ChatFallbacks {
		if a.Backend.ChatFallbacks[i] != b.Backend.ChatFallbacks[i] {
			return false
		}
	}
	return a.Voice == b.Voice &&
		a.Viewer == b.Viewer &&
		a.Archive == b.Archive &&
		a.Telemetry == b.Telemetry
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
