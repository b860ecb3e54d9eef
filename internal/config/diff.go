package config

import "slices"

// ConfigDiff describes what changed between two configs. Log level and the
// upstream session settings apply live; every other change is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when voice, instructions, transcription model or
	// turn detection differ. New relay sessions pick up the new values.
	SessionChanged bool

	// RestartRequired names the sections whose changes only take effect after
	// a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares prev and next configs and returns what changed.
func Diff(prev, next *Config) ConfigDiff {
	d := ConfigDiff{}

	if prev.Server.LogLevel != next.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = next.Server.LogLevel
	}

	ou, nu := prev.Upstream, next.Upstream
	if ou.Voice != nu.Voice || ou.Instructions != nu.Instructions ||
		ou.TranscriptionModel != nu.TranscriptionModel || ou.TurnDetection != nu.TurnDetection {
		d.SessionChanged = true
	}

	so, sn := prev.Server, next.Server
	if so.ListenAddr != sn.ListenAddr || so.ShutdownTimeout != sn.ShutdownTimeout ||
		so.TLS != sn.TLS || !slices.Equal(so.AllowedOrigins, sn.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}

	if ou.APIKey != nu.APIKey || ou.RealtimeURL != nu.RealtimeURL || ou.Model != nu.Model ||
		!slices.Equal(ou.FallbackModels, nu.FallbackModels) || ou.OfferURL != nu.OfferURL ||
		ou.ChatURL != nu.ChatURL || ou.RequestTimeout != nu.RequestTimeout || ou.Breaker != nu.Breaker {
		d.RestartRequired = append(d.RestartRequired, "upstream")
	}

	if prev.Audio != next.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if prev.Transport != next.Transport {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if prev.Telemetry != next.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	if prev.History != next.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}

	return d
}
