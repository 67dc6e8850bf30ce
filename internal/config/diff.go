package config

import "time"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DisplayIntervalChanged bool
	NewDisplayInterval     time.Duration

	TelemetryIntervalChanged bool
	NewTelemetryInterval     time.Duration

	// RestartRequired is set when a field outside the hot-reloadable set
	// changed.
	RestartRequired bool
}

// Changed reports whether any hot-reloadable field changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.DisplayIntervalChanged || d.TelemetryIntervalChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Display.MinInterval != new.Display.MinInterval {
		d.DisplayIntervalChanged = true
		d.NewDisplayInterval = new.Display.MinInterval
	}
	if old.Telemetry.Interval != new.Telemetry.Interval {
		d.TelemetryIntervalChanged = true
		d.NewTelemetryInterval = new.Telemetry.Interval
	}

	// Mask the hot fields and compare the rest.
	a, b := *old, *new
	a.Server.LogLevel, b.Server.LogLevel = "", ""
	a.Display.MinInterval, b.Display.MinInterval = 0, 0
	a.Telemetry.Interval, b.Telemetry.Interval = 0, 0
	d.RestartRequired = a != b

	return d
}
