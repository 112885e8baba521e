package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only log level and version are applied live; anything else needs a
// restart and is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VersionChanged bool
	NewVersion     string

	// RestartRequired names the top-level sections whose changes are only
	// picked up by a restart.
	RestartRequired []string
}

// Empty reports whether d records no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VersionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.Version != new.Server.Version {
		d.VersionChanged = true
		d.NewVersion = new.Server.Version
	}

	// Compare the server section without the live fields.
	oldSrv, newSrv := old.Server, new.Server
	oldSrv.LogLevel, newSrv.LogLevel = "", ""
	oldSrv.Version, newSrv.Version = "", ""
	if !reflect.DeepEqual(oldSrv, newSrv) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Schedule != new.Schedule {
		d.RestartRequired = append(d.RestartRequired, "schedule")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	slices.Sort(d.RestartRequired)
	return d
}
