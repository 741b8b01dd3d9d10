// Package config is the daemon's own configuration: where settings and state
// live, how the scheduler behaves, and which optional surfaces run. The
// schedule itself comes from the settings store, not from here.
package config

// Config is loaded from a JSON or YAML file, then overridden by BELLKEEPER_*
// environment variables.
//
// All durations are Go duration strings ("30s", "6h").
type Config struct {
	Logging   LoggingConfig   `json:"logging" envconfig:"LOGGING"`
	Storage   StorageConfig   `json:"storage" envconfig:"STORAGE"`
	Settings  SettingsConfig  `json:"settings" envconfig:"SETTINGS"`
	Scheduler SchedulerConfig `json:"scheduler" envconfig:"SCHEDULER"`
	TimeSync  TimeSyncConfig  `json:"timesync" envconfig:"TIMESYNC"`
	Delivery  DeliveryConfig  `json:"delivery" envconfig:"DELIVERY"`
	Platform  PlatformConfig  `json:"platform" envconfig:"PLATFORM"`
	Debug     DebugConfig     `json:"debug" envconfig:"DEBUG"`
}

type LoggingConfig struct {
	Level   string      `json:"level" split_words:"true" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool        `json:"console" split_words:"true"`
	JSON    bool        `json:"json" split_words:"true"`
	File    LoggingFile `json:"file" envconfig:"FILE"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" split_words:"true"`
	Path    string `json:"path" split_words:"true"`
}

// StorageConfig selects the persistence driver.
//
//	"storage": { "driver": "sqlite", "path": "./bellkeeper.db" }
type StorageConfig struct {
	Driver      string `json:"driver" split_words:"true" validate:"omitempty,oneof=none memory file sqlite sqlite3"`
	Path        string `json:"path" split_words:"true" validate:"required_if=Driver file,required_if=Driver sqlite,required_if=Driver sqlite3"`
	BusyTimeout string `json:"busy_timeout,omitempty" split_words:"true"`
}

// SettingsConfig points at the key/value document the settings screens write.
type SettingsConfig struct {
	Path  string `json:"path" split_words:"true" validate:"required"`
	Watch bool   `json:"watch" split_words:"true"`
}

type SchedulerConfig struct {
	// MaintenanceHour is the local hour of the nightly check (default 3).
	MaintenanceHour *int   `json:"maintenance_hour,omitempty" split_words:"true" validate:"omitempty,min=0,max=23"`
	BackupOffset    string `json:"backup_offset,omitempty" split_words:"true"`
	Capacity        int    `json:"capacity,omitempty" split_words:"true" validate:"omitempty,min=2"`
	// ZoneMode is "device" (default) or "target".
	ZoneMode         string `json:"zone_mode,omitempty" split_words:"true" validate:"omitempty,oneof=device target"`
	RebuildMaxAge    string `json:"rebuild_max_age,omitempty" split_words:"true"`
	BootRebuildAfter string `json:"boot_rebuild_after,omitempty" split_words:"true"`
}

type TimeSyncConfig struct {
	Enabled    bool             `json:"enabled" split_words:"true"`
	Endpoints  []EndpointConfig `json:"endpoints,omitempty" ignored:"true" validate:"dive"`
	Timeout    string           `json:"timeout,omitempty" split_words:"true"`
	Interval   string           `json:"interval,omitempty" split_words:"true"`
	RetryEvery string           `json:"retry_every,omitempty" split_words:"true"`
}

type EndpointConfig struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url" validate:"required,url"`
	Kind string `json:"kind,omitempty" validate:"omitempty,oneof=date json"`
}

type DeliveryConfig struct {
	MarkerTTL   string `json:"marker_ttl,omitempty" split_words:"true"`
	MarkerCache int    `json:"marker_cache,omitempty" split_words:"true" validate:"omitempty,min=1"`
	QuietPoll   string `json:"quiet_poll,omitempty" split_words:"true"`
	// PlaybackDuration is how long the log player reports a sound as playing.
	PlaybackDuration string `json:"playback_duration,omitempty" split_words:"true"`
}

// PlatformConfig configures the in-process notification store.
type PlatformConfig struct {
	// DryRun keeps instances pending without arming delivery timers.
	DryRun bool `json:"dry_run" split_words:"true"`
}

// DebugConfig controls the optional debug HTTP server.
//
// Prefer a loopback address; a non-loopback one needs a token or
// allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled" split_words:"true"`
	Addr          string `json:"addr,omitempty" split_words:"true" validate:"omitempty,hostname_port"`
	Token         string `json:"token,omitempty" split_words:"true"`
	AllowInsecure bool   `json:"allow_insecure,omitempty" split_words:"true"`
	Pprof         bool   `json:"pprof,omitempty" split_words:"true"`
}
