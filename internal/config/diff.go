package config

import (
	"reflect"

	logx "bellkeeper/pkg/logx"
)

// Summarize lists the sections that differ between two configurations and
// returns log fields describing the new values. The debug token is never
// included, only whether one is set.
func Summarize(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Settings != newCfg.Settings {
		changed = append(changed, "settings")
		fields = append(fields, logx.String("settings.path", newCfg.Settings.Path), logx.Bool("settings.watch", newCfg.Settings.Watch))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		hour := -1
		if newCfg.Scheduler.MaintenanceHour != nil {
			hour = *newCfg.Scheduler.MaintenanceHour
		}
		fields = append(fields,
			logx.Int("scheduler.maintenance_hour", hour),
			logx.String("scheduler.zone_mode", newCfg.Scheduler.ZoneMode),
			logx.Int("scheduler.capacity", newCfg.Scheduler.Capacity),
		)
	}
	if !reflect.DeepEqual(oldCfg.TimeSync, newCfg.TimeSync) {
		changed = append(changed, "timesync")
		fields = append(fields, logx.Bool("timesync.enabled", newCfg.TimeSync.Enabled), logx.Int("timesync.endpoints", len(newCfg.TimeSync.Endpoints)))
	}
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		fields = append(fields, logx.String("delivery.marker_ttl", newCfg.Delivery.MarkerTTL))
	}
	if oldCfg.Platform != newCfg.Platform {
		changed = append(changed, "platform")
		fields = append(fields, logx.Bool("platform.dry_run", newCfg.Platform.DryRun))
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		fields = append(fields,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}
	return changed, fields
}

// RestartRequired reports sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "settings", "delivery", "platform", "debug":
			out = append(out, s)
		}
	}
	return out
}
