package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"

	"bellkeeper/internal/config"
	"bellkeeper/internal/delivery"
	"bellkeeper/internal/nightly"
	"bellkeeper/internal/observability/debughttp"
	"bellkeeper/internal/reconciler"
	"bellkeeper/internal/storage"
	"bellkeeper/internal/timesync"
	logx "bellkeeper/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig reports enabled=false for the "none" driver.
func mapStorageConfig(cfg *config.Config, fs afero.Fs) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "none":
		return storage.Config{}, false, nil
	case "", "memory":
		return storage.Config{Driver: "memory"}, true, nil
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path, Fs: fs}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		if busy == 0 {
			busy = time.Second
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapReconciler(cfg *config.Config) reconciler.Options {
	return reconciler.Options{
		Capacity:     cfg.Scheduler.Capacity,
		BackupOffset: config.Duration(cfg.Scheduler.BackupOffset, 0),
		ZoneMode:     cfg.Scheduler.ZoneMode,
	}
}

func mapNightly(cfg *config.Config) nightly.Config {
	return nightly.Config{
		Hour:      cfg.Scheduler.MaintenanceHour,
		MaxAge:    config.Duration(cfg.Scheduler.RebuildMaxAge, 0),
		BootAfter: config.Duration(cfg.Scheduler.BootRebuildAfter, 0),
	}
}

func mapTimeSync(cfg *config.Config) timesync.Config {
	tc := cfg.TimeSync
	eps := make([]timesync.Endpoint, 0, len(tc.Endpoints))
	for _, e := range tc.Endpoints {
		eps = append(eps, timesync.Endpoint{Name: e.Name, URL: e.URL, Kind: e.Kind})
	}
	return timesync.Config{
		Endpoints:  eps,
		Timeout:    config.Duration(tc.Timeout, 0),
		Interval:   config.Duration(tc.Interval, 0),
		RetryEvery: config.Duration(tc.RetryEvery, 0),
	}
}

func mapDelivery(cfg *config.Config) delivery.Config {
	return delivery.Config{
		MarkerTTL:   config.Duration(cfg.Delivery.MarkerTTL, 0),
		PollEvery:   config.Duration(cfg.Delivery.QuietPoll, 0),
		MarkerCache: cfg.Delivery.MarkerCache,
	}
}

func mapDebug(cfg *config.Config) debughttp.Config {
	d := cfg.Debug
	return debughttp.Config{
		Enabled:       d.Enabled,
		Addr:          d.Addr,
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
	}
}
