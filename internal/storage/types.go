package storage

import (
	"errors"
	"time"

	"github.com/spf13/afero"
)

var ErrDisabled = errors.New("storage disabled")

// State keys.
const (
	KeyFingerprint   = "schedule.fingerprint"
	KeyLastRebuild   = "schedule.last_rebuild"
	KeyRebuiltDay    = "schedule.rebuilt_day"
	KeyTimeOffsetMS  = "timesync.offset_ms"
	KeyTimeLastSync  = "timesync.last_sync"
	KeyLastRunID     = "schedule.last_run_id"
	KeyLastScheduled = "schedule.last_count"
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, lost on exit
//   - "file": <path>.state.json plus a marker journal next to it
//   - "sqlite": SQLite database file
//
// "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Fs backs the file driver; nil means the OS filesystem.
	Fs afero.Fs
}

type markerRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}
