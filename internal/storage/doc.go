// Package storage persists the scheduler's small bookkeeping state: the last
// rebuild fingerprint and timestamps, the time-sync offset, and short-lived
// delivery markers that must survive a restart.
//
// Drivers: "memory" (default), "file" (JSON snapshot plus a JSON Lines
// journal for markers) and "sqlite".
package storage
