// Package logx is the structured logger used across bellkeeper, a thin
// value-typed wrapper over zerolog.
//
// A Service owns the process sinks (console, JSON console for journald, an
// append-only file) and can be re-applied on config reload; Loggers taken
// from it follow the change. Components tag their lines with Named, and
// Sampled rate-limits warnings that would otherwise repeat every reconcile.
package logx
