package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/afero"
	yaml "go.yaml.in/yaml/v3"
)

// EnvPrefix prefixes every environment override (BELLKEEPER_STORAGE_DRIVER).
const EnvPrefix = "BELLKEEPER"

type ErrorType string

const (
	ErrRead       ErrorType = "read"
	ErrParsing    ErrorType = "parse"
	ErrEnv        ErrorType = "env"
	ErrValidation ErrorType = "validation"
)

// ConfigError says which loading step failed.
type ConfigError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Load reads path (JSON or YAML by extension), applies a .env file from the
// working directory if present, then BELLKEEPER_* overrides, fills defaults
// and validates. An empty path starts from defaults.
func Load(fs afero.Fs, path string) (*Config, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	_ = godotenv.Load()

	var cfg Config
	if strings.TrimSpace(path) != "" {
		b, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, &ConfigError{Type: ErrRead, Message: "read " + path, Err: err}
		}
		if err := decodeStrict(path, b, &cfg); err != nil {
			return nil, &ConfigError{Type: ErrParsing, Message: "decode " + path, Err: err}
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, &ConfigError{Type: ErrEnv, Message: "apply environment overrides", Err: err}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeStrict decodes JSON, or YAML coerced to JSON, rejecting unknown keys
// and trailing data.
func decodeStrict(path string, data []byte, out *Config) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("yaml unmarshal: %w", err)
		}
		if v == nil {
			return nil
		}
		j, err := json.Marshal(normalizeYAML(v))
		if err != nil {
			return fmt.Errorf("yaml->json marshal: %w", err)
		}
		data = j
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("trailing data")
		}
		return err
	}
	return nil
}

// normalizeYAML turns map[any]any into map[string]any so it can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

// ApplyDefaults fills omitted fields.
func (c *Config) ApplyDefaults() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if strings.TrimSpace(c.Settings.Path) == "" {
		c.Settings.Path = "./settings.yaml"
	}
	if c.Scheduler.MaintenanceHour == nil {
		h := 3
		c.Scheduler.MaintenanceHour = &h
	}
	if c.Scheduler.ZoneMode == "" {
		c.Scheduler.ZoneMode = "device"
	}
	if c.Scheduler.Capacity == 0 {
		c.Scheduler.Capacity = 500
	}
	if c.Debug.Addr == "" {
		c.Debug.Addr = "127.0.0.1:6061"
	}
}

// Validate checks struct tags, duration strings and the debug bind policy.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}
	durations := map[string]string{
		"storage.busy_timeout":         c.Storage.BusyTimeout,
		"scheduler.backup_offset":      c.Scheduler.BackupOffset,
		"scheduler.rebuild_max_age":    c.Scheduler.RebuildMaxAge,
		"scheduler.boot_rebuild_after": c.Scheduler.BootRebuildAfter,
		"timesync.timeout":             c.TimeSync.Timeout,
		"timesync.interval":            c.TimeSync.Interval,
		"timesync.retry_every":         c.TimeSync.RetryEvery,
		"delivery.marker_ttl":          c.Delivery.MarkerTTL,
		"delivery.quiet_poll":          c.Delivery.QuietPoll,
		"delivery.playback_duration":   c.Delivery.PlaybackDuration,
	}
	var errs []error
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Debug.Enabled && !c.Debug.AllowInsecure && strings.TrimSpace(c.Debug.Token) == "" && !isLoopback(c.Debug.Addr) {
		errs = append(errs, fmt.Errorf("debug.addr %q is not loopback; set debug.token or debug.allow_insecure", c.Debug.Addr))
	}
	if err := errors.Join(errs...); err != nil {
		return &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}
	return nil
}

func isLoopback(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Duration returns raw parsed, or def when raw is empty, zero or invalid.
// Validate has already reported invalid values.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
