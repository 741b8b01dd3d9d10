package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	logx "bellkeeper/pkg/logx"
)

// Store is the persistence API used by the scheduler services.
type Store interface {
	GetState(ctx context.Context, key string) (value string, ok bool, err error)
	PutState(ctx context.Context, key, value string) error
	PutMarker(ctx context.Context, key string, until time.Time) error
	GetMarker(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Named("storage").With(logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Memory is a process-local Store.
type Memory struct {
	mu      sync.Mutex
	state   map[string]string
	markers map[string]int64
}

func NewMemory() *Memory {
	return &Memory{state: map[string]string{}, markers: map[string]int64{}}
}

func (m *Memory) GetState(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.state[key]
	return v, ok, nil
}

func (m *Memory) PutState(_ context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.state[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutMarker(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.markers[key] = until.UnixMilli()
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetMarker(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.markers[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (m *Memory) Close() error { return nil }

// GetTime reads an RFC 3339 state value. Unparsable values read as absent.
func GetTime(ctx context.Context, st Store, key string) (time.Time, bool, error) {
	if st == nil {
		return time.Time{}, false, ErrDisabled
	}
	v, ok, err := st.GetState(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, perr := time.Parse(time.RFC3339Nano, v)
	if perr != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

func PutTime(ctx context.Context, st Store, key string, t time.Time) error {
	if st == nil {
		return ErrDisabled
	}
	return st.PutState(ctx, key, t.UTC().Format(time.RFC3339Nano))
}
