package config

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/spf13/afero"

	"bellkeeper/pkg/fswatch"
	logx "bellkeeper/pkg/logx"
)

// Manager holds the committed configuration and republishes it when the
// file changes. A reload that fails to parse or validate is logged and the
// previous configuration stays in effect.
type Manager struct {
	fs   afero.Fs
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	subsMu sync.Mutex
	subs   []chan *Config
}

func NewManager(fs afero.Fs, path string, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{fs: fs, path: path, log: log.Named("config")}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log.Named("config")
	}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) Load() (*Config, error) {
	cfg, err := Load(m.fs, m.path)
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe receives every committed reload. A slow subscriber only sees
// the newest configuration.
func (m *Manager) Subscribe(buffer int) (<-chan *Config, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			for i, s := range m.subs {
				if s == ch {
					m.subs = append(m.subs[:i], m.subs[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Reload re-reads the file; it reports whether a new configuration was published.
func (m *Manager) Reload() (bool, error) {
	cfg, err := Load(m.fs, m.path)
	if err != nil {
		return false, err
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	old := m.cfg
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return false, nil
	}

	sections, fields := Summarize(old, cfg)
	m.commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", append(fields, logx.Any("changed", sections), logx.String("hash", fmt.Sprintf("%x", h)))...)
	return true, nil
}

// Watch reloads on file changes until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	return fswatch.Watch(ctx, m.log, m.path, fswatch.Options{}, func() {
		if _, err := m.Reload(); err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		}
	})
}
