// Package settings is the configuration store port: a flat key/value view of
// what the settings screens saved, read at schedule-build time.
//
// Two backends exist: Memory (tests, embedding) and FileStore (a JSON or YAML
// document on disk, hot-reloaded with fsnotify).
package settings

import (
	"sort"
	"sync"
)

// Keys read by the scheduler.
const (
	KeyEnabled          = "bells.enabled"
	KeyTradition        = "bells.tradition"
	KeyStartTime        = "bells.start_time"
	KeyEndTime          = "bells.end_time"
	KeyHalfHour         = "bells.half_hour"
	KeyPauseEnabled     = "bells.pause_enabled"
	KeyPauseStart       = "bells.pause_start"
	KeyPauseEnd         = "bells.pause_end"
	KeyDays             = "bells.days"
	KeyTimezone         = "bells.timezone"
	KeyPrayerEnabled    = "prayer.enabled"
	KeyPrayerName       = "prayer.name"
	KeyPrayerTime       = "prayer.time"
	KeyPrayerCallType   = "prayer.call_type"
	KeyPrayerReminders  = "prayer.reminders"
	KeyReminderWithBell = "prayer.reminder_with_bell"
	KeyPremium          = "premium"
)

// Values is an immutable snapshot of the store.
type Values map[string]string

func (v Values) Get(key string) (string, bool) {
	s, ok := v[key]
	return s, ok
}

// Keys returns the snapshot's keys in sorted order.
func (v Values) Keys() []string {
	out := make([]string, 0, len(v))
	for k := range v {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Reader is what the expander needs.
type Reader interface {
	Get(key string) (string, bool)
}

// Store is the configuration port: get, set, subscribe.
type Store interface {
	Reader
	Set(key, value string) error
	Snapshot() Values
	// Subscribe delivers a snapshot after every committed change. Slow
	// subscribers see only the latest snapshot.
	Subscribe(buffer int) (<-chan Values, func())
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	vals Values
	subs fanout
}

func NewMemory(initial map[string]string) *Memory {
	m := &Memory{vals: Values{}}
	for k, v := range initial {
		m.vals[k] = v
	}
	return m
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vals[key]
	return v, ok
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	if cur, ok := m.vals[key]; ok && cur == value {
		m.mu.Unlock()
		return nil
	}
	m.vals[key] = value
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.subs.publish(snap)
	return nil
}

// SetMany commits several keys as one change (one publish).
func (m *Memory) SetMany(kv map[string]string) {
	m.mu.Lock()
	for k, v := range kv {
		m.vals[k] = v
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.subs.publish(snap)
}

func (m *Memory) Snapshot() Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Memory) snapshotLocked() Values {
	out := make(Values, len(m.vals))
	for k, v := range m.vals {
		out[k] = v
	}
	return out
}

func (m *Memory) Subscribe(buffer int) (<-chan Values, func()) {
	return m.subs.subscribe(buffer)
}

// fanout mirrors the config manager's delivery rule: always try to deliver
// the newest value, dropping one stale value when the buffer is full.
type fanout struct {
	mu   sync.Mutex
	subs []chan Values
}

func (f *fanout) subscribe(buffer int) (<-chan Values, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Values, buffer)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, s := range f.subs {
				if s == ch {
					last := len(f.subs) - 1
					f.subs[i] = f.subs[last]
					f.subs[last] = nil
					f.subs = f.subs[:last]
					close(ch)
					return
				}
			}
		})
	}
}

func (f *fanout) publish(v Values) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}
