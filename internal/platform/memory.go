package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"bellkeeper/internal/eventbus"
	"bellkeeper/internal/notification"
	logx "bellkeeper/pkg/logx"
)

type MemoryOptions struct {
	Capacity int
	// Fire arms a timer per pending instance and publishes a received event
	// when it elapses. Off for one-shot CLI runs.
	Fire bool
	Now  func() time.Time
}

// Memory is an in-process notification store. Instances are kept in their
// wire form so everything crossing the boundary goes through the codec.
type Memory struct {
	log  logx.Logger
	bus  eventbus.Bus
	opts MemoryOptions

	mu       sync.Mutex
	closed   bool
	pending  map[int]*entry
	channels map[string]Channel
	seq      uint64

	// delivered instances stay addressable for action replay
	recent *expirable.LRU[int, notification.Instance]
}

const (
	recentSize = 64
	recentTTL  = 24 * time.Hour
)

type entry struct {
	wire    notification.Wire
	timer   *time.Timer
	version uint64
}

func NewMemory(log logx.Logger, bus eventbus.Bus, opts MemoryOptions) *Memory {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Memory{
		log:      log.Named("platform"),
		bus:      bus,
		opts:     opts,
		pending:  map[int]*entry{},
		channels: map[string]Channel{},
		recent:   expirable.NewLRU[int, notification.Instance](recentSize, nil, recentTTL),
	}
}

func (m *Memory) Schedule(ctx context.Context, instances []notification.Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wires := make([]notification.Wire, 0, len(instances))
	for _, in := range instances {
		w, err := notification.ToWire(in)
		if err != nil {
			return err
		}
		wires = append(wires, w)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	fresh := 0
	for _, w := range wires {
		if _, ok := m.pending[w.ID]; !ok {
			fresh++
		}
	}
	if len(m.pending)+fresh > m.opts.Capacity {
		return fmt.Errorf("%w: %d pending + %d new > %d", ErrCapacity, len(m.pending), fresh, m.opts.Capacity)
	}

	for _, w := range wires {
		if old, ok := m.pending[w.ID]; ok && old.timer != nil {
			old.timer.Stop()
		}
		m.seq++
		e := &entry{wire: w, version: m.seq}
		if m.opts.Fire {
			id, ver := w.ID, e.version
			delay := w.ScheduleAt.Sub(m.opts.Now())
			if delay < 0 {
				delay = 0
			}
			e.timer = time.AfterFunc(delay, func() { m.fire(id, ver) })
		}
		m.pending[w.ID] = e
	}
	m.log.Debug("scheduled", logx.Int("count", len(wires)), logx.Int("pending", len(m.pending)))
	return nil
}

func (m *Memory) Cancel(ctx context.Context, ids []int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, id := range ids {
		e, ok := m.pending[id]
		if !ok {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(m.pending, id)
	}
	return nil
}

// Pending returns the pending instances ordered by fire time.
func (m *Memory) Pending(ctx context.Context) ([]notification.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	wires := make([]notification.Wire, 0, len(m.pending))
	for _, e := range m.pending {
		wires = append(wires, e.wire)
	}
	m.mu.Unlock()

	out := make([]notification.Instance, 0, len(wires))
	for _, w := range wires {
		in, err := notification.FromWire(w)
		if err != nil {
			m.log.Warn("dropping undecodable pending record", logx.Int("id", w.ID), logx.Err(err))
			continue
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) CreateChannel(ctx context.Context, ch Channel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.ID == "" {
		return fmt.Errorf("platform: channel id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID] = ch
	return nil
}

// Channels lists created channels by id.
func (m *Memory) Channels() []Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Channel, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Deliver fires a pending instance immediately, as if its time had come.
func (m *Memory) Deliver(id int) bool {
	m.mu.Lock()
	e, ok := m.pending[id]
	var ver uint64
	if ok {
		ver = e.version
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.fire(id, ver)
}

// Act publishes an action event for in (a tap on a delivered notification).
func (m *Memory) Act(in notification.Instance, actionID string) {
	if actionID == "" {
		actionID = "tap"
	}
	m.publish(eventbus.TypeAction, Delivery{Instance: in, ActionID: actionID, At: m.opts.Now()})
}

// Close stops every timer. Pending records are discarded.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, e := range m.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(m.pending, id)
	}
	return nil
}

func (m *Memory) fire(id int, ver uint64) bool {
	m.mu.Lock()
	e, ok := m.pending[id]
	if !ok || e.version != ver {
		m.mu.Unlock()
		return false
	}
	delete(m.pending, id)
	w := e.wire
	m.mu.Unlock()

	in, err := notification.FromWire(w)
	if err != nil {
		m.log.Warn("delivered record is undecodable", logx.Int("id", id), logx.Err(err))
		return false
	}
	m.recent.Add(id, in)
	m.publish(eventbus.TypeReceived, Delivery{Instance: in, At: m.opts.Now()})
	return true
}

// Delivered looks up an instance delivered within the last day.
func (m *Memory) Delivered(id int) (notification.Instance, bool) {
	return m.recent.Get(id)
}

func (m *Memory) publish(typ string, d Delivery) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: d.At, Data: d})
}
