// Package nightly re-derives the schedule once a day at the maintenance hour
// when configuration changed or the last rebuild is getting old, and decides
// whether a boot needs a forced rebuild.
package nightly

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"bellkeeper/internal/eventbus"
	"bellkeeper/internal/metrics"
	"bellkeeper/internal/recurrence"
	"bellkeeper/internal/storage"
	logx "bellkeeper/pkg/logx"
)

type State int

const (
	Idle State = iota
	Checking
)

func (s State) String() string {
	if s == Checking {
		return "checking"
	}
	return "idle"
}

type Outcome string

const (
	OutcomeAlready   Outcome = "already_rebuilt"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeRebuilt   Outcome = "rebuilt"
	OutcomeFailed    Outcome = "failed"
)

const (
	dayLayout   = "2006-01-02"
	DefaultHour = 3
)

type Config struct {
	// Hour is the local maintenance hour (0..23); nil means DefaultHour.
	Hour *int
	// MaxAge forces a rebuild when the last one is older, even if unchanged.
	MaxAge time.Duration
	// BootAfter forces a rebuild at boot when the last one is older.
	BootAfter time.Duration
}

func (c Config) withDefaults() Config {
	h := DefaultHour
	if c.Hour != nil && *c.Hour >= 0 && *c.Hour <= 23 {
		h = *c.Hour
	}
	c.Hour = &h
	if c.MaxAge <= 0 {
		c.MaxAge = 72 * time.Hour
	}
	if c.BootAfter <= 0 {
		c.BootAfter = 12 * time.Hour
	}
	return c
}

// Rebuild runs one reconcile for cfg.
type Rebuild func(ctx context.Context, cfg recurrence.Config, reason string) error

type Deps struct {
	Now     func() time.Time
	Store   storage.Store
	Config  func() recurrence.Config
	Rebuild Rebuild
	// Pending counts the instances the platform currently holds. When set,
	// an empty platform after a recorded non-empty run forces a rebuild.
	Pending func(ctx context.Context) (int, error)
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
}

// Check is the Data of nightly.checked events.
type Check struct {
	Outcome     Outcome
	Fingerprint string
	At          time.Time
	Next        time.Time
	Err         error
}

// Trigger owns a single timer armed for the next maintenance hour. Every
// re-arm stops the previous timer and bumps a version so a stale callback
// that already started is ignored.
type Trigger struct {
	log  logx.Logger
	deps Deps

	mu      sync.Mutex
	cfg     Config
	sched   cron.Schedule
	timer   *time.Timer
	version uint64
	state   State
	running bool
	ctx     context.Context
	next    time.Time
}

func New(cfg Config, log logx.Logger, deps Deps) (*Trigger, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config == nil || deps.Rebuild == nil {
		return nil, errors.New("nightly: config source and rebuild are required")
	}
	t := &Trigger{log: log.Named("nightly"), deps: deps}
	if err := t.Apply(cfg); err != nil {
		return nil, err
	}
	return t, nil
}

// Apply changes the maintenance hour; a running trigger is re-armed.
func (t *Trigger) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	sched, err := cron.ParseStandard(fmt.Sprintf("0 %d * * *", *cfg.Hour))
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
	t.sched = sched
	if t.running {
		t.armLocked()
	}
	return nil
}

// NextRun is the first maintenance instant strictly after now.
func (t *Trigger) NextRun(now time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sched.Next(now)
}

func (t *Trigger) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.ctx = ctx
	t.armLocked()
}

func (t *Trigger) Stop(_ context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.version++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.next = time.Time{}
}

// Status reports the state and the armed instant (zero when stopped).
func (t *Trigger) Status() (State, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.next
}

func (t *Trigger) armLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.version++
	ver := t.version
	now := t.deps.Now()
	t.next = t.sched.Next(now)
	delay := t.next.Sub(now)
	if delay < 0 {
		delay = 0
	}
	t.timer = time.AfterFunc(delay, func() { t.fire(ver) })
	t.log.Debug("armed", logx.Time("next", t.next), logx.Duration("in", delay))
}

func (t *Trigger) fire(ver uint64) {
	t.mu.Lock()
	if !t.running || ver != t.version || t.state == Checking {
		t.mu.Unlock()
		return
	}
	t.state = Checking
	ctx := t.ctx
	t.mu.Unlock()

	_, _ = t.Check(ctx)

	t.mu.Lock()
	t.state = Idle
	if t.running && ver == t.version {
		t.armLocked()
	}
	t.mu.Unlock()
}

// Check is one maintenance-hour evaluation. It reconciles at most once.
func (t *Trigger) Check(ctx context.Context) (Outcome, error) {
	now := t.deps.Now()
	today := now.Format(dayLayout)
	cfg := t.deps.Config()
	fp := recurrence.Fingerprint(cfg)
	st := t.deps.Store

	outcome, err := t.evaluate(ctx, now, today, cfg, fp)
	if outcome != OutcomeFailed && st != nil {
		if perr := st.PutState(ctx, storage.KeyRebuiltDay, today); perr != nil {
			t.log.Warn("persist rebuilt day failed", logx.Err(perr))
		}
	}

	t.deps.Metrics.IncNightly(string(outcome))
	t.log.Info("nightly check", logx.String("outcome", string(outcome)), logx.String("fingerprint", fp), logx.Err(err))
	if t.deps.Bus != nil {
		t.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeNightly, Time: now, Data: Check{
			Outcome: outcome, Fingerprint: fp, At: now, Next: t.NextRun(now), Err: err,
		}})
	}
	return outcome, err
}

func (t *Trigger) evaluate(ctx context.Context, now time.Time, today string, cfg recurrence.Config, fp string) (Outcome, error) {
	st := t.deps.Store
	t.mu.Lock()
	maxAge := t.cfg.MaxAge
	t.mu.Unlock()

	var (
		storedFP string
		haveFP   bool
		last     time.Time
		haveLast bool
	)
	if st != nil {
		if day, ok, _ := st.GetState(ctx, storage.KeyRebuiltDay); ok && day == today {
			return OutcomeAlready, nil
		}
		storedFP, haveFP, _ = st.GetState(ctx, storage.KeyFingerprint)
		last, haveLast, _ = storage.GetTime(ctx, st, storage.KeyLastRebuild)
		if haveLast && last.In(now.Location()).Format(dayLayout) == today && haveFP && storedFP == fp {
			return OutcomeAlready, nil
		}
	}

	stale := !haveLast || now.Sub(last) > maxAge
	lost := t.platformLost(ctx)
	if haveFP && storedFP == fp && !stale && !lost {
		return OutcomeUnchanged, nil
	}

	reason := "rebuild too old"
	switch {
	case !haveFP:
		reason = "no fingerprint"
	case storedFP != fp:
		reason = "fingerprint changed"
	case lost:
		reason = "platform empty"
	}
	if err := t.deps.Rebuild(ctx, cfg, reason); err != nil {
		return OutcomeFailed, err
	}
	if st != nil {
		if err := st.PutState(ctx, storage.KeyFingerprint, fp); err != nil {
			t.log.Warn("persist fingerprint failed", logx.Err(err))
		}
	}
	return OutcomeRebuilt, nil
}

// platformLost reports a platform holding nothing although the last recorded
// run scheduled instances, as after a restart with an in-process platform.
func (t *Trigger) platformLost(ctx context.Context) bool {
	if t.deps.Pending == nil || t.deps.Store == nil {
		return false
	}
	v, ok, err := t.deps.Store.GetState(ctx, storage.KeyLastScheduled)
	if err != nil || !ok {
		return false
	}
	if n, err := strconv.Atoi(v); err != nil || n <= 0 {
		return false
	}
	pending, err := t.deps.Pending(ctx)
	if err != nil {
		t.log.Warn("pending count unavailable", logx.Err(err))
		return false
	}
	return pending == 0
}

// Boot forces a rebuild when no rebuild was recorded, the last one is older
// than BootAfter, or the platform lost the recorded schedule. It reports
// whether a rebuild ran.
func (t *Trigger) Boot(ctx context.Context) (bool, error) {
	t.mu.Lock()
	after := t.cfg.BootAfter
	t.mu.Unlock()

	now := t.deps.Now()
	var (
		last time.Time
		ok   bool
	)
	if t.deps.Store != nil {
		last, ok, _ = storage.GetTime(ctx, t.deps.Store, storage.KeyLastRebuild)
	}
	reason := "boot"
	if ok && now.Sub(last) <= after {
		if !t.platformLost(ctx) {
			t.log.Debug("boot rebuild skipped", logx.Time("last_rebuild", last))
			return false, nil
		}
		reason = "boot: platform empty"
	}
	return true, t.deps.Rebuild(ctx, t.deps.Config(), reason)
}
