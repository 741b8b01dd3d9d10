// Package scheduler owns the live recurrence configuration and drives the
// reconciler from three sources: configuration saves, the nightly trigger and
// boot re-entry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bellkeeper/internal/eventbus"
	"bellkeeper/internal/metrics"
	"bellkeeper/internal/nightly"
	"bellkeeper/internal/reconciler"
	"bellkeeper/internal/recurrence"
	"bellkeeper/internal/settings"
	"bellkeeper/internal/storage"
	logx "bellkeeper/pkg/logx"
)

// Reconciler is the part of reconciler.Reconciler the scheduler drives.
type Reconciler interface {
	Reconcile(ctx context.Context, cfg recurrence.Config) (reconciler.Result, error)
}

type Deps struct {
	Settings   settings.Store
	Reconciler Reconciler
	Store      storage.Store
	Bus        eventbus.Bus
	Metrics    *metrics.Metrics
	Now        func() time.Time
	// Pending counts what the platform holds; see nightly.Deps.Pending.
	Pending func(ctx context.Context) (int, error)
}

type Scheduler struct {
	log   logx.Logger
	deps  Deps
	night *nightly.Trigger

	mu      sync.RWMutex
	cfg     recurrence.Config
	fp      string
	running bool
	stop    context.CancelFunc
	done    chan struct{}
}

func New(log logx.Logger, deps Deps, nightCfg nightly.Config) (*Scheduler, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Settings == nil || deps.Reconciler == nil {
		return nil, errors.New("scheduler: settings store and reconciler are required")
	}
	s := &Scheduler{log: log.Named("scheduler"), deps: deps}
	s.cfg = recurrence.FromSettings(deps.Settings)
	s.fp = recurrence.Fingerprint(s.cfg)

	night, err := nightly.New(nightCfg, log, nightly.Deps{
		Now:     deps.Now,
		Store:   deps.Store,
		Config:  s.Current,
		Rebuild: s.rebuild,
		Pending: deps.Pending,
		Bus:     deps.Bus,
		Metrics: deps.Metrics,
	})
	if err != nil {
		return nil, err
	}
	s.night = night
	return s, nil
}

// Current returns the configuration the next rebuild will use.
func (s *Scheduler) Current() recurrence.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Scheduler) Nightly() *nightly.Trigger { return s.night }

// ApplyNightly changes the maintenance schedule of a running scheduler.
func (s *Scheduler) ApplyNightly(cfg nightly.Config) error { return s.night.Apply(cfg) }

// OnConfigChanged adopts cfg and reconciles immediately.
func (s *Scheduler) OnConfigChanged(ctx context.Context, cfg recurrence.Config) (reconciler.Result, error) {
	s.mu.Lock()
	s.cfg = cfg
	s.fp = recurrence.Fingerprint(cfg)
	s.mu.Unlock()
	return s.reconcile(ctx, cfg, "config changed")
}

// Reconcile rebuilds from the current configuration.
func (s *Scheduler) Reconcile(ctx context.Context, reason string) (reconciler.Result, error) {
	return s.reconcile(ctx, s.Current(), reason)
}

func (s *Scheduler) rebuild(ctx context.Context, cfg recurrence.Config, reason string) error {
	_, err := s.reconcile(ctx, cfg, reason)
	return err
}

func (s *Scheduler) reconcile(ctx context.Context, cfg recurrence.Config, reason string) (res reconciler.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("scheduler: reconcile panicked: %v", rec)
			s.log.Error("reconcile panicked", logx.String("reason", reason), logx.Any("panic", rec))
		}
	}()
	s.log.Debug("reconcile requested", logx.String("reason", reason))
	return s.deps.Reconciler.Reconcile(ctx, cfg)
}

// OnBoot forces a rebuild when the last one is missing or old, or the
// platform came up empty.
func (s *Scheduler) OnBoot(ctx context.Context) (bool, error) {
	return s.night.Boot(ctx)
}

// Start arms the nightly trigger and follows settings changes until Stop.
// It is idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	changes, unsub := s.deps.Settings.Subscribe(1)
	go func() {
		defer close(done)
		defer unsub()
		s.follow(runCtx, changes)
	}()
	s.night.Start(runCtx)
	s.log.Info("scheduler started", logx.String("fingerprint", s.fingerprint()))
}

func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.stop, s.done
	s.mu.Unlock()

	s.night.Stop(ctx)
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Scheduler) fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fp
}

// follow reconciles on every settings snapshot that changes the schedule.
// Saves touching only non-schedule keys (premium) are ignored.
func (s *Scheduler) follow(ctx context.Context, changes <-chan settings.Values) {
	for {
		select {
		case <-ctx.Done():
			return
		case vals, ok := <-changes:
			if !ok {
				return
			}
			cfg := recurrence.FromSettings(vals)
			fp := recurrence.Fingerprint(cfg)
			if fp == s.fingerprint() {
				s.mu.Lock()
				s.cfg = cfg
				s.mu.Unlock()
				continue
			}
			if _, err := s.OnConfigChanged(ctx, cfg); err != nil {
				s.log.Warn("reconcile after settings change failed", logx.Err(err))
			}
		}
	}
}
