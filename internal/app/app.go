// Package app wires the daemon: configuration, logging, storage, the
// notification platform and the scheduling services, all run under one
// supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"

	"bellkeeper/internal/channels"
	"bellkeeper/internal/clock"
	"bellkeeper/internal/config"
	"bellkeeper/internal/delivery"
	"bellkeeper/internal/eventbus"
	"bellkeeper/internal/metrics"
	"bellkeeper/internal/notification"
	"bellkeeper/internal/observability/debughttp"
	"bellkeeper/internal/platform"
	"bellkeeper/internal/reconciler"
	"bellkeeper/internal/runtime/supervisor"
	"bellkeeper/internal/scheduler"
	"bellkeeper/internal/settings"
	"bellkeeper/internal/storage"
	"bellkeeper/internal/timesync"
	logx "bellkeeper/pkg/logx"
)

type Options struct {
	// Fs backs the config, settings and file-storage reads; nil means the OS filesystem.
	Fs afero.Fs
	// OneShot builds the services without delivery timers, for CLI commands
	// that reconcile once and exit.
	OneShot bool
}

type App struct {
	fs      afero.Fs
	oneShot bool

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *prometheus.Registry
	mets  *metrics.Metrics

	ts       *timesync.Service
	clk      *clock.Service
	plat     *platform.Memory
	rec      *reconciler.Reconciler
	settings *settings.FileStore
	sched    *scheduler.Scheduler
	listener *delivery.Listener
	quiet    *delivery.StaticQuiet
	debug    *debughttp.Service
}

func New(cfgPath string, opts Options) (*App, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	cfgm := config.NewManager(fs, cfgPath, logx.Nop())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log)
	a := &App{fs: fs, oneShot: opts.OneShot, cfgm: cfgm, logs: logSvc, log: log.Named("app")}
	if err := a.build(cfg, log); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	a.bus = eventbus.New()

	sc, enabled, err := mapStorageConfig(cfg, a.fs)
	if err != nil {
		return err
	}
	if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.mets = metrics.MustNew(a.reg)

	a.ts = timesync.New(mapTimeSync(cfg), log, timesync.WithStore(a.store), timesync.WithMetrics(a.mets))
	clockOpts := []clock.Option{}
	if cfg.TimeSync.Enabled {
		clockOpts = append(clockOpts, clock.WithOffset(a.ts))
	}
	a.clk = clock.New(clockOpts...)

	a.plat = platform.NewMemory(log, a.bus, platform.MemoryOptions{
		Capacity: cfg.Scheduler.Capacity,
		Fire:     !cfg.Platform.DryRun && !a.oneShot,
		Now:      a.clk.Now,
	})

	a.rec = reconciler.New(log, reconciler.Deps{
		Platform: a.plat,
		Clock:    a.clk,
		IDs:      notification.NewIDSource(a.clk.Now()),
		Channels: channels.NewRegistry(log, a.plat),
		Store:    a.store,
		Bus:      a.bus,
		Metrics:  a.mets,
	}, mapReconciler(cfg))

	a.settings, err = settings.OpenFile(a.fs, cfg.Settings.Path, log)
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}

	a.sched, err = scheduler.New(log, scheduler.Deps{
		Settings:   a.settings,
		Reconciler: a.rec,
		Store:      a.store,
		Bus:        a.bus,
		Metrics:    a.mets,
		Now:        a.clk.Now,
		Pending: func(ctx context.Context) (int, error) {
			p, err := a.plat.Pending(ctx)
			return len(p), err
		},
	}, mapNightly(cfg))
	if err != nil {
		return err
	}

	a.quiet = &delivery.StaticQuiet{}
	a.listener = delivery.New(mapDelivery(cfg), log, delivery.Deps{
		Platform: a.plat,
		Player: &delivery.LogPlayer{
			Log:      log.Named("player"),
			Duration: config.Duration(cfg.Delivery.PlaybackDuration, 0),
		},
		Store:   a.store,
		Bus:     a.bus,
		Metrics: a.mets,
		Now:     a.clk.Now,
	})

	a.debug = debughttp.New(mapDebug(cfg), log, debughttp.Deps{
		Gatherer: a.reg,
		Pending:  a.plat.Pending,
		Health:   a.health,
		Reconcile: func(ctx context.Context) (any, error) {
			return a.sched.Reconcile(ctx, "debug")
		},
		Fire:  a.Fire,
		Quiet: a.SetQuiet,
	})
	return nil
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Logger() logx.Logger { return a.log }

// ReloadConfig re-reads the config file, as on SIGHUP.
func (a *App) ReloadConfig() (bool, error) { return a.cfgm.Reload() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Reconcile rebuilds the schedule from the current settings.
func (a *App) Reconcile(ctx context.Context, reason string) (reconciler.Result, error) {
	return a.sched.Reconcile(ctx, reason)
}

func (a *App) Pending(ctx context.Context) ([]notification.Instance, error) {
	return a.plat.Pending(ctx)
}

// Fire delivers pending instance id now, or replays a tap on action when
// action is set; taps also reach recently delivered instances. Unknown ids
// yield debughttp.ErrNotPending.
func (a *App) Fire(ctx context.Context, id int, action string) error {
	if action == "" {
		if !a.plat.Deliver(id) {
			return fmt.Errorf("%w: %d", debughttp.ErrNotPending, id)
		}
		return nil
	}
	pending, err := a.plat.Pending(ctx)
	if err != nil {
		return err
	}
	for _, in := range pending {
		if in.ID == id {
			a.plat.Act(in, action)
			return nil
		}
	}
	if in, ok := a.plat.Delivered(id); ok {
		a.plat.Act(in, action)
		return nil
	}
	return fmt.Errorf("%w: %d", debughttp.ErrNotPending, id)
}

// SetQuiet toggles do-not-disturb for playback.
func (a *App) SetQuiet(v bool) { a.quiet.Set(v) }

func (a *App) health() any {
	state, next := a.sched.Nightly().Status()
	last := a.rec.Last()
	out := map[string]any{
		"status":         "ok",
		"nightly":        state.String(),
		"nightly_next":   next,
		"last_run_id":    last.RunID,
		"last_rebuild":   last.At,
		"scheduled":      last.Scheduled,
		"fingerprint":    last.Fingerprint,
		"time_offset":    a.ts.Offset().String(),
		"time_last_sync": a.ts.LastSync(),
		"quiet":          a.listener.Quiet(),
		"storage":        a.store != nil,
		"events_dropped": eventbus.Dropped(a.bus),
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		out["loops"] = snap.Loops
		if snap.FirstError != "" {
			out["status"] = "degraded"
		}
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	if cfg.TimeSync.Enabled {
		a.sup.Go("timesync", a.ts.Run)
	}
	a.sup.Go("delivery.listen", a.listener.Run)
	a.sup.Go("delivery.quiet", func(c context.Context) error {
		return a.listener.WatchQuiet(c, a.quiet)
	})
	if cfg.Settings.Watch {
		a.sup.GoRestart("settings.watch", time.Second, time.Minute, a.settings.Watch)
	}

	a.sched.Start(a.sup.Context())
	a.sup.Go("scheduler.boot", func(c context.Context) error {
		rebuilt, err := a.sched.OnBoot(c)
		if err != nil {
			a.log.Warn("boot rebuild failed; nightly check will retry", logx.Err(err))
			return nil
		}
		a.log.Info("boot check done", logx.Bool("rebuilt", rebuilt))
		return nil
	})

	a.debug.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	updates, unsubCfg := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer unsubCfg()
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-updates:
				if !ok {
					return nil
				}
				a.apply(last, next)
				last = next
			}
		}
	})
	if a.cfgm.Path() != "" {
		a.sup.GoRestart("config.watch", time.Second, time.Minute, a.cfgm.Watch)
	}

	a.log.Info("app started",
		logx.String("settings", cfg.Settings.Path),
		logx.String("storage", cfg.Storage.Driver),
		logx.Bool("timesync", cfg.TimeSync.Enabled),
		logx.Bool("dry_run", cfg.Platform.DryRun),
	)
	return nil
}

// apply pushes the live-reloadable parts of a new configuration.
func (a *App) apply(prev, next *config.Config) {
	sections, _ := config.Summarize(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.logs.Apply(mapLogging(next))
	a.rec.Apply(mapReconciler(next))
	a.ts.Apply(mapTimeSync(next))
	if err := a.sched.ApplyNightly(mapNightly(next)); err != nil {
		a.log.Warn("invalid nightly config; keeping previous", logx.Err(err))
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	if prev.TimeSync.Enabled != next.TimeSync.Enabled {
		a.log.Warn("timesync.enabled changed; restart required for changes to take effect")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.step(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("debughttp", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	}
	step("resources", time.Second, func(context.Context) error { return a.closeResources() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.plat != nil {
		errs = append(errs, a.plat.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}

// step runs one shutdown stage bounded by max and the caller's deadline.
// A stage that overruns is logged and left to finish in the background.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return stepCtx.Err()
	}
}
