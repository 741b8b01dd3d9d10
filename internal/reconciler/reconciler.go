// Package reconciler is the scheduling entry point: flush everything pending,
// rebuild the instance set from configuration, and submit it in one call.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"bellkeeper/internal/backup"
	"bellkeeper/internal/channels"
	"bellkeeper/internal/eventbus"
	"bellkeeper/internal/metrics"
	"bellkeeper/internal/notification"
	"bellkeeper/internal/platform"
	"bellkeeper/internal/recurrence"
	"bellkeeper/internal/storage"
	logx "bellkeeper/pkg/logx"
)

var (
	ErrTooManyInstances    = errors.New("reconciler: too many instances")
	ErrPlatformUnavailable = errors.New("reconciler: platform unavailable")
)

const (
	ZoneDevice = "device"
	ZoneTarget = "target"
)

// Clock is what the reconciler needs from the clock service.
type Clock interface {
	Now() time.Time
	IsValidTimeZone(id string) bool
	Location(id string) (*time.Location, bool)
	DeviceLocation() *time.Location
}

type Options struct {
	// Capacity is the platform ceiling; a build of Capacity or more instances is rejected.
	Capacity     int
	BackupOffset time.Duration
	// ZoneMode "device" resolves slots on the device calendar, "target" in the configured zone.
	ZoneMode string
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = platform.DefaultCapacity
	}
	if o.BackupOffset <= 0 {
		o.BackupOffset = backup.DefaultOffset
	}
	if o.ZoneMode != ZoneTarget {
		o.ZoneMode = ZoneDevice
	}
	return o
}

type Result struct {
	RunID       string
	Cancelled   int
	Scheduled   int
	Fingerprint string
	At          time.Time
	Took        time.Duration
}

type Deps struct {
	Platform platform.Service
	Clock    Clock
	IDs      backup.IDs
	Channels *channels.Registry
	Store    storage.Store
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
}

// Reconciler serializes runs: a run in flight completes before the next starts.
type Reconciler struct {
	log  logx.Logger
	deps Deps

	mu   sync.Mutex
	opts Options
	last Result
}

func New(log logx.Logger, deps Deps, opts Options) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Named("reconciler")
	if deps.Channels == nil {
		deps.Channels = channels.NewRegistry(log, deps.Platform)
	}
	return &Reconciler{log: log, deps: deps, opts: opts.withDefaults()}
}

// Apply replaces the options; it waits for a run in flight.
func (r *Reconciler) Apply(opts Options) {
	r.mu.Lock()
	r.opts = opts.withDefaults()
	r.mu.Unlock()
}

// Last returns the result of the last successful run.
func (r *Reconciler) Last() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Build returns the instances a run would submit at now, channel-enriched.
// Apart from drawing ids it has no side effects.
func Build(cfg recurrence.Config, now time.Time, clk Clock, ids backup.IDs, opts Options) []notification.Instance {
	opts = opts.withDefaults()
	slots := recurrence.Expand(cfg, clk.IsValidTimeZone)
	if len(slots) == 0 {
		return nil
	}
	from := now.In(clk.DeviceLocation())
	if opts.ZoneMode == ZoneTarget {
		if loc, ok := clk.Location(cfg.TimeZone); ok {
			from = now.In(loc)
		}
	}
	out := backup.New(opts.BackupOffset, ids).Generate(cfg, slots, from)
	channels.Enrich(out)
	return out
}

// Reconcile flushes the platform store and submits a fresh schedule for cfg.
//
// A disabled config, or one without a usable timezone, is a success with zero
// instances. A build at or above capacity is rejected with ErrTooManyInstances
// and leaves the store empty. Platform failures abort the run and may leave the
// store partially flushed.
func (r *Reconciler) Reconcile(ctx context.Context, cfg recurrence.Config) (res Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	res = Result{
		RunID:       uuid.NewString(),
		Fingerprint: recurrence.Fingerprint(cfg),
		At:          r.deps.Clock.Now(),
	}
	log := r.log.With(logx.String("run_id", res.RunID))

	defer func() {
		res.Took = time.Since(start)
		r.finish(ctx, log, res, err)
	}()

	pending, err := guard(func() ([]notification.Instance, error) { return r.deps.Platform.Pending(ctx) })
	if err != nil {
		return res, fmt.Errorf("%w: list pending: %w", ErrPlatformUnavailable, err)
	}
	if len(pending) > 0 {
		if _, err := guard(func() (struct{}, error) { return struct{}{}, r.deps.Platform.Cancel(ctx, platform.IDs(pending)) }); err != nil {
			return res, fmt.Errorf("%w: cancel: %w", ErrPlatformUnavailable, err)
		}
	}
	res.Cancelled = len(pending)

	instances := Build(cfg, res.At, r.deps.Clock, r.deps.IDs, r.opts)
	if len(instances) == 0 {
		log.Info("schedule cleared", logx.Bool("enabled", cfg.Enabled), logx.String("tz", cfg.TimeZone), logx.Int("cancelled", res.Cancelled))
		return res, nil
	}
	if len(instances) >= r.opts.Capacity {
		return res, fmt.Errorf("%w: %d candidates with a platform limit of %d; narrow the bell window", ErrTooManyInstances, len(instances), r.opts.Capacity)
	}

	_, failed := r.deps.Channels.Ensure(ctx, instances)
	r.deps.Metrics.AddChannelFailures(failed)

	if _, err := guard(func() (struct{}, error) { return struct{}{}, r.deps.Platform.Schedule(ctx, instances) }); err != nil {
		return res, fmt.Errorf("%w: schedule: %w", ErrPlatformUnavailable, err)
	}
	res.Scheduled = len(instances)
	log.Info("schedule submitted",
		logx.Int("scheduled", res.Scheduled),
		logx.Int("cancelled", res.Cancelled),
		logx.Time("first", instances[0].At),
		logx.Time("last", instances[len(instances)-1].At),
	)
	return res, nil
}

func (r *Reconciler) finish(ctx context.Context, log logx.Logger, res Result, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrTooManyInstances):
		result = "too_many"
	case err != nil:
		result = "platform_error"
	case res.Scheduled == 0:
		result = "empty"
	}
	r.deps.Metrics.ObserveReconcile(result, res.Took, res.Scheduled)

	if err != nil {
		log.Warn("reconcile failed", logx.String("result", result), logx.Err(err))
		r.publish(eventbus.TypeFailed, res, err)
		return
	}
	r.last = res
	r.persist(ctx, log, res)
	r.publish(eventbus.TypeReconciled, res, nil)
}

func (r *Reconciler) persist(ctx context.Context, log logx.Logger, res Result) {
	st := r.deps.Store
	if st == nil {
		return
	}
	errs := []error{
		st.PutState(ctx, storage.KeyFingerprint, res.Fingerprint),
		storage.PutTime(ctx, st, storage.KeyLastRebuild, res.At),
		st.PutState(ctx, storage.KeyLastRunID, res.RunID),
		st.PutState(ctx, storage.KeyLastScheduled, strconv.Itoa(res.Scheduled)),
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("persist rebuild state failed", logx.Err(err))
	}
}

// Failure is the Data of schedule.failed events.
type Failure struct {
	Result
	Err error
}

func (r *Reconciler) publish(typ string, res Result, err error) {
	if r.deps.Bus == nil {
		return
	}
	var data any = res
	if err != nil {
		data = Failure{Result: res, Err: err}
	}
	r.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// guard converts a collaborator panic into an error.
func guard[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}
