// Package delivery handles what happens after the platform fires a
// notification: a delivered primary cancels its backup, a backup whose primary
// already arrived is suppressed, and taps replay the sound unless something is
// already playing.
package delivery

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"bellkeeper/internal/backup"
	"bellkeeper/internal/eventbus"
	"bellkeeper/internal/metrics"
	"bellkeeper/internal/notification"
	"bellkeeper/internal/platform"
	"bellkeeper/internal/storage"
	logx "bellkeeper/pkg/logx"
)

type Outcome string

const (
	OutcomeDelivered  Outcome = "delivered"
	OutcomeEffective  Outcome = "effective" // a backup standing in for a lost primary
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeQuiet      Outcome = "quiet"
	OutcomeReplayed   Outcome = "replayed"
	OutcomeBusy       Outcome = "busy"
	OutcomeIgnored    Outcome = "ignored"
)

type Config struct {
	// MarkerTTL is how long a delivered primary suppresses its backup.
	MarkerTTL time.Duration
	// PollEvery is the do-not-disturb poll interval.
	PollEvery time.Duration
	// MarkerCache bounds the in-memory marker cache.
	MarkerCache int
}

func (c Config) withDefaults() Config {
	if c.MarkerTTL <= 0 {
		c.MarkerTTL = 5 * time.Minute
	}
	if c.PollEvery <= 0 {
		c.PollEvery = 30 * time.Second
	}
	if c.MarkerCache <= 0 {
		c.MarkerCache = 1024
	}
	return c
}

// Pending is the slice of the platform the listener writes to.
type Pending interface {
	Pending(ctx context.Context) ([]notification.Instance, error)
	Cancel(ctx context.Context, ids []int) error
}

type Deps struct {
	Platform Pending
	Player   Player
	Store    storage.Store
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type Listener struct {
	log  logx.Logger
	cfg  Config
	deps Deps

	markers *expirable.LRU[int, time.Time]
	quiet   atomic.Bool
}

func New(cfg Config, log logx.Logger, deps Deps) *Listener {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg = cfg.withDefaults()
	return &Listener{
		log:     log.Named("delivery"),
		cfg:     cfg,
		deps:    deps,
		markers: expirable.NewLRU[int, time.Time](cfg.MarkerCache, nil, cfg.MarkerTTL),
	}
}

func markerKey(originalID int) string { return "delivered:" + strconv.Itoa(originalID) }

// Quiet reports the last known do-not-disturb state.
func (l *Listener) Quiet() bool { return l.quiet.Load() }

func (l *Listener) SetQuiet(v bool) {
	if l.quiet.Swap(v) != v {
		l.log.Info("do-not-disturb changed", logx.Bool("quiet", v))
	}
}

// HandleReceived reacts to a delivered instance.
func (l *Listener) HandleReceived(ctx context.Context, in notification.Instance) Outcome {
	if !knownPayload(in.Payload) {
		l.log.Warn("received instance with unknown payload", logx.Int("id", in.ID), logx.Err(fmt.Errorf("%w: %T", notification.ErrUnknownPayload, in.Payload)))
		return l.count(in, OutcomeIgnored)
	}

	if in.IsBackup() {
		if l.delivered(ctx, in.OriginalID) {
			l.log.Debug("backup suppressed", logx.Int("id", in.ID), logx.Int("original_id", in.OriginalID))
			if l.deps.Bus != nil {
				l.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeSuppressed, Data: in})
			}
			return l.count(in, OutcomeSuppressed)
		}
		l.log.Info("backup delivered without primary", logx.Int("id", in.ID), logx.Int("original_id", in.OriginalID))
		l.mark(ctx, in.OriginalID)
		return l.count(in, l.play(ctx, in, OutcomeEffective))
	}

	l.mark(ctx, in.OriginalID)
	l.cancelBackup(ctx, in)
	return l.count(in, l.play(ctx, in, OutcomeDelivered))
}

// HandleAction reacts to a tap. Replay is allowed only while nothing plays.
func (l *Listener) HandleAction(ctx context.Context, in notification.Instance, actionID string) Outcome {
	if !knownPayload(in.Payload) || l.deps.Player == nil {
		return OutcomeIgnored
	}
	if l.deps.Player.Playing() {
		l.log.Debug("replay refused; already playing", logx.Int("id", in.ID), logx.String("action", actionID))
		return OutcomeBusy
	}
	if !audible(in) {
		return OutcomeIgnored
	}
	if err := l.safePlay(ctx, in); err != nil {
		l.log.Warn("replay failed", logx.Int("id", in.ID), logx.Err(err))
		return OutcomeIgnored
	}
	return OutcomeReplayed
}

func (l *Listener) play(ctx context.Context, in notification.Instance, ok Outcome) Outcome {
	if l.quiet.Load() {
		return OutcomeQuiet
	}
	if l.deps.Player == nil || !audible(in) {
		return ok
	}
	if err := l.safePlay(ctx, in); err != nil {
		l.log.Warn("playback failed", logx.Int("id", in.ID), logx.String("sound", in.SoundFile), logx.Err(err))
	}
	return ok
}

func (l *Listener) safePlay(ctx context.Context, in notification.Instance) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("player panicked: %v", rec)
		}
	}()
	return l.deps.Player.Play(ctx, in)
}

func (l *Listener) mark(ctx context.Context, originalID int) {
	until := l.deps.Now().Add(l.cfg.MarkerTTL)
	l.markers.Add(originalID, until)
	if l.deps.Store == nil {
		return
	}
	if err := l.deps.Store.PutMarker(ctx, markerKey(originalID), until); err != nil {
		l.log.Debug("persist marker failed", logx.Int("original_id", originalID), logx.Err(err))
	}
}

// delivered reports whether a recent marker exists for originalID.
func (l *Listener) delivered(ctx context.Context, originalID int) bool {
	now := l.deps.Now()
	if until, ok := l.markers.Get(originalID); ok && now.Before(until) {
		return true
	}
	if l.deps.Store == nil {
		return false
	}
	until, ok, err := l.deps.Store.GetMarker(ctx, markerKey(originalID))
	if err != nil || !ok {
		return false
	}
	return now.Before(until)
}

// cancelBackup cancels in's backup if it is still pending. A backup that
// fired or was flushed in the meantime is not an error.
func (l *Listener) cancelBackup(ctx context.Context, in notification.Instance) {
	if l.deps.Platform == nil || in.Category() == notification.CategoryPrayerReminder {
		return
	}
	pending, err := l.deps.Platform.Pending(ctx)
	if err != nil {
		l.log.Warn("list pending failed; backup left armed", logx.Int("id", in.ID), logx.Err(err))
		return
	}
	b, ok := backup.BackupOf(pending, in.ID)
	if !ok {
		return
	}
	if err := l.deps.Platform.Cancel(ctx, []int{b.ID}); err != nil {
		l.log.Warn("cancel backup failed", logx.Int("backup_id", b.ID), logx.Err(err))
		return
	}
	l.log.Debug("backup cancelled", logx.Int("id", in.ID), logx.Int("backup_id", b.ID))
}

func (l *Listener) count(in notification.Instance, o Outcome) Outcome {
	l.deps.Metrics.IncDelivery(string(in.Category()), in.RetryLevel.String(), string(o))
	return o
}

func knownPayload(p notification.Payload) bool {
	switch p.(type) {
	case notification.Bell, notification.Prayer, notification.PrayerReminder:
		return true
	default:
		return false
	}
}

// audible reports whether in carries a sound.
func audible(in notification.Instance) bool {
	switch p := in.Payload.(type) {
	case notification.Bell, notification.Prayer:
		return true
	case notification.PrayerReminder:
		return p.WithBell
	default:
		return false
	}
}

// Run consumes platform events from the bus until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	if l.deps.Bus == nil {
		return nil
	}
	events, unsub := l.deps.Bus.Subscribe(64, eventbus.TypeReceived, eventbus.TypeAction)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			d, ok := e.Data.(platform.Delivery)
			if !ok {
				continue
			}
			switch e.Type {
			case eventbus.TypeReceived:
				l.HandleReceived(ctx, d.Instance)
			case eventbus.TypeAction:
				l.HandleAction(ctx, d.Instance, d.ActionID)
			}
		}
	}
}

// WatchQuiet tracks do-not-disturb from src until ctx is done: through change
// events when src offers them, by polling otherwise.
func (l *Listener) WatchQuiet(ctx context.Context, src QuietSource) error {
	if src == nil {
		return nil
	}
	if v, err := src.Quiet(ctx); err == nil {
		l.SetQuiet(v)
	}
	if n, ok := src.(QuietNotifier); ok {
		ch, err := n.QuietChanges(ctx)
		if err == nil {
			for {
				select {
				case <-ctx.Done():
					return nil
				case v, ok := <-ch:
					if !ok {
						return nil
					}
					l.SetQuiet(v)
				}
			}
		}
		l.log.Warn("quiet change events unavailable; polling", logx.Err(err))
	}

	t := time.NewTicker(l.cfg.PollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			v, err := src.Quiet(ctx)
			if err != nil {
				l.log.Debug("quiet poll failed", logx.Err(err))
				continue
			}
			l.SetQuiet(v)
		}
	}
}
