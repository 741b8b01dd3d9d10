// Package channels maps notification payloads to platform channels and
// sound assets, and makes sure those channels exist before use.
package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bellkeeper/internal/notification"
	"bellkeeper/internal/platform"
	logx "bellkeeper/pkg/logx"
)

const (
	TraditionCathedral = "cathedral"

	ChannelBells              = "bells"
	ChannelPrayerLong         = "prayer-long"
	ChannelPrayerShort        = "prayer-short"
	ChannelPrayerReminder     = "prayer-reminder"
	ChannelPrayerReminderBell = "prayer-reminder-bell"

	SoundChime        = "chime.mp3"
	SoundPrayerLong   = "prayer_long.mp3"
	SoundPrayerShort  = "prayer_short.mp3"
	SoundReminderBell = "reminder_bell.mp3"
)

// Resolve maps p to its channel descriptor. It is pure.
func Resolve(p notification.Payload) (platform.Channel, bool) {
	switch v := p.(type) {
	case notification.Bell:
		if v.Tradition == TraditionCathedral && v.ChimeCount >= 1 && v.ChimeCount <= 12 {
			return platform.Channel{
				ID:          fmt.Sprintf("cathedral-bells-%d", v.ChimeCount),
				Name:        fmt.Sprintf("Cathedral bells (%d)", v.ChimeCount),
				Description: fmt.Sprintf("Cathedral peal of %d strikes", v.ChimeCount),
				Sound:       fmt.Sprintf("cathedral_%d.mp3", v.ChimeCount),
				Importance:  platform.ImportanceHigh,
				Vibrate:     true,
			}, true
		}
		return platform.Channel{ID: ChannelBells, Name: "Bells", Description: "Hourly chimes", Sound: SoundChime, Importance: platform.ImportanceHigh, Vibrate: true}, true
	case notification.Prayer:
		if v.CallType == notification.CallShort {
			return platform.Channel{ID: ChannelPrayerShort, Name: "Prayer call (short)", Description: "Short call to prayer", Sound: SoundPrayerShort, Importance: platform.ImportanceHigh, Vibrate: true}, true
		}
		return platform.Channel{ID: ChannelPrayerLong, Name: "Prayer call", Description: "Full call to prayer", Sound: SoundPrayerLong, Importance: platform.ImportanceHigh, Vibrate: true}, true
	case notification.PrayerReminder:
		if v.WithBell {
			return platform.Channel{ID: ChannelPrayerReminderBell, Name: "Prayer reminders (bell)", Description: "Reminders before prayer, with a bell", Sound: SoundReminderBell, Importance: platform.ImportanceDefault}, true
		}
		return platform.Channel{ID: ChannelPrayerReminder, Name: "Prayer reminders", Description: "Silent reminders before prayer", Importance: platform.ImportanceLow}, true
	default:
		return platform.Channel{}, false
	}
}

// Enrich sets ChannelID and SoundFile on every instance in place.
// Instances with an unknown payload are left untouched.
func Enrich(in []notification.Instance) {
	for i := range in {
		ch, ok := Resolve(in[i].Payload)
		if !ok {
			continue
		}
		in[i].ChannelID = ch.ID
		in[i].SoundFile = ch.Sound
	}
}

// Creator is the part of the platform the resolver needs.
type Creator interface {
	CreateChannel(ctx context.Context, ch platform.Channel) error
}

// Registry remembers which channels were created so Ensure only talks to the
// platform for new ones. Failures are logged and never returned.
type Registry struct {
	log     logx.Logger
	sampled *logx.Sampled
	creator Creator

	mu      sync.Mutex
	created map[string]bool
}

func NewRegistry(log logx.Logger, creator Creator) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Named("channels")
	return &Registry{
		log:     log,
		sampled: logx.NewSampled(log, time.Minute, 3),
		creator: creator,
		created: map[string]bool{},
	}
}

// Ensure creates every channel referenced by instances that has not been
// created yet. It reports how many were created and how many failed.
func (r *Registry) Ensure(ctx context.Context, instances []notification.Instance) (created, failed int) {
	if r == nil || r.creator == nil {
		return 0, 0
	}
	seen := map[string]bool{}
	for _, in := range instances {
		ch, ok := Resolve(in.Payload)
		if !ok || seen[ch.ID] {
			continue
		}
		seen[ch.ID] = true

		r.mu.Lock()
		done := r.created[ch.ID]
		r.mu.Unlock()
		if done {
			continue
		}

		if err := r.create(ctx, ch); err != nil {
			r.sampled.Warn("channel create failed", logx.String("channel", ch.ID), logx.Err(err))
			failed++
			continue
		}
		r.mu.Lock()
		r.created[ch.ID] = true
		r.mu.Unlock()
		created++
		r.log.Debug("channel created", logx.String("channel", ch.ID))
	}
	return created, failed
}

func (r *Registry) create(ctx context.Context, ch platform.Channel) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("channels: create panicked: %v", rec)
		}
	}()
	return r.creator.CreateChannel(ctx, ch)
}
