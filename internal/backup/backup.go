// Package backup resolves slots to absolute instants and pairs every bell and
// prayer instance with a delayed duplicate.
package backup

import (
	"sort"
	"time"

	"bellkeeper/internal/clock"
	"bellkeeper/internal/notification"
	"bellkeeper/internal/recurrence"
)

const DefaultOffset = 30 * time.Second

// IDs hands out instance ids.
type IDs interface {
	Next() int
}

type Generator struct {
	Offset time.Duration
	IDs    IDs
}

func New(offset time.Duration, ids IDs) Generator {
	if offset <= 0 {
		offset = DefaultOffset
	}
	return Generator{Offset: offset, IDs: ids}
}

// Generate resolves each slot to its next occurrence after from (in from's
// location) and returns the instances ordered by fire time. Bell and prayer
// slots yield a primary and a backup; reminder slots yield one instance.
func (g Generator) Generate(cfg recurrence.Config, slots []recurrence.Slot, from time.Time) []notification.Instance {
	offset := g.Offset
	if offset <= 0 {
		offset = DefaultOffset
	}

	out := make([]notification.Instance, 0, len(slots)*2)
	for _, s := range slots {
		at := clock.NextOccurrence(s.Weekday, s.Hour(), s.MinuteOf(), from)
		if at.IsZero() {
			continue
		}
		payload := payloadFor(cfg, s)
		title, body := notification.Describe(payload)

		primary := notification.Instance{
			ID:         g.IDs.Next(),
			At:         at,
			Title:      title,
			Body:       body,
			RetryLevel: notification.Primary,
			Payload:    payload,
		}
		primary.OriginalID = primary.ID
		out = append(out, primary)

		if !s.Paired() {
			continue
		}
		dup := primary
		dup.ID = g.IDs.Next()
		dup.At = at.Add(offset)
		dup.RetryLevel = notification.Backup
		dup.OriginalID = primary.ID
		out = append(out, dup)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].RetryLevel < out[j].RetryLevel
	})
	return out
}

func payloadFor(cfg recurrence.Config, s recurrence.Slot) notification.Payload {
	switch s.Kind {
	case recurrence.KindPrayer:
		return notification.Prayer{Name: cfg.Prayer.Name, CallType: cfg.Prayer.CallType}
	case recurrence.KindReminder:
		return notification.PrayerReminder{
			PrayerName:   cfg.Prayer.Name,
			MinutesUntil: s.LeadMinutes,
			WithBell:     cfg.Prayer.ReminderWithBell,
		}
	default:
		return notification.Bell{Tradition: cfg.Tradition, ChimeCount: s.ChimeCount, HalfHour: s.HalfHour}
	}
}

// BackupOf returns the backup paired with primaryID among pending, if any.
func BackupOf(pending []notification.Instance, primaryID int) (notification.Instance, bool) {
	for _, in := range pending {
		if in.RetryLevel == notification.Backup && in.OriginalID == primaryID {
			return in, true
		}
	}
	return notification.Instance{}, false
}
