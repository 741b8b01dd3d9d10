package recurrence

import (
	"sort"
	"time"

	"bellkeeper/internal/notification"
)

const minutesPerDay = 24 * 60

type Kind int

const (
	KindBell Kind = iota
	KindPrayer
	KindReminder
)

func (k Kind) String() string {
	switch k {
	case KindBell:
		return "bell"
	case KindPrayer:
		return "prayer"
	case KindReminder:
		return "reminder"
	default:
		return "unknown"
	}
}

// Slot is a weekly recurrence point before absolute-time resolution.
type Slot struct {
	Weekday time.Weekday
	Minute  int
	Kind    Kind

	ChimeCount int
	HalfHour   bool

	// LeadMinutes is set on reminder slots only.
	LeadMinutes int
}

func (s Slot) Hour() int      { return s.Minute / 60 }
func (s Slot) MinuteOf() int  { return s.Minute % 60 }
func (s Slot) Paired() bool   { return s.Kind != KindReminder }
func (s Slot) String() string { return s.Weekday.String()[:3] + " " + FormatHHMM(s.Minute) + " " + s.Kind.String() }

// Paused reports whether minute m falls inside the pause window. A window
// with start > end wraps past midnight.
func Paused(m, start, end int) bool {
	if start <= end {
		return start <= m && m < end
	}
	return m >= start || m < end
}

func (c Config) paused(m int) bool {
	return c.PauseEnabled && Paused(m, c.PauseStart, c.PauseEnd)
}

// Expand produces the ordered weekly slots for cfg. validZone reports whether
// the configured timezone is usable; a disabled config or an unusable zone
// yields no slots.
func Expand(cfg Config, validZone func(string) bool) []Slot {
	if !cfg.Enabled || cfg.TimeZone == "" {
		return nil
	}
	if validZone != nil && !validZone(cfg.TimeZone) {
		return nil
	}

	var out []Slot
	for _, day := range cfg.Days {
		for h := 0; h < 24; h++ {
			m := h * 60
			if cfg.inWindow(m) && !cfg.paused(m) {
				out = append(out, Slot{Weekday: day, Minute: m, Kind: KindBell, ChimeCount: notification.ChimeCount(h)})
			}
			if !cfg.HalfHour {
				continue
			}
			m += 30
			if cfg.inWindow(m) && !cfg.paused(m) {
				out = append(out, Slot{Weekday: day, Minute: m, Kind: KindBell, ChimeCount: 1, HalfHour: true})
			}
		}

		if !cfg.Prayer.Enabled || cfg.paused(cfg.Prayer.Minute) {
			continue
		}
		out = append(out, Slot{Weekday: day, Minute: cfg.Prayer.Minute, Kind: KindPrayer})
		for _, lead := range cfg.Prayer.ReminderLeads {
			if lead <= 0 || lead >= 7*minutesPerDay {
				continue
			}
			wd, m := shiftBack(day, cfg.Prayer.Minute, lead)
			out = append(out, Slot{Weekday: wd, Minute: m, Kind: KindReminder, LeadMinutes: lead})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Weekday != b.Weekday {
			return a.Weekday < b.Weekday
		}
		if a.Minute != b.Minute {
			return a.Minute < b.Minute
		}
		return a.Kind < b.Kind
	})
	return out
}

// inWindow is false for every minute when start > end.
func (c Config) inWindow(m int) bool {
	return c.StartMinute <= m && m <= c.EndMinute
}

// shiftBack moves (day, minute) back by lead minutes, wrapping into earlier weekdays.
func shiftBack(day time.Weekday, minute, lead int) (time.Weekday, int) {
	abs := int(day)*minutesPerDay + minute - lead
	week := 7 * minutesPerDay
	abs = ((abs % week) + week) % week
	return time.Weekday(abs / minutesPerDay), abs % minutesPerDay
}
