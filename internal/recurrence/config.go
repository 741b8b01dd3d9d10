// Package recurrence turns the compact bell/prayer configuration into the
// weekly list of abstract time slots.
package recurrence

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"bellkeeper/internal/notification"
	"bellkeeper/internal/settings"
)

const (
	DefaultTradition = "cathedral"
	DefaultStart     = 8 * 60
	DefaultEnd       = 20 * 60
)

// Config is the authoritative input of one schedule build.
type Config struct {
	Enabled   bool
	Tradition string
	// StartMinute and EndMinute bound the bell window, both inclusive.
	StartMinute int
	EndMinute   int
	HalfHour    bool

	PauseEnabled bool
	PauseStart   int
	PauseEnd     int

	// Days is sorted and free of duplicates.
	Days     []time.Weekday
	TimeZone string

	Prayer PrayerConfig

	// Premium gates features in the settings UI only.
	Premium bool
}

type PrayerConfig struct {
	Enabled  bool
	Name     string
	Minute   int
	CallType notification.CallType
	// ReminderLeads are minutes before the prayer, in configured order.
	ReminderLeads    []int
	ReminderWithBell bool
}

// FromSettings decodes a Config from the key/value store. Malformed values
// fall back to defaults; decoding never fails.
func FromSettings(r settings.Reader) Config {
	get := func(k string) string {
		v, _ := r.Get(k)
		return strings.TrimSpace(v)
	}

	cfg := Config{
		Enabled:     parseBool(get(settings.KeyEnabled), false),
		Tradition:   strings.ToLower(get(settings.KeyTradition)),
		StartMinute: parseMinuteOr(get(settings.KeyStartTime), DefaultStart),
		EndMinute:   parseMinuteOr(get(settings.KeyEndTime), DefaultEnd),
		HalfHour:    parseBool(get(settings.KeyHalfHour), false),

		PauseEnabled: parseBool(get(settings.KeyPauseEnabled), false),
		PauseStart:   parseMinuteOr(get(settings.KeyPauseStart), 0),
		PauseEnd:     parseMinuteOr(get(settings.KeyPauseEnd), 0),

		Days:     ParseWeekdays(get(settings.KeyDays)),
		TimeZone: get(settings.KeyTimezone),
		Premium:  parseBool(get(settings.KeyPremium), false),
	}
	if cfg.Tradition == "" {
		cfg.Tradition = DefaultTradition
	}

	cfg.Prayer = PrayerConfig{
		Enabled:          parseBool(get(settings.KeyPrayerEnabled), false),
		Name:             get(settings.KeyPrayerName),
		Minute:           parseMinuteOr(get(settings.KeyPrayerTime), 6*60),
		CallType:         notification.CallLong,
		ReminderLeads:    ParseLeads(get(settings.KeyPrayerReminders)),
		ReminderWithBell: parseBool(get(settings.KeyReminderWithBell), false),
	}
	if strings.EqualFold(get(settings.KeyPrayerCallType), string(notification.CallShort)) {
		cfg.Prayer.CallType = notification.CallShort
	}
	if cfg.Prayer.Name == "" {
		cfg.Prayer.Name = "Prayer"
	}
	return cfg
}

// ParseHHMM parses "HH:MM" into a minute of day.
func ParseHHMM(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// FormatHHMM is the inverse of ParseHHMM.
func FormatHHMM(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}

func parseMinuteOr(s string, def int) int {
	if s == "" {
		return def
	}
	m, err := ParseHHMM(s)
	if err != nil {
		return def
	}
	return m
}

func parseBool(s string, def bool) bool {
	switch strings.ToLower(s) {
	case "":
		return def
	case "1", "t", "true", "yes", "y", "on":
		return true
	case "0", "f", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekdays accepts a JSON array or a comma list of day numbers (0 is
// Sunday) or names. Unknown entries are skipped.
func ParseWeekdays(s string) []time.Weekday {
	seen := map[time.Weekday]bool{}
	for _, tok := range splitList(s) {
		tok = strings.ToLower(tok)
		if d, ok := weekdayNames[tok]; ok {
			seen[d] = true
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil || n < 0 || n > 6 {
			continue
		}
		seen[time.Weekday(n)] = true
	}
	out := make([]time.Weekday, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseLeads accepts ["5","10"], [5,10] or "5,10". Non-positive and repeated
// leads are dropped; order is kept.
func ParseLeads(s string) []int {
	var out []int
	seen := map[int]bool{}
	for _, tok := range splitList(s) {
		n, err := strconv.Atoi(tok)
		if err != nil || n <= 0 || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "[") {
		var raw []any
		if err := json.Unmarshal([]byte(s), &raw); err == nil {
			out := make([]string, 0, len(raw))
			for _, v := range raw {
				switch x := v.(type) {
				case string:
					out = append(out, strings.TrimSpace(x))
				case float64:
					out = append(out, strconv.FormatFloat(x, 'f', -1, 64))
				}
			}
			return out
		}
		s = strings.Trim(s, "[]")
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), `"'`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
