package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bellkeeper/internal/notification"
	"bellkeeper/internal/settings"
)

func anyZone(string) bool { return true }

func mondayConfig() Config {
	return Config{
		Enabled:     true,
		Tradition:   "cathedral",
		StartMinute: 8 * 60,
		EndMinute:   20 * 60,
		Days:        []time.Weekday{time.Monday},
		TimeZone:    "UTC",
	}
}

func TestExpandMondayHourly(t *testing.T) {
	t.Parallel()
	slots := Expand(mondayConfig(), anyZone)
	require.Len(t, slots, 13)

	var chimes []int
	for _, s := range slots {
		assert.Equal(t, time.Monday, s.Weekday)
		assert.Equal(t, KindBell, s.Kind)
		chimes = append(chimes, s.ChimeCount)
	}
	assert.Equal(t, []int{8, 9, 10, 11, 12, 1, 2, 3, 4, 5, 6, 7, 8}, chimes)
}

func TestExpandDisabledOrBadZone(t *testing.T) {
	t.Parallel()

	cfg := mondayConfig()
	cfg.Enabled = false
	assert.Empty(t, Expand(cfg, anyZone))

	cfg = mondayConfig()
	cfg.TimeZone = ""
	assert.Empty(t, Expand(cfg, anyZone))

	cfg = mondayConfig()
	assert.Empty(t, Expand(cfg, func(string) bool { return false }))
}

func TestExpandStartAfterEndHasNoBells(t *testing.T) {
	t.Parallel()
	cfg := mondayConfig()
	cfg.StartMinute, cfg.EndMinute = 20*60, 8*60
	assert.Empty(t, Expand(cfg, anyZone))
}

func TestExpandHalfHour(t *testing.T) {
	t.Parallel()
	cfg := mondayConfig()
	cfg.StartMinute, cfg.EndMinute = 9*60, 10*60
	cfg.HalfHour = true

	slots := Expand(cfg, anyZone)
	require.Len(t, slots, 3)
	assert.Equal(t, 9*60, slots[0].Minute)
	assert.Equal(t, 9*60+30, slots[1].Minute)
	assert.True(t, slots[1].HalfHour)
	assert.Equal(t, 1, slots[1].ChimeCount)
	assert.Equal(t, 10*60, slots[2].Minute)
}

func TestPaused(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		m          int
		start, end int
		want       bool
	}{
		{"same-day inside", 13 * 60, 12 * 60, 14 * 60, true},
		{"same-day start inclusive", 12 * 60, 12 * 60, 14 * 60, true},
		{"same-day end exclusive", 14 * 60, 12 * 60, 14 * 60, false},
		{"overnight midday", 13 * 60, 22 * 60, 6 * 60, false},
		{"overnight late", 23 * 60, 22 * 60, 6 * 60, true},
		{"overnight early", 5 * 60, 22 * 60, 6 * 60, true},
		{"overnight end exclusive", 6 * 60, 22 * 60, 6 * 60, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Paused(tc.m, tc.start, tc.end))
		})
	}
}

func TestExpandSkipsPausedSlots(t *testing.T) {
	t.Parallel()
	cfg := mondayConfig()
	cfg.PauseEnabled = true
	cfg.PauseStart, cfg.PauseEnd = 12*60, 14*60

	slots := Expand(cfg, anyZone)
	require.Len(t, slots, 11)
	for _, s := range slots {
		assert.NotContains(t, []int{12 * 60, 13 * 60}, s.Minute)
	}
}

func TestExpandPrayerWithReminders(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Enabled:  true,
		Days:     []time.Weekday{time.Friday},
		TimeZone: "UTC",
		// empty bell window
		StartMinute: 1,
		EndMinute:   0,
		Prayer: PrayerConfig{
			Enabled:       true,
			Name:          "Fajr",
			Minute:        6 * 60,
			CallType:      notification.CallLong,
			ReminderLeads: []int{5, 10},
		},
	}
	slots := Expand(cfg, anyZone)
	require.Len(t, slots, 3)
	assert.Equal(t, Slot{Weekday: time.Friday, Minute: 5*60 + 50, Kind: KindReminder, LeadMinutes: 10}, slots[0])
	assert.Equal(t, Slot{Weekday: time.Friday, Minute: 5*60 + 55, Kind: KindReminder, LeadMinutes: 5}, slots[1])
	assert.Equal(t, KindPrayer, slots[2].Kind)
}

func TestExpandReminderWrapsToPreviousDay(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Enabled:     true,
		Days:        []time.Weekday{time.Sunday},
		TimeZone:    "UTC",
		StartMinute: 1,
		Prayer:      PrayerConfig{Enabled: true, Minute: 10, ReminderLeads: []int{30}},
	}
	slots := Expand(cfg, anyZone)
	require.Len(t, slots, 2)
	assert.Equal(t, time.Sunday, slots[0].Weekday)
	assert.Equal(t, KindPrayer, slots[0].Kind)
	assert.Equal(t, time.Saturday, slots[1].Weekday)
	assert.Equal(t, 23*60+40, slots[1].Minute)
}

func TestExpandPausedPrayerDropsReminders(t *testing.T) {
	t.Parallel()
	cfg := mondayConfig()
	cfg.StartMinute, cfg.EndMinute = 1, 0
	cfg.PauseEnabled = true
	cfg.PauseStart, cfg.PauseEnd = 22*60, 7*60
	cfg.Prayer = PrayerConfig{Enabled: true, Minute: 6 * 60, ReminderLeads: []int{5}}
	assert.Empty(t, Expand(cfg, anyZone))
}

func TestFromSettings(t *testing.T) {
	t.Parallel()
	store := settings.NewMemory(map[string]string{
		settings.KeyEnabled:         "true",
		settings.KeyTradition:       "Cathedral",
		settings.KeyStartTime:       "07:30",
		settings.KeyEndTime:         "bogus",
		settings.KeyHalfHour:        "1",
		settings.KeyDays:            `["mon", "3", "monday", "funday"]`,
		settings.KeyTimezone:        "Europe/London",
		settings.KeyPrayerEnabled:   "yes",
		settings.KeyPrayerName:      "Fajr",
		settings.KeyPrayerTime:      "05:45",
		settings.KeyPrayerCallType:  "SHORT",
		settings.KeyPrayerReminders: `["5","10","5","-1"]`,
	})
	cfg := FromSettings(store)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "cathedral", cfg.Tradition)
	assert.Equal(t, 7*60+30, cfg.StartMinute)
	assert.Equal(t, DefaultEnd, cfg.EndMinute)
	assert.True(t, cfg.HalfHour)
	assert.Equal(t, []time.Weekday{time.Monday, time.Wednesday}, cfg.Days)
	assert.Equal(t, "Europe/London", cfg.TimeZone)
	assert.True(t, cfg.Prayer.Enabled)
	assert.Equal(t, 5*60+45, cfg.Prayer.Minute)
	assert.Equal(t, notification.CallShort, cfg.Prayer.CallType)
	assert.Equal(t, []int{5, 10}, cfg.Prayer.ReminderLeads)
}

func TestParseLeadsCommaList(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []int{15, 5}, ParseLeads("15, 5 ,x,0"))
	assert.Equal(t, []int{5, 10}, ParseLeads("[5, 10]"))
	assert.Nil(t, ParseLeads(""))
}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	a := mondayConfig()
	b := mondayConfig()
	b.Premium = true
	assert.Equal(t, Fingerprint(a), Fingerprint(b), "premium must not affect the digest")
	assert.Len(t, Fingerprint(a), 16)

	b.EndMinute = 21 * 60
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))

	c := mondayConfig()
	c.Prayer.ReminderLeads = []int{10, 5}
	d := mondayConfig()
	d.Prayer.ReminderLeads = []int{5, 10}
	assert.NotEqual(t, Fingerprint(c), Fingerprint(d))
}
