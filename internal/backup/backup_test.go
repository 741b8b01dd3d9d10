package backup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bellkeeper/internal/notification"
	"bellkeeper/internal/recurrence"
)

type seqIDs struct{ n int }

func (s *seqIDs) Next() int { s.n++; return s.n }

// Wednesday 2026-10-14 10:15 UTC.
var from = time.Date(2026, 10, 14, 10, 15, 0, 0, time.UTC)

func TestGenerateMondayScenario(t *testing.T) {
	t.Parallel()
	cfg := recurrence.Config{
		Enabled:     true,
		Tradition:   "cathedral",
		StartMinute: 8 * 60,
		EndMinute:   20 * 60,
		Days:        []time.Weekday{time.Monday},
		TimeZone:    "UTC",
	}
	slots := recurrence.Expand(cfg, nil)
	got := New(0, &seqIDs{}).Generate(cfg, slots, from)
	require.Len(t, got, 26)

	byID := map[int]notification.Instance{}
	for _, in := range got {
		byID[in.ID] = in
	}
	for _, in := range got {
		assert.True(t, in.At.After(from))
		assert.False(t, in.At.After(from.Add(7*24*time.Hour+time.Minute)))
		if in.IsBackup() {
			p, ok := byID[in.OriginalID]
			require.True(t, ok)
			assert.Equal(t, notification.Primary, p.RetryLevel)
			assert.Equal(t, 30*time.Second, in.At.Sub(p.At))
			assert.Equal(t, p.Payload, in.Payload)
		} else {
			assert.Equal(t, in.ID, in.OriginalID)
			assert.Equal(t, time.Monday, in.At.Weekday())
		}
	}
	assert.Equal(t, time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC), got[0].At)
}

func TestGeneratePrayerScenario(t *testing.T) {
	t.Parallel()
	cfg := recurrence.Config{
		Enabled:     true,
		StartMinute: 1,
		Days:        []time.Weekday{time.Thursday},
		TimeZone:    "UTC",
		Prayer: recurrence.PrayerConfig{
			Enabled:       true,
			Name:          "Fajr",
			Minute:        6 * 60,
			CallType:      notification.CallShort,
			ReminderLeads: recurrence.ParseLeads(`["5","10"]`),
		},
	}
	got := New(30*time.Second, &seqIDs{}).Generate(cfg, recurrence.Expand(cfg, nil), from)
	require.Len(t, got, 4)

	var reminders, prayers, backups int
	for _, in := range got {
		switch p := in.Payload.(type) {
		case notification.PrayerReminder:
			reminders++
			assert.False(t, in.IsBackup())
			assert.Equal(t, "Fajr", p.PrayerName)
		case notification.Prayer:
			prayers++
			if in.IsBackup() {
				backups++
			}
			assert.Equal(t, notification.CallShort, p.CallType)
		}
	}
	assert.Equal(t, 2, reminders)
	assert.Equal(t, 2, prayers)
	assert.Equal(t, 1, backups)

	assert.Equal(t, time.Date(2026, 10, 15, 5, 50, 0, 0, time.UTC), got[0].At)
	assert.Equal(t, "Fajr in 10 minutes", got[0].Title)
}

func TestBackupOf(t *testing.T) {
	t.Parallel()
	pending := []notification.Instance{
		{ID: 1, OriginalID: 1},
		{ID: 2, OriginalID: 1, RetryLevel: notification.Backup},
		{ID: 3, OriginalID: 3},
	}
	b, ok := BackupOf(pending, 1)
	require.True(t, ok)
	assert.Equal(t, 2, b.ID)

	_, ok = BackupOf(pending, 3)
	assert.False(t, ok)
}
