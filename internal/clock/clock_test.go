package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedOffset time.Duration

func (f fixedOffset) Offset() time.Duration { return time.Duration(f) }

func TestNextOccurrence(t *testing.T) {
	t.Parallel()
	// Wednesday 2026-10-14 10:15 UTC.
	from := time.Date(2026, 10, 14, 10, 15, 0, 0, time.UTC)

	tests := []struct {
		name    string
		weekday time.Weekday
		hour    int
		minute  int
		want    time.Time
	}{
		{name: "later today", weekday: time.Wednesday, hour: 11, minute: 0, want: time.Date(2026, 10, 14, 11, 0, 0, 0, time.UTC)},
		{name: "earlier today rolls a week", weekday: time.Wednesday, hour: 9, minute: 0, want: time.Date(2026, 10, 21, 9, 0, 0, 0, time.UTC)},
		{name: "exact tie rolls a week", weekday: time.Wednesday, hour: 10, minute: 15, want: time.Date(2026, 10, 21, 10, 15, 0, 0, time.UTC)},
		{name: "tomorrow", weekday: time.Thursday, hour: 0, minute: 0, want: time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)},
		{name: "sunday", weekday: time.Sunday, hour: 23, minute: 30, want: time.Date(2026, 10, 18, 23, 30, 0, 0, time.UTC)},
		{name: "monday next week", weekday: time.Monday, hour: 8, minute: 0, want: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := NextOccurrence(tt.weekday, tt.hour, tt.minute, from)
			require.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
			assert.True(t, got.After(from))
			assert.LessOrEqual(t, got.Sub(from), 7*24*time.Hour)
		})
	}
}

func TestNextOccurrenceInvalid(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 10, 14, 10, 15, 0, 0, time.UTC)
	assert.True(t, NextOccurrence(time.Weekday(7), 1, 0, from).IsZero())
	assert.True(t, NextOccurrence(time.Monday, 24, 0, from).IsZero())
	assert.True(t, NextOccurrence(time.Monday, 1, 60, from).IsZero())
}

func TestNextOccurrenceKeepsLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("X", 3*3600)
	from := time.Date(2026, 10, 14, 23, 0, 0, 0, loc)
	got := NextOccurrence(time.Thursday, 3, 0, from)
	assert.Equal(t, loc, got.Location())
	assert.Equal(t, 3, got.Hour())
	assert.Equal(t, time.Thursday, got.Weekday())
}

func TestNowAppliesOffset(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New(
		WithNow(func() time.Time { return base }),
		WithOffset(fixedOffset(90*time.Second)),
		WithDeviceLocation(time.UTC),
	)
	assert.True(t, s.Now().Equal(base.Add(90*time.Second)))
}

func TestIsValidTimeZone(t *testing.T) {
	t.Parallel()
	s := New()
	assert.True(t, s.IsValidTimeZone("UTC"))
	assert.False(t, s.IsValidTimeZone(""))
	assert.False(t, s.IsValidTimeZone("Local"))
	assert.False(t, s.IsValidTimeZone("Not/AZone"))
}
