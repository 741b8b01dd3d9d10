package nightly

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bellkeeper/internal/eventbus"
	"bellkeeper/internal/recurrence"
	"bellkeeper/internal/storage"
	logx "bellkeeper/pkg/logx"
)

var threeAM = time.Date(2026, 10, 18, 3, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	reasons []string
	err     error
}

func (r *recorder) rebuild(_ context.Context, _ recurrence.Config, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
	return r.err
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

func liveConfig() recurrence.Config {
	return recurrence.Config{
		Enabled:     true,
		Tradition:   "cathedral",
		StartMinute: 8 * 60,
		EndMinute:   20 * 60,
		Days:        []time.Weekday{time.Monday},
		TimeZone:    "UTC",
	}
}

func newTrigger(t *testing.T, now time.Time, st storage.Store, rec *recorder) *Trigger {
	t.Helper()
	tr, err := New(Config{}, logx.Nop(), Deps{
		Now:     func() time.Time { return now },
		Store:   st,
		Config:  liveConfig,
		Rebuild: rec.rebuild,
	})
	require.NoError(t, err)
	return tr
}

func seed(t *testing.T, st storage.Store, fp string, last time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.PutState(ctx, storage.KeyFingerprint, fp))
	require.NoError(t, storage.PutTime(ctx, st, storage.KeyLastRebuild, last))
}

func TestNextRun(t *testing.T) {
	t.Parallel()
	tr := newTrigger(t, threeAM, storage.NewMemory(), &recorder{})
	cases := []struct {
		from time.Time
		want time.Time
	}{
		{threeAM.Add(-time.Minute), threeAM},
		{threeAM, threeAM.AddDate(0, 0, 1)},
		{threeAM.Add(7 * time.Hour), threeAM.AddDate(0, 0, 1)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tr.NextRun(tc.from), "from %s", tc.from)
	}
}

func TestHourDefaultsAndMidnight(t *testing.T) {
	t.Parallel()
	midnight, bad := 0, 24
	cases := []struct {
		name string
		hour *int
		want time.Time
	}{
		{"unset", nil, threeAM},
		{"midnight", &midnight, threeAM.Add(21 * time.Hour)},
		{"out of range", &bad, threeAM},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tr, err := New(Config{Hour: tc.hour}, logx.Nop(), Deps{Config: liveConfig, Rebuild: (&recorder{}).rebuild})
			require.NoError(t, err)
			assert.Equal(t, tc.want, tr.NextRun(threeAM.Add(-time.Minute)))
		})
	}
}

func TestCheckUnchangedDoesNotReconcile(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seed(t, st, recurrence.Fingerprint(liveConfig()), threeAM.Add(-20*time.Hour))
	rec := &recorder{}

	out, err := newTrigger(t, threeAM, st, rec).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, out)
	assert.Equal(t, 0, rec.calls())

	day, ok, _ := st.GetState(context.Background(), storage.KeyRebuiltDay)
	assert.True(t, ok)
	assert.Equal(t, "2026-10-18", day)
}

func TestCheckChangedReconcilesExactlyOnce(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seed(t, st, "0000000000000000", threeAM.Add(-20*time.Hour))
	rec := &recorder{}
	tr := newTrigger(t, threeAM, st, rec)

	out, err := tr.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRebuilt, out)
	assert.Equal(t, []string{"fingerprint changed"}, rec.reasons)

	fp, _, _ := st.GetState(context.Background(), storage.KeyFingerprint)
	assert.Equal(t, recurrence.Fingerprint(liveConfig()), fp)

	out, err = tr.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlready, out)
	assert.Equal(t, 1, rec.calls())
}

func TestCheckRebuildsWithoutFingerprintOrWhenStale(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	out, err := newTrigger(t, threeAM, storage.NewMemory(), rec).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRebuilt, out)
	assert.Equal(t, []string{"no fingerprint"}, rec.reasons)

	st := storage.NewMemory()
	seed(t, st, recurrence.Fingerprint(liveConfig()), threeAM.Add(-73*time.Hour))
	rec = &recorder{}
	out, err = newTrigger(t, threeAM, st, rec).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRebuilt, out)
	assert.Equal(t, []string{"rebuild too old"}, rec.reasons)
}

func TestCheckFailureLeavesDayUnmarked(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	rec := &recorder{err: errors.New("platform gone")}
	out, err := newTrigger(t, threeAM, st, rec).Check(context.Background())
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, out)
	_, ok, _ := st.GetState(context.Background(), storage.KeyRebuiltDay)
	assert.False(t, ok)
}

func TestBoot(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		last    time.Duration // ago; 0 means never
		rebuilt bool
	}{
		{"never rebuilt", 0, true},
		{"13h ago", 13 * time.Hour, true},
		{"2h ago", 2 * time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := storage.NewMemory()
			if tc.last > 0 {
				require.NoError(t, storage.PutTime(context.Background(), st, storage.KeyLastRebuild, threeAM.Add(-tc.last)))
			}
			rec := &recorder{}
			ran, err := newTrigger(t, threeAM, st, rec).Boot(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.rebuilt, ran)
			assert.Equal(t, map[bool]int{true: 1, false: 0}[tc.rebuilt], rec.calls())
		})
	}
}

func TestTimerFiresOnceAndRearms(t *testing.T) {
	t.Parallel()
	start := time.Now()
	base := threeAM.Add(-50 * time.Millisecond)
	now := func() time.Time { return base.Add(time.Since(start)) }

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TypeNightly)
	defer unsub()

	rec := &recorder{}
	hour := 3
	tr, err := New(Config{Hour: &hour}, logx.Nop(), Deps{
		Now: now, Store: storage.NewMemory(), Config: liveConfig, Rebuild: rec.rebuild, Bus: bus,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	tr.Start(ctx)
	defer tr.Stop(ctx)

	select {
	case e := <-events:
		c := e.Data.(Check)
		assert.Equal(t, OutcomeRebuilt, c.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not fire")
	}

	require.Eventually(t, func() bool {
		state, next := tr.Status()
		return state == Idle && next.Equal(threeAM.AddDate(0, 0, 1))
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rec.calls())
}

func lostPlatform(t *testing.T, now time.Time, st storage.Store, rec *recorder, pending int) *Trigger {
	t.Helper()
	tr, err := New(Config{}, logx.Nop(), Deps{
		Now:     func() time.Time { return now },
		Store:   st,
		Config:  liveConfig,
		Rebuild: rec.rebuild,
		Pending: func(context.Context) (int, error) { return pending, nil },
	})
	require.NoError(t, err)
	return tr
}

func TestEmptyPlatformForcesRebuild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	seeded := func(t *testing.T) storage.Store {
		st := storage.NewMemory()
		seed(t, st, recurrence.Fingerprint(liveConfig()), threeAM.Add(-4*time.Hour))
		require.NoError(t, st.PutState(ctx, storage.KeyLastScheduled, "26"))
		return st
	}

	t.Run("boot", func(t *testing.T) {
		t.Parallel()
		rec := &recorder{}
		ran, err := lostPlatform(t, threeAM, seeded(t), rec, 0).Boot(ctx)
		require.NoError(t, err)
		assert.True(t, ran)
		assert.Equal(t, []string{"boot: platform empty"}, rec.reasons)
	})

	t.Run("boot with pending", func(t *testing.T) {
		t.Parallel()
		rec := &recorder{}
		ran, err := lostPlatform(t, threeAM, seeded(t), rec, 12).Boot(ctx)
		require.NoError(t, err)
		assert.False(t, ran)
	})

	t.Run("nightly", func(t *testing.T) {
		t.Parallel()
		rec := &recorder{}
		// the last rebuild was on the previous day
		out, err := lostPlatform(t, threeAM, seeded(t), rec, 0).Check(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRebuilt, out)
		assert.Equal(t, []string{"platform empty"}, rec.reasons)
	})

	t.Run("nothing recorded", func(t *testing.T) {
		t.Parallel()
		st := storage.NewMemory()
		seed(t, st, recurrence.Fingerprint(liveConfig()), threeAM.Add(-4*time.Hour))
		rec := &recorder{}
		ran, err := lostPlatform(t, threeAM, st, rec, 0).Boot(ctx)
		require.NoError(t, err)
		assert.False(t, ran)
	})
}
