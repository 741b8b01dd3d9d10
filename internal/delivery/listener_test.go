package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bellkeeper/internal/eventbus"
	"bellkeeper/internal/notification"
	"bellkeeper/internal/platform"
	"bellkeeper/internal/storage"
	logx "bellkeeper/pkg/logx"
)

var at = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

type fakePlayer struct {
	mu      sync.Mutex
	played  []int
	playing bool
}

func (p *fakePlayer) Play(_ context.Context, in notification.Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, in.ID)
	return nil
}

func (p *fakePlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *fakePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.played)
}

func pair(id int) (notification.Instance, notification.Instance) {
	bell := notification.Bell{Tradition: "cathedral", ChimeCount: 8}
	primary := notification.Instance{ID: id, At: at, RetryLevel: notification.Primary, OriginalID: id, Payload: bell, ChannelID: "cathedral-bells-8", SoundFile: "cathedral_8.mp3"}
	backup := primary
	backup.ID = id + 1
	backup.At = at.Add(30 * time.Second)
	backup.RetryLevel = notification.Backup
	return primary, backup
}

type fixture struct {
	plat   *platform.Memory
	store  *storage.Memory
	player *fakePlayer
	bus    eventbus.Bus
	l      *Listener
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemory(), player: &fakePlayer{}, bus: eventbus.New(), now: at}
	f.plat = platform.NewMemory(logx.Nop(), f.bus, platform.MemoryOptions{})
	f.l = New(Config{MarkerTTL: 5 * time.Minute}, logx.Nop(), Deps{
		Platform: f.plat,
		Player:   f.player,
		Store:    f.store,
		Bus:      f.bus,
		Now:      func() time.Time { return f.now },
	})
	return f
}

func TestPrimaryCancelsBackupAndRecordsMarker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	primary, backup := pair(100)
	require.NoError(t, f.plat.Schedule(context.Background(), []notification.Instance{primary, backup}))

	assert.Equal(t, OutcomeDelivered, f.l.HandleReceived(context.Background(), primary))
	assert.Equal(t, 1, f.player.count())

	pending, err := f.plat.Pending(context.Background())
	require.NoError(t, err)
	for _, in := range pending {
		assert.NotEqual(t, backup.ID, in.ID, "backup must be cancelled")
	}

	until, ok, err := f.store.GetMarker(context.Background(), "delivered:100")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, until.Equal(at.Add(5*time.Minute)))
}

func TestBackupSuppressedAfterPrimary(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	events, unsub := f.bus.Subscribe(2, eventbus.TypeSuppressed)
	defer unsub()
	primary, backup := pair(200)

	f.l.HandleReceived(context.Background(), primary)
	f.now = at.Add(30 * time.Second)
	assert.Equal(t, OutcomeSuppressed, f.l.HandleReceived(context.Background(), backup))
	assert.Equal(t, 1, f.player.count())
	require.Len(t, events, 1)
}

func TestBackupSuppressedFromPersistedMarker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, backup := pair(300)
	require.NoError(t, f.store.PutMarker(context.Background(), "delivered:300", at.Add(time.Minute)))

	assert.Equal(t, OutcomeSuppressed, f.l.HandleReceived(context.Background(), backup))
}

func TestBackupPlaysWhenPrimaryLost(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, backup := pair(400)
	require.NoError(t, f.store.PutMarker(context.Background(), "delivered:400", at.Add(-time.Second)))

	assert.Equal(t, OutcomeEffective, f.l.HandleReceived(context.Background(), backup))
	assert.Equal(t, 1, f.player.count())

	// a second copy of the same backup is now covered by the new marker
	assert.Equal(t, OutcomeSuppressed, f.l.HandleReceived(context.Background(), backup))
}

func TestQuietSkipsPlayback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.l.SetQuiet(true)
	primary, backup := pair(500)

	assert.Equal(t, OutcomeQuiet, f.l.HandleReceived(context.Background(), primary))
	assert.Equal(t, 0, f.player.count())
	// the marker is still recorded
	assert.Equal(t, OutcomeSuppressed, f.l.HandleReceived(context.Background(), backup))
}

func TestSilentReminderDoesNotPlay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	in := notification.Instance{ID: 7, OriginalID: 7, At: at, Payload: notification.PrayerReminder{PrayerName: "Fajr", MinutesUntil: 10}}
	assert.Equal(t, OutcomeDelivered, f.l.HandleReceived(context.Background(), in))
	assert.Equal(t, 0, f.player.count())

	in.Payload = notification.PrayerReminder{PrayerName: "Fajr", MinutesUntil: 10, WithBell: true}
	f.l.HandleReceived(context.Background(), in)
	assert.Equal(t, 1, f.player.count())
}

func TestActionReplay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	primary, _ := pair(600)

	assert.Equal(t, OutcomeReplayed, f.l.HandleAction(context.Background(), primary, "tap"))
	f.player.playing = true
	assert.Equal(t, OutcomeBusy, f.l.HandleAction(context.Background(), primary, "tap"))
	assert.Equal(t, 1, f.player.count())
}

func TestUnknownPayloadIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	in := notification.Instance{ID: 1, OriginalID: 1}
	assert.Equal(t, OutcomeIgnored, f.l.HandleReceived(context.Background(), in))
	assert.Equal(t, OutcomeIgnored, f.l.HandleAction(context.Background(), in, "tap"))
}

func TestRunConsumesPlatformEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	primary, backup := pair(700)
	require.NoError(t, f.plat.Schedule(context.Background(), []notification.Instance{primary, backup}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.l.Run(ctx)
	}()

	// publish until the listener has subscribed and handled one
	require.Eventually(t, func() bool {
		f.bus.Publish(eventbus.Event{Type: eventbus.TypeReceived, Data: platform.Delivery{Instance: primary, At: at}})
		return f.player.count() > 0
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		pending, err := f.plat.Pending(context.Background())
		return err == nil && len(pending) == 1 && pending[0].ID == primary.ID
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestWatchQuietFollowsNotifier(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	src := &StaticQuiet{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.l.WatchQuiet(ctx, src) }()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.subs) == 1
	}, time.Second, 5*time.Millisecond)

	src.Set(true)
	require.Eventually(t, f.l.Quiet, time.Second, 10*time.Millisecond)

	src.Set(false)
	require.Eventually(t, func() bool { return !f.l.Quiet() }, time.Second, 10*time.Millisecond)
}

type pollOnly struct {
	mu sync.Mutex
	v  bool
}

func (p *pollOnly) Quiet(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.v, nil
}

func TestWatchQuietPolls(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.l.cfg.PollEvery = 10 * time.Millisecond
	src := &pollOnly{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.l.WatchQuiet(ctx, src) }()

	src.mu.Lock()
	src.v = true
	src.mu.Unlock()
	require.Eventually(t, f.l.Quiet, time.Second, 10*time.Millisecond)
}
