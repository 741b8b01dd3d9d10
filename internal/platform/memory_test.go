package platform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bellkeeper/internal/eventbus"
	"bellkeeper/internal/notification"
	logx "bellkeeper/pkg/logx"
)

func bell(id int, at time.Time) notification.Instance {
	return notification.Instance{
		ID:         id,
		At:         at,
		OriginalID: id,
		ChannelID:  "bells",
		Payload:    notification.Bell{Tradition: "westminster", ChimeCount: 3},
	}
}

func TestMemoryScheduleCancelPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	m := NewMemory(logx.Nop(), nil, MemoryOptions{})

	require.NoError(t, m.Schedule(ctx, []notification.Instance{bell(2, now.Add(2*time.Hour)), bell(1, now.Add(time.Hour))}))
	got, err := m.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].ID)
	assert.Equal(t, notification.Bell{Tradition: "westminster", ChimeCount: 3}, got[0].Payload)

	// unknown and repeated ids are a no-op
	require.NoError(t, m.Cancel(ctx, []int{1, 1, 99}))
	got, err = m.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].ID)
}

func TestMemoryCapacityIsAllOrNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(logx.Nop(), nil, MemoryOptions{Capacity: 2})
	at := time.Now().Add(time.Hour)

	err := m.Schedule(ctx, []notification.Instance{bell(1, at), bell(2, at), bell(3, at)})
	require.True(t, errors.Is(err, ErrCapacity))
	got, _ := m.Pending(ctx)
	assert.Empty(t, got)
}

func TestMemoryRejectsForeignPayload(t *testing.T) {
	t.Parallel()
	m := NewMemory(logx.Nop(), nil, MemoryOptions{})
	err := m.Schedule(context.Background(), []notification.Instance{{ID: 1}})
	assert.ErrorIs(t, err, notification.ErrUnknownPayload)
}

func TestMemoryFirePublishesReceived(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TypeReceived)
	defer unsub()

	m := NewMemory(logx.Nop(), bus, MemoryOptions{Fire: true})
	defer m.Close()
	require.NoError(t, m.Schedule(context.Background(), []notification.Instance{bell(5, time.Now().Add(-time.Second))}))

	select {
	case e := <-events:
		d, ok := e.Data.(Delivery)
		require.True(t, ok)
		assert.Equal(t, 5, d.Instance.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no received event")
	}
	got, _ := m.Pending(context.Background())
	assert.Empty(t, got)
}

func TestMemoryDeliverAfterCancelIsNoop(t *testing.T) {
	t.Parallel()
	m := NewMemory(logx.Nop(), eventbus.New(), MemoryOptions{})
	require.NoError(t, m.Schedule(context.Background(), []notification.Instance{bell(9, time.Now().Add(time.Hour))}))
	require.NoError(t, m.Cancel(context.Background(), []int{9}))
	assert.False(t, m.Deliver(9))
}

func TestMemoryDeliveredStaysAddressable(t *testing.T) {
	t.Parallel()
	m := NewMemory(logx.Nop(), nil, MemoryOptions{})
	require.NoError(t, m.Schedule(context.Background(), []notification.Instance{bell(7, time.Now().Add(time.Hour))}))

	_, ok := m.Delivered(7)
	assert.False(t, ok)
	require.True(t, m.Deliver(7))

	in, ok := m.Delivered(7)
	require.True(t, ok)
	assert.Equal(t, 7, in.ID)
	_, ok = m.Delivered(8)
	assert.False(t, ok)
}

func TestMemoryChannels(t *testing.T) {
	t.Parallel()
	m := NewMemory(logx.Nop(), nil, MemoryOptions{})
	require.NoError(t, m.CreateChannel(context.Background(), Channel{ID: "b"}))
	require.NoError(t, m.CreateChannel(context.Background(), Channel{ID: "a"}))
	require.NoError(t, m.CreateChannel(context.Background(), Channel{ID: "a"}))
	assert.Error(t, m.CreateChannel(context.Background(), Channel{}))

	chs := m.Channels()
	require.Len(t, chs, 2)
	assert.Equal(t, "a", chs[0].ID)
}
