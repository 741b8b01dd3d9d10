package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	recv, unsubRecv := b.Subscribe(4, TypeReceived)
	defer unsubRecv()

	b.Publish(Event{Type: TypeAction})
	b.Publish(Event{Type: TypeReceived, Data: 7})

	require.Len(t, all, 2)
	require.Len(t, recv, 1)
	e := <-recv
	assert.Equal(t, 7, e.Data)
	assert.False(t, e.Time.IsZero())
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Type: TypeNightly})
	b.Publish(Event{Type: TypeNightly})
	assert.Equal(t, uint64(1), Dropped(b))

	unsub()
	unsub()
	b.Publish(Event{Type: TypeNightly})
}
