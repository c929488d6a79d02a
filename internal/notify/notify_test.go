package notify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safeagent/internal/notify"
)

func TestBus_FanOut(t *testing.T) {
	b := notify.NewBus()
	a, cancelA := b.Subscribe(4)
	defer cancelA()
	c, cancelC := b.Subscribe(4)
	defer cancelC()

	n := b.Publish(notify.Change{Kind: notify.KindSynced, Imported: 2})
	assert.Equal(t, 2, n)

	got := <-a
	assert.Equal(t, notify.KindSynced, got.Kind)
	assert.Equal(t, 2, got.Imported)
	assert.Equal(t, got, <-c)
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	b := notify.NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	assert.Equal(t, 1, b.Publish(notify.Change{Kind: notify.KindGeocoded, LocalID: "a"}))
	assert.Equal(t, 0, b.Publish(notify.Change{Kind: notify.KindGeocoded, LocalID: "b"}))
	assert.Equal(t, "a", (<-ch).LocalID)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := notify.NewBus()
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel()

	_, open := <-ch
	require.False(t, open)
	assert.Equal(t, 0, b.Publish(notify.Change{Kind: notify.KindCreated}))
}

func TestBus_NilIsSafe(t *testing.T) {
	var b *notify.Bus
	assert.Equal(t, 0, b.Publish(notify.Change{}))
}
