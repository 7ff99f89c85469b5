package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_PublishReachesAllSubscribers(t *testing.T) {
	// Arrange
	bus := NewBus(4)
	first := bus.Subscribe()
	second := bus.Subscribe()

	// Act
	bus.Publish(EventStatusChanged, StatusChange{From: StatusIdle, To: StatusStarting})

	// Assert
	for _, ch := range []<-chan Event{first, second} {
		ev := <-ch
		assert.Equal(t, EventStatusChanged, ev.Type)
		change := ev.Data.(StatusChange)
		assert.Equal(t, StatusIdle, change.From)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	// Arrange: a subscriber with room for exactly one event, never drained.
	bus := NewBus(1)
	slow := bus.Subscribe()

	// Act: the second publish must not block the caller.
	bus.Publish(EventPriceUpdated, nil)
	bus.Publish(EventPriceUpdated, nil)

	// Assert: only the first event was delivered.
	assert.Len(t, slow, 1)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(4)
	ch := bus.Subscribe()

	bus.Close()

	_, open := <-ch
	assert.False(t, open)

	// Publishing and closing again are harmless.
	bus.Publish(EventPriceUpdated, nil)
	bus.Close()

	// Subscribing after close yields a closed channel.
	_, open = <-bus.Subscribe()
	assert.False(t, open)
}
