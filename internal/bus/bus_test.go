package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishReachesMatchingSubscribers(t *testing.T) {
	b := NewBus(4, zap.NewNop())
	readings := b.Subscribe(ChannelReadings)
	devices := b.Subscribe(ChannelDevices)
	defer readings.Close()
	defer devices.Close()

	b.Publish(ChannelReadings, "payload")

	select {
	case ev := <-readings.Events():
		assert.Equal(t, ChannelReadings, ev.Channel)
		assert.Equal(t, "payload", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected event on readings subscription")
	}

	select {
	case <-devices.Events():
		t.Fatal("devices subscriber must not see readings events")
	default:
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := NewBus(1, zap.NewNop())
	slow := b.Subscribe(ChannelReadings)
	healthy := b.Subscribe(ChannelReadings)
	defer slow.Close()
	defer healthy.Close()

	// Fill the slow subscriber's queue, then keep publishing while the
	// healthy one drains.
	b.Publish(ChannelReadings, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 10; i++ {
			b.Publish(ChannelReadings, i)
			<-healthy.Events()
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Greater(t, b.Dropped(), uint64(0))
}

func TestCloseReleasesSubscription(t *testing.T) {
	b := NewBus(4, zap.NewNop())
	sub := b.Subscribe(ChannelRules)
	sub.Close()
	sub.Close() // idempotent

	b.Publish(ChannelRules, "after close")
	select {
	case ev := <-sub.Events():
		require.Failf(t, "unexpected delivery", "got %+v", ev)
	default:
	}
}
