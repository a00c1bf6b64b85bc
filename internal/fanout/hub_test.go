package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"greenhouse/internal/bus"
	"greenhouse/internal/models"
)

func newTestConn(h *Hub, id Identity, queue int, channels ...string) *Conn {
	c := &Conn{
		hub:      h,
		identity: id,
		logger:   zap.NewNop(),
		subs:     make(map[string]SubOptions),
		send:     make(chan bus.Event, queue),
	}
	for _, ch := range channels {
		c.subs[ch] = SubOptions{}
	}
	h.register(c)
	return c
}

func strptr(s string) *string { return &s }

func deviceEvent(ownerID *string) bus.Event {
	return bus.Event{
		Channel: bus.ChannelDevices,
		Payload: bus.DeviceStateChanged{
			Device:   models.DeviceState{ID: "d1", Status: models.StatusOn, OwnerID: ownerID},
			Previous: models.StatusOff,
		},
	}
}

func ruleEvent(ownerID *string) bus.Event {
	return bus.Event{
		Channel: bus.ChannelRules,
		Payload: bus.RuleTriggered{RuleID: "r1", OwnerID: ownerID},
	}
}

func TestAllowedFilters(t *testing.T) {
	admin := Identity{UserID: "a", Role: RoleAdmin}
	owner := Identity{UserID: "u1", Role: RoleUser}
	other := Identity{UserID: "u2", Role: RoleUser}

	cases := []struct {
		name string
		id   Identity
		ev   bus.Event
		opts SubOptions
		want bool
	}{
		{"actions admin", admin, bus.Event{Channel: bus.ChannelActions, Payload: bus.ActionOutcome{}}, SubOptions{}, true},
		{"actions user", owner, bus.Event{Channel: bus.ChannelActions, Payload: bus.ActionOutcome{}}, SubOptions{}, false},

		{"device owner", owner, deviceEvent(strptr("u1")), SubOptions{}, true},
		{"device non-owner", other, deviceEvent(strptr("u1")), SubOptions{}, false},
		{"device admin sees all", admin, deviceEvent(strptr("u1")), SubOptions{}, true},
		{"device admin mine-only", admin, deviceEvent(strptr("u1")), SubOptions{MineOnly: true}, false},
		{"device unowned user", owner, deviceEvent(nil), SubOptions{}, false},
		{"device unowned admin", admin, deviceEvent(nil), SubOptions{}, true},

		{"rule owner", owner, ruleEvent(strptr("u1")), SubOptions{}, true},
		{"rule non-owner", other, ruleEvent(strptr("u1")), SubOptions{}, false},
		{"rule admin", admin, ruleEvent(strptr("u1")), SubOptions{}, true},
		{"rule owner mine-only", owner, ruleEvent(strptr("u1")), SubOptions{MineOnly: true}, true},

		{"readings any user", other, bus.Event{Channel: bus.ChannelReadings, Payload: bus.ReadingUpdated{}}, SubOptions{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, allowed(tc.id, tc.ev, tc.opts))
		})
	}
}

func TestRouteDeliversOnlyToSubscribers(t *testing.T) {
	events := bus.NewBus(16, zap.NewNop())
	h := NewHub(events, 8, zap.NewNop())

	subscribed := newTestConn(h, Identity{UserID: "u1", Role: RoleUser}, 8, bus.ChannelReadings)
	unsubscribed := newTestConn(h, Identity{UserID: "u2", Role: RoleUser}, 8)

	h.route(bus.Event{Channel: bus.ChannelReadings, Payload: bus.ReadingUpdated{}})

	select {
	case ev := <-subscribed.send:
		assert.Equal(t, bus.ChannelReadings, ev.Channel)
	default:
		t.Fatal("subscribed connection received nothing")
	}
	select {
	case <-unsubscribed.send:
		t.Fatal("unsubscribed connection received an event")
	default:
	}
}

func TestSlowConnectionDropsWithoutBlocking(t *testing.T) {
	events := bus.NewBus(16, zap.NewNop())
	h := NewHub(events, 1, zap.NewNop())

	slow := newTestConn(h, Identity{UserID: "u1", Role: RoleUser}, 1, bus.ChannelReadings)
	healthy := newTestConn(h, Identity{UserID: "u2", Role: RoleUser}, 8, bus.ChannelReadings)

	// More events than the slow queue holds; route must never stall.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.route(bus.Event{Channel: bus.ChannelReadings, Payload: bus.ReadingUpdated{}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("route blocked on a full send queue")
	}

	assert.Equal(t, uint64(9), slow.dropped.Load())
	assert.Len(t, healthy.send, 8)
	assert.Equal(t, uint64(2), healthy.dropped.Load())
}

func TestHubRunForwardsBusEvents(t *testing.T) {
	events := bus.NewBus(16, zap.NewNop())
	h := NewHub(events, 8, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	// Give Run a beat to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)

	conn := newTestConn(h, Identity{UserID: "admin", Role: RoleAdmin}, 8, bus.ChannelActions)
	events.Publish(bus.ChannelActions, bus.ActionOutcome{
		Action:  models.QueuedAction{ID: "a1"},
		Outcome: "succeeded",
	})

	select {
	case ev := <-conn.send:
		outcome, ok := ev.Payload.(bus.ActionOutcome)
		require.True(t, ok)
		assert.Equal(t, "a1", outcome.Action.ID)
	case <-time.After(time.Second):
		t.Fatal("event never reached the connection")
	}
}

func TestRegisterUnregisterCounts(t *testing.T) {
	events := bus.NewBus(16, zap.NewNop())
	h := NewHub(events, 8, zap.NewNop())

	c1 := newTestConn(h, Identity{UserID: "u1"}, 8)
	c2 := newTestConn(h, Identity{UserID: "u2"}, 8)
	assert.Equal(t, 2, h.Connections())

	h.unregister(c1)
	assert.Equal(t, 1, h.Connections())
	h.unregister(c2)
	assert.Equal(t, 0, h.Connections())
}
