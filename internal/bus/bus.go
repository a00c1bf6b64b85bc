package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"greenhouse/internal/models"
)

// Internal event channels.
const (
	ChannelReadings = "readings"
	ChannelDevices  = "devices"
	ChannelActions  = "actions"
	ChannelRules    = "rules"
)

// Event is one internal event delivered to subscribers.
type Event struct {
	Channel string    `json:"channel"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// ReadingUpdated is published on ChannelReadings after a successful ingest.
type ReadingUpdated struct {
	Reading models.SensorReading `json:"reading"`
}

// DeviceStateChanged is published on ChannelDevices after a confirmed
// status report.
type DeviceStateChanged struct {
	Device   models.DeviceState  `json:"device"`
	Previous models.DeviceStatus `json:"previous"`
}

// ActionOutcome is published on ChannelActions when a queued action
// succeeds, retries, or dead-letters.
type ActionOutcome struct {
	Action  models.QueuedAction `json:"action"`
	Outcome string              `json:"outcome"` // "succeeded", "retrying", "dead"
	Error   string              `json:"error,omitempty"`
}

// RuleTriggered is published on ChannelRules when a rule fires.
type RuleTriggered struct {
	RuleID      string  `json:"rule_id"`
	RuleName    string  `json:"rule_name"`
	ExecutionID string  `json:"execution_id"`
	OwnerID     *string `json:"owner_id,omitempty"`
}

// Subscription is one subscriber's bounded event queue. Events are
// dropped, not buffered indefinitely, when the subscriber falls behind.
type Subscription struct {
	id       int
	channels map[string]bool
	events   chan Event
	bus      *Bus
	closed   atomic.Bool
}

// Events returns the subscriber's receive channel.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.bus.unsubscribe(s.id)
	}
}

// Bus is the in-process publish/subscribe broker. Publish never blocks:
// a full subscriber queue counts a drop and moves on, so a slow
// consumer cannot stall event production.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	buffer  int
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewBus creates a bus with the given per-subscriber queue depth.
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 32
	}
	return &Bus{subs: make(map[int]*Subscription), buffer: buffer, logger: logger}
}

// Subscribe registers interest in the named channels.
func (b *Bus) Subscribe(channels ...string) *Subscription {
	set := make(map[string]bool, len(channels))
	for _, c := range channels {
		set[c] = true
	}
	sub := &Subscription{channels: set, events: make(chan Event, b.buffer), bus: b}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish delivers an event to every matching subscriber without
// blocking on any of them.
func (b *Bus) Publish(channel string, payload any) {
	ev := Event{Channel: channel, At: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.channels[channel] {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			n := b.dropped.Add(1)
			if n%100 == 1 {
				b.logger.Warn("slow subscriber, dropping events",
					zap.String("channel", channel), zap.Uint64("total_dropped", n))
			}
		}
	}
}

// Dropped reports how many events were discarded for slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
