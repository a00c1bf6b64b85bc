package fanout

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"greenhouse/internal/bus"
)

// Role of a connected identity.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID string
	Role   string
}

// Hub fans internal events out to live subscriber connections. Delivery
// is best-effort: each connection has a bounded send queue and a slow
// or dead consumer drops events instead of stalling the hub.
type Hub struct {
	events    *bus.Bus
	logger    *zap.Logger
	sendQueue int

	mu    sync.RWMutex
	conns map[*Conn]bool
}

// NewHub creates the fan-out hub.
func NewHub(events *bus.Bus, sendQueue int, logger *zap.Logger) *Hub {
	if sendQueue <= 0 {
		sendQueue = 32
	}
	return &Hub{
		events:    events,
		logger:    logger,
		sendQueue: sendQueue,
		conns:     make(map[*Conn]bool),
	}
}

// Run consumes internal events until the context ends.
func (h *Hub) Run(ctx context.Context) {
	sub := h.events.Subscribe(bus.ChannelReadings, bus.ChannelDevices, bus.ChannelActions, bus.ChannelRules)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			h.route(ev)
		}
	}
}

func (h *Hub) route(ev bus.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.conns {
		opts, subscribed := conn.subscription(ev.Channel)
		if !subscribed {
			continue
		}
		if !allowed(conn.identity, ev, opts) {
			continue
		}
		conn.trySend(ev)
	}
}

// allowed applies the per-connection filter: the actions channel is
// admin-only, device and rule events are visible to admins and to their
// owner, readings are visible to any authenticated subscriber (with
// mine-only narrowing device events further for admins too).
func allowed(id Identity, ev bus.Event, opts SubOptions) bool {
	switch ev.Channel {
	case bus.ChannelActions:
		return id.Role == RoleAdmin
	case bus.ChannelDevices:
		change, ok := ev.Payload.(bus.DeviceStateChanged)
		if !ok {
			return false
		}
		owned := change.Device.OwnerID != nil && *change.Device.OwnerID == id.UserID
		if opts.MineOnly {
			return owned
		}
		return id.Role == RoleAdmin || owned
	case bus.ChannelRules:
		triggered, ok := ev.Payload.(bus.RuleTriggered)
		if !ok {
			return false
		}
		owned := triggered.OwnerID != nil && *triggered.OwnerID == id.UserID
		if opts.MineOnly {
			return owned
		}
		return id.Role == RoleAdmin || owned
	default:
		return true
	}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = true
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("subscriber connected",
		zap.String("user_id", c.identity.UserID), zap.Int("connections", n))
}

// unregister releases the connection's subscriptions and counters.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("subscriber disconnected",
		zap.String("user_id", c.identity.UserID),
		zap.Uint64("dropped_events", c.dropped.Load()),
		zap.Int("connections", n))
}

// Connections reports the live connection count.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
