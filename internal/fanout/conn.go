package fanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"greenhouse/internal/bus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong to the fronting API layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// SubOptions narrows one channel subscription.
type SubOptions struct {
	MineOnly bool `json:"mine_only"`
}

// controlFrame is what clients send to manage subscriptions.
type controlFrame struct {
	Op       string `json:"op"` // "subscribe" or "unsubscribe"
	Channel  string `json:"channel"`
	MineOnly bool   `json:"mine_only"`
}

// Conn is one live subscriber connection.
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	identity Identity
	logger   *zap.Logger

	mu   sync.RWMutex
	subs map[string]SubOptions

	send    chan bus.Event
	dropped atomic.Uint64
	once    sync.Once
}

// Handler returns the gin handler that upgrades a request into a
// fan-out connection. Identity is resolved by the surrounding
// middleware and read from the request context.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		conn := &Conn{
			ws:       ws,
			hub:      h,
			identity: identity,
			logger:   h.logger.With(zap.String("user_id", identity.UserID)),
			subs:     make(map[string]SubOptions),
			send:     make(chan bus.Event, h.sendQueue),
		}
		h.register(conn)
		go conn.writePump()
		go conn.readPump()
	}
}

// IdentityFrom reads the authenticated identity placed by middleware.
func IdentityFrom(c *gin.Context) (Identity, bool) {
	userID, ok := c.Get("user_id")
	if !ok {
		return Identity{}, false
	}
	role, _ := c.Get("role")
	roleStr, _ := role.(string)
	if roleStr == "" {
		roleStr = RoleUser
	}
	return Identity{UserID: userID.(string), Role: roleStr}, true
}

func (c *Conn) subscription(channel string) (SubOptions, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	opts, ok := c.subs[channel]
	return opts, ok
}

// trySend queues an event without blocking; the event is dropped when
// the connection cannot keep up.
func (c *Conn) trySend(ev bus.Event) {
	select {
	case c.send <- ev:
	default:
		c.dropped.Add(1)
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		c.ws.Close()
	})
}

func (c *Conn) readPump() {
	defer c.close()
	c.ws.SetReadLimit(4096)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame controlFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Debug("ignoring malformed control frame", zap.Error(err))
			continue
		}
		switch frame.Op {
		case "subscribe":
			c.mu.Lock()
			c.subs[frame.Channel] = SubOptions{MineOnly: frame.MineOnly}
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			delete(c.subs, frame.Channel)
			c.mu.Unlock()
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
