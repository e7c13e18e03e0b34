// SPDX-License-Identifier: MIT

package presence

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shiftcam/shiftcam/internal/auth"
	"github.com/shiftcam/shiftcam/internal/bus"
	"github.com/shiftcam/shiftcam/internal/log"
	"github.com/shiftcam/shiftcam/internal/metrics"
)

const (
	writeWait = 10 * time.Second

	// maxGroups: a viewer joins its own identity group plus the watched
	// target's group, nothing else.
	maxGroups = 2
)

// joinFrame is the only inbound frame kind. Group membership is
// per-connection and must be re-established after every reconnect.
type joinFrame struct {
	Action string `json:"action"` // "join" or "leave"
	Group  string `json:"group"`
}

// Hub upgrades websocket connections and bridges bus subscriptions onto them.
type Hub struct {
	Bus               bus.Bus
	HeartbeatInterval time.Duration

	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHub creates a websocket hub over the given bus.
func NewHub(b bus.Bus, heartbeat time.Duration) *Hub {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Hub{
		Bus:               b,
		HeartbeatInterval: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Cross-origin is governed by the token, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.WithComponent("hub"),
	}
}

// Serve upgrades the request and runs the connection until the client goes
// away or ctx is cancelled.
func (h *Hub) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, principal *auth.Principal) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	metrics.WebsocketConnections.Inc()
	defer metrics.WebsocketConnections.Dec()

	c := &conn{
		hub:       h,
		ws:        ws,
		principal: principal,
		send:      make(chan bus.Envelope, 32),
		subs:      make(map[string]bus.Subscription),
	}
	c.run(ctx)
}

type conn struct {
	hub       *Hub
	ws        *websocket.Conn
	principal *auth.Principal
	send      chan bus.Envelope
	subs      map[string]bus.Subscription
}

func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.teardown()

	go c.writeLoop(ctx)
	c.readLoop(ctx, cancel)
}

// readLoop consumes join/leave frames. Handlers stay cheap and non-blocking;
// all delivery work happens in subscription pumps and the write loop.
func (c *conn) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		var frame joinFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Action {
		case "join":
			c.join(ctx, frame.Group)
		case "leave":
			c.leave(frame.Group)
		default:
			c.hub.logger.Debug().Str("action", frame.Action).Msg("ignoring unknown frame")
		}
	}
}

func (c *conn) join(ctx context.Context, group string) {
	group = bus.GroupFor(group)
	if group == "" {
		return
	}
	if _, ok := c.subs[group]; ok {
		return
	}
	if len(c.subs) >= maxGroups {
		c.hub.logger.Warn().
			Str(log.FieldGroup, group).
			Str(log.FieldUserID, c.principal.ID).
			Msg("join rejected, group limit reached")
		return
	}

	sub, err := c.hub.Bus.Subscribe(ctx, group)
	if err != nil {
		c.hub.logger.Error().Err(err).Str(log.FieldGroup, group).Msg("bus subscribe failed")
		return
	}
	c.subs[group] = sub

	go func() {
		for env := range sub.C() {
			select {
			case c.send <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *conn) leave(group string) {
	group = bus.GroupFor(group)
	if sub, ok := c.subs[group]; ok {
		_ = sub.Close()
		delete(c.subs, group)
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.hub.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(bus.Envelope{Kind: bus.KindHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (c *conn) teardown() {
	for group, sub := range c.subs {
		_ = sub.Close()
		delete(c.subs, group)
	}
	_ = c.ws.Close()
}
