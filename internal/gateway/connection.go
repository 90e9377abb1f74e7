// ABOUTME: One client socket: a read loop, a write loop and a bounded outbound buffer
// ABOUTME: Implements room.Member; a connection that falls behind is closed, never blocked on

package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/convo-gateway/internal/auth"
	"github.com/2389/convo-gateway/internal/room"
)

// ErrConnectionLost is returned when sending to a connection that has closed
// or was closed because its outbound buffer overflowed.
var ErrConnectionLost = errors.New("connection lost")

// ConnState is the lifecycle state of a connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Connection is a single client socket.
type Connection struct {
	id       string
	identity *auth.Identity // nil when auth is disabled
	ws       *websocket.Conn
	gw       *Gateway
	logger   *slog.Logger

	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter // nil means unlimited

	state     atomic.Int32
	closeOnce sync.Once
	closeCode int
	closeText string
}

var _ room.Member = (*Connection)(nil)

func newConnection(gw *Gateway, ws *websocket.Conn, identity *auth.Identity) *Connection {
	cfg := gw.config.Gateway
	c := &Connection{
		id:       uuid.New().String(),
		identity: identity,
		ws:       ws,
		gw:       gw,
		send:     make(chan []byte, cfg.SendBuffer),
		done:     make(chan struct{}),
	}
	if cfg.EventsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.EventBurst)
	}
	attrs := []any{"connection_id", c.id}
	if identity != nil {
		attrs = append(attrs, "user_id", identity.UserID)
	}
	c.logger = gw.logger.With(attrs...)
	return c
}

// ID returns the connection id, unique within this gateway.
func (c *Connection) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// Deliver enqueues an encoded frame without blocking. When the buffer is full
// the connection is closed so the client reconnects and reloads instead of
// silently missing a message.
func (c *Connection) Deliver(frame []byte) bool {
	if c.State() == StateDisconnected {
		return false
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("outbound buffer full, closing slow connection", "buffer", cap(c.send))
		c.closeWith(websocket.CloseTryAgainLater, "send buffer full")
		return false
	}
}

// Send encodes and enqueues one event for this connection only.
func (c *Connection) Send(eventType string, data any) error {
	frame, err := encodeFrame(eventType, data)
	if err != nil {
		return err
	}
	if !c.Deliver(frame) {
		return ErrConnectionLost
	}
	return nil
}

// Close marks the connection disconnected and stops the write loop, which
// closes the socket. Safe to call from any goroutine, more than once, and
// while the room table is locked.
func (c *Connection) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *Connection) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		c.state.Store(int32(StateDisconnected))
		close(c.done)
	})
}

// allow applies the inbound rate limit.
func (c *Connection) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// userID is the authenticated user, or empty when auth is disabled.
func (c *Connection) userID() string {
	if c.identity == nil {
		return ""
	}
	return c.identity.UserID
}

// readPump processes inbound frames one at a time, in arrival order.
// It returns when the socket fails or is closed.
func (c *Connection) readPump() {
	cfg := c.gw.config.Gateway
	c.ws.SetReadLimit(cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) && c.State() != StateDisconnected {
				c.logger.Info("socket read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if c.State() == StateDisconnected {
			return
		}
		c.gw.handleFrame(c, data)
	}
}

// writePump is the only writer of data frames. It also sends keepalive pings.
func (c *Connection) writePump() {
	cfg := c.gw.config.Gateway
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("socket write failed", "error", err)
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				c.logger.Debug("socket ping failed", "error", err)
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
				_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			}
			return
		}
	}
}

// handleWebSocket upgrades the request and serves the connection until it closes.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	g.serveConnection(newConnection(g, ws, auth.FromContext(r.Context())))
}

// serveConnection runs c through Connecting -> Connected -> Disconnected.
// Room membership is removed however the connection ends.
func (g *Gateway) serveConnection(c *Connection) {
	if !g.conns.add(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = c.ws.Close()
		return
	}
	c.state.Store(int32(StateConnected))
	g.metrics.connections.Inc()
	c.logger.Info("connection opened", "remote_addr", c.ws.RemoteAddr().String())

	go c.writePump()

	_ = c.Send(eventConnected, connectedPayload{ConnectionID: c.id, UserID: c.userID()})
	c.readPump()

	c.Close()
	rooms := g.rooms.Disconnect(c.id)
	g.conns.remove(c.id)
	g.metrics.connections.Dec()
	c.logger.Info("connection closed", "rooms_left", len(rooms))
}

// registry tracks live connections so shutdown can close them.
type registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	closed bool
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*Connection)}
}

// add registers c. It returns false once closeAll has run.
func (r *registry) add(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[c.id] = c
	return true
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

func (r *registry) get(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// closeAll closes every connection and refuses new ones.
func (r *registry) closeAll() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}
