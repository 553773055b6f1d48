package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pigeon/internal/metrics"
	logx "pigeon/pkg/logx"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client.
	pongWait = 60 * time.Second

	// Send pings to client with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from clients; they are read-only.
	maxMessageSize = 512

	// Per-connection outbound buffer.
	sendBuffer = 64
)

// Hub tracks live websocket connections keyed by user.
type Hub struct {
	log logx.Logger
	met *metrics.Metrics

	mu    sync.RWMutex
	conns map[string]map[*hubConn]struct{}
}

type hubConn struct {
	userID string
	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
}

func NewHub(log logx.Logger, met *metrics.Metrics) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	if met == nil {
		met = metrics.Nop()
	}
	return &Hub{
		log:   log.With(logx.String("channel", "socket")),
		met:   met,
		conns: map[string]map[*hubConn]struct{}{},
	}
}

// Register adopts an upgraded connection and starts its pumps. The hub
// owns the connection from here on.
func (h *Hub) Register(userID string, ws *websocket.Conn) {
	c := &hubConn{userID: userID, ws: ws, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	set := h.conns[userID]
	if set == nil {
		set = map[*hubConn]struct{}{}
		h.conns[userID] = set
	}
	set[c] = struct{}{}
	total := h.totalLocked()
	h.mu.Unlock()

	h.met.SocketConnections.Set(float64(total))
	h.log.Debug("socket connected", logx.String("user_id", userID), logx.Int("connections", total))

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) unregister(c *hubConn) {
	h.mu.Lock()
	if set, ok := h.conns[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.userID)
		}
	}
	total := h.totalLocked()
	h.mu.Unlock()

	c.once.Do(func() { close(c.send) })
	h.met.SocketConnections.Set(float64(total))
	h.log.Debug("socket disconnected", logx.String("user_id", c.userID), logx.Int("connections", total))
}

func (h *Hub) totalLocked() int {
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

// Connections reports how many live connections a user has.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// Deliver fans a frame out to every live connection of the user. It
// succeeds when at least one connection accepted the frame.
func (h *Hub) Deliver(userID string, frame []byte) error {
	h.mu.RLock()
	set := h.conns[userID]
	targets := make([]*hubConn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return errNoConnections
	}

	accepted := 0
	for _, c := range targets {
		// A connection can unregister between the snapshot and this send,
		// closing its channel; recover like the eventbus fanout does.
		func() {
			defer func() { _ = recover() }()
			select {
			case c.send <- frame:
				accepted++
			default:
				// Slow consumer; drop the connection rather than block delivery.
				h.log.Warn("socket send buffer full, dropping connection", logx.String("user_id", userID))
				go h.closeConn(c)
			}
		}()
	}
	if accepted == 0 {
		return fmt.Errorf("socket: all connections congested")
	}
	return nil
}

// CloseAll tears down every connection, typically on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*hubConn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		h.closeConn(c)
	}
}

func (h *Hub) closeConn(c *hubConn) {
	_ = c.ws.Close()
	h.unregister(c)
}

// writePump pumps frames from the hub to the websocket connection.
func (h *Hub) writePump(c *hubConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

// readPump drains client frames so pongs are processed; clients never
// send application data.
func (h *Hub) readPump(c *hubConn) {
	defer func() {
		_ = c.ws.Close()
		h.unregister(c)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Debug("socket read failed", logx.String("user_id", c.userID), logx.Err(err))
			}
			return
		}
	}
}
