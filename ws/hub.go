package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PsyLabsWeb3/Flip10/logging"
)

const (
	// writeWait bounds every write to a peer.
	writeWait = 10 * time.Second

	// pongWait is how long a silent peer stays alive; pings go out at
	// pingPeriod to keep healthy peers answering.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

// Conn is one live player connection. All writes go through send, which
// serializes on the write mutex; gorilla connections allow a single
// concurrent writer.
type Conn struct {
	ws *websocket.Conn
	ip string

	writeMu sync.Mutex
	rate    *rateWindow

	authMu  sync.Mutex
	address string
	nonce   string
}

func newConn(ws *websocket.Conn, ip string, msgsPerSecond int) *Conn {
	return &Conn{
		ws:   ws,
		ip:   ip,
		rate: newRateWindow(msgsPerSecond),
	}
}

// setPendingNonce records the outstanding login challenge. Issuing a new
// one replaces any previous challenge on this connection.
func (c *Conn) setPendingNonce(nonce string) {
	c.authMu.Lock()
	c.nonce = nonce
	c.authMu.Unlock()
}

// pendingNonce returns the outstanding challenge, if any.
func (c *Conn) pendingNonce() (string, bool) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.nonce, c.nonce != ""
}

// setAuthenticated marks the connection as owned by address and consumes
// the pending nonce so it cannot be replayed.
func (c *Conn) setAuthenticated(address string) {
	c.authMu.Lock()
	c.address = address
	c.nonce = ""
	c.authMu.Unlock()
}

// authenticated returns the owning address, if the connection has passed
// auth.
func (c *Conn) authenticated() (string, bool) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.address, c.address != ""
}

// send marshals and writes one message with the write deadline applied.
func (c *Conn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.sendRaw(data)
}

func (c *Conn) sendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// closeWithReason sends a close frame and tears the connection down.
func (c *Conn) closeWithReason(code int, reason string) {
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()

	c.ws.Close()
}

// Snapshotter supplies the broadcast payload for periodic ticks.
type Snapshotter interface {
	Snapshot() any
}

// Hub is the set of live connections and the single fan-out point for
// session events.
type Hub struct {
	logger logging.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewHub builds an empty hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		logger: logging.ForComponent(logger, logging.ComponentConnectionHub),
		conns:  make(map[*Conn]struct{}),
	}
}

// Add registers a connection.
func (h *Hub) Add(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()

	liveConnections.Set(float64(n))
}

// Remove unregisters a connection. Safe to call more than once.
func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()

	liveConnections.Set(float64(n))
}

// BroadcastEvent serializes the payload once and fans it out. Connections
// that fail the write are closed and pruned; the next broadcast never
// retries them.
func (h *Hub) BroadcastEvent(msgType string, data any) {
	payload, err := json.Marshal(envelope{Type: msgType, Data: data})
	if err != nil {
		h.logger.Error().Err(err).Str(logging.FieldMsgType, msgType).Msg("failed to marshal broadcast")
		return
	}

	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	var pruned int
	for _, c := range targets {
		if err := c.sendRaw(payload); err != nil {
			c.ws.Close()
			h.Remove(c)
			pruned++
		}
	}

	broadcastsSent.WithLabelValues(msgType).Inc()
	if pruned > 0 {
		h.logger.Debug().
			Str(logging.FieldMsgType, msgType).
			Int(logging.FieldCount, pruned).
			Msg("pruned dead connections during broadcast")
	}
}

// RunTicker pushes a session_tick snapshot every second until ctx is done.
// Idle periods tick too, carrying the next start time and last result so
// clients stay in sync between sessions.
func (h *Hub) RunTicker(ctx context.Context, source Snapshotter) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.BroadcastEvent(msgSessionTick, source.Snapshot())
		}
	}
}

// CloseAll closes every connection with a going-away frame, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.conns = make(map[*Conn]struct{})
	h.mu.Unlock()

	for _, c := range targets {
		c.closeWithReason(websocket.CloseGoingAway, "server shutting down")
	}
	liveConnections.Set(0)
}
