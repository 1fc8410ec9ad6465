package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/PsyLabsWeb3/Flip10/auth"
	"github.com/PsyLabsWeb3/Flip10/game"
	"github.com/PsyLabsWeb3/Flip10/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect from arbitrary origins; auth happens at the
	// protocol level, not the HTTP layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandlerConfig tunes the connection handler.
type HandlerConfig struct {
	MsgsPerSecond int
}

// Handler upgrades player connections and drives the message protocol.
type Handler struct {
	logger   logging.Logger
	cfg      HandlerConfig
	hub      *Hub
	limiter  *IPLimiter
	store    *game.SessionStore
	verifier *auth.Verifier
}

// NewHandler wires the connection handler.
func NewHandler(
	logger logging.Logger,
	cfg HandlerConfig,
	hub *Hub,
	limiter *IPLimiter,
	store *game.SessionStore,
	verifier *auth.Verifier,
) *Handler {
	return &Handler{
		logger:   logging.ForComponent(logger, logging.ComponentConnectionHandler),
		cfg:      cfg,
		hub:      hub,
		limiter:  limiter,
		store:    store,
		verifier: verifier,
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ServeHTTP upgrades the connection and runs its read loop until the peer
// departs. Over-cap IPs are told why with a policy-violation close frame,
// which requires completing the upgrade first.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	logger := logging.ForConnection(h.logger, ip)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(ws, ip, h.cfg.MsgsPerSecond)

	if !h.limiter.Acquire(ip) {
		logger.Warn().Msg("connection cap reached for ip")
		conn.closeWithReason(websocket.ClosePolicyViolation, "too many connections")
		return
	}

	connectionsAccepted.Inc()
	h.hub.Add(conn)

	defer func() {
		h.hub.Remove(conn)
		h.limiter.Release(ip)
		ws.Close()
	}()

	// Every client gets the current session view immediately.
	if err := conn.send(snapshotMessage{Type: msgSnapshot, Data: h.store.Snapshot()}); err != nil {
		return
	}

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingCtx, cancelPing := context.WithCancel(r.Context())
	defer cancelPing()
	go h.pingLoop(pingCtx, conn)

	h.readLoop(r.Context(), logger, conn)
}

func (h *Handler) pingLoop(ctx context.Context, conn *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.writeMu.Lock()
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.ws.WriteMessage(websocket.PingMessage, nil)
			conn.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, logger logging.Logger, conn *Conn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}

		if !conn.rate.allow(time.Now()) {
			messagesDropped.WithLabelValues(reasonRateLimited).Inc()
			conn.send(reasonMessage{Type: msgError, Reason: reasonRateLimited})
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frames are dropped without feedback.
			messagesDropped.WithLabelValues("malformed").Inc()
			continue
		}

		messagesReceived.WithLabelValues(msg.Type).Inc()
		h.dispatch(ctx, logger, conn, msg)
	}
}

func (h *Handler) dispatch(ctx context.Context, logger logging.Logger, conn *Conn, msg inboundMessage) {
	switch msg.Type {
	case msgAuthRequest:
		h.handleAuthRequest(conn, msg)
	case msgAuthVerify:
		h.handleAuthVerify(ctx, logger, conn, msg)
	case msgHello:
		h.handleHello(conn, msg)
	case msgFlip:
		h.handleFlip(logger, conn)
	default:
		messagesDropped.WithLabelValues("unknown_type").Inc()
	}
}

// handleAuthRequest issues a login challenge. The nonce is held on this
// connection only, so parallel logins for one address stay independent and
// a client cannot grow server state by requesting challenges for arbitrary
// addresses.
func (h *Handler) handleAuthRequest(conn *Conn, msg inboundMessage) {
	if !common.IsHexAddress(msg.Address) {
		conn.send(reasonMessage{Type: msgAuthFailed, Reason: reasonInvalidAddress})
		return
	}

	nonce := auth.NewNonce(time.Now())
	conn.setPendingNonce(nonce)
	conn.send(authChallengeMessage{Type: msgAuthChallenge, Nonce: nonce})
}

func (h *Handler) handleAuthVerify(ctx context.Context, logger logging.Logger, conn *Conn, msg inboundMessage) {
	if !common.IsHexAddress(msg.Address) {
		conn.send(reasonMessage{Type: msgAuthFailed, Reason: reasonInvalidAddress})
		return
	}
	address := common.HexToAddress(msg.Address).Hex()

	nonce, ok := conn.pendingNonce()
	if !ok {
		conn.send(reasonMessage{Type: msgAuthFailed, Reason: reasonNoPendingNonce})
		return
	}

	sig, err := auth.DecodeSignature(msg.Signature)
	if err != nil {
		conn.send(reasonMessage{Type: msgAuthFailed, Reason: reasonInvalidSignature})
		return
	}

	if err := h.verifier.Verify(ctx, common.HexToAddress(address), nonce, sig); err != nil {
		logger.Debug().Err(err).Str(logging.FieldAddress, address).Msg("auth verification failed")
		conn.send(reasonMessage{Type: msgAuthFailed, Reason: reasonInvalidSignature})
		return
	}

	conn.setAuthenticated(address)

	logger.Info().Str(logging.FieldAddress, address).Msg("connection authenticated")
	conn.send(authOKMessage{Type: msgAuthOK, Address: address})
	if h.store.HasPlayerState(address) {
		conn.send(playerStateMessage{Type: msgPlayerState, PlayerSnapshot: h.store.PlayerSnapshotFor(address)})
	}
}

// handleHello serves reconnect UI refreshes; it needs no authentication and
// answers with the named player's state or defaults.
func (h *Handler) handleHello(conn *Conn, msg inboundMessage) {
	address := msg.Address
	if !common.IsHexAddress(address) {
		if authed, ok := conn.authenticated(); ok {
			address = authed
		} else {
			conn.send(reasonMessage{Type: msgError, Reason: reasonInvalidAddress})
			return
		}
	}
	address = common.HexToAddress(address).Hex()
	conn.send(playerStateMessage{Type: msgPlayerState, PlayerSnapshot: h.store.PlayerSnapshotFor(address)})
}

func (h *Handler) handleFlip(logger logging.Logger, conn *Conn) {
	address, ok := conn.authenticated()
	if !ok {
		conn.send(reasonMessage{Type: msgFlipRejected, Reason: reasonUnauthenticated})
		return
	}

	result, err := h.store.ApplyFlip(address)
	if err != nil {
		// No active session gets no reply; flips between sessions are
		// routine once a winner is announced.
		if errors.Is(err, game.ErrNoActiveSession) {
			messagesDropped.WithLabelValues("no_session").Inc()
			return
		}
		conn.send(reasonMessage{Type: msgFlipRejected, Reason: flipRejectReason(err)})
		return
	}

	outcome := "tails"
	if result.Heads {
		outcome = "heads"
	}
	conn.send(flipResultMessage{
		Type:           msgFlipResult,
		Result:         outcome,
		Streak:         result.Streak,
		Probability:    result.Probability,
		RemainingFlips: result.RemainingFlips,
	})
	conn.send(playerStateMessage{Type: msgPlayerState, PlayerSnapshot: h.store.PlayerSnapshotFor(address)})

	// The winning flip's ack goes out before the session_ended broadcast,
	// so the winner sees both in order.
	if result.Win {
		if err := h.store.Finalize(address); err != nil {
			logger.Error().Err(err).Str(logging.FieldWinner, address).Msg("failed to finalize winning session")
		}
	}
}

// flipRejectReason maps session runtime errors onto wire reasons. The flip
// cooldown is reported as rate_limited, same as the message-rate cap.
func flipRejectReason(err error) string {
	switch {
	case errors.Is(err, game.ErrNoCreditsLeft):
		return reasonNoFlipsLeft
	case errors.Is(err, game.ErrCooldownActive):
		return reasonRateLimited
	default:
		return "internal_error"
	}
}
