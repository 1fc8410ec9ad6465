package ws

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/PsyLabsWeb3/Flip10/auth"
	"github.com/PsyLabsWeb3/Flip10/game"
	"github.com/PsyLabsWeb3/Flip10/persistence"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

type nopChain struct{}

func (nopChain) StartSession(context.Context, int64) error { return nil }
func (nopChain) FinalizeSession(context.Context, int64, string, common.Hash) error {
	return nil
}

type nopPointers struct{}

func (nopPointers) Save(persistence.SessionPointer) error { return nil }
func (nopPointers) Clear() error                          { return nil }

type wsFixture struct {
	server *httptest.Server
	store  *game.SessionStore
	ledger *game.CreditLedger
	hub    *Hub
}

func newWSFixture(t *testing.T, maxPerIP int) *wsFixture {
	t.Helper()

	logger := zerolog.Nop()
	ledger := game.NewCreditLedger(logger)
	hub := NewHub(logger)
	store := game.NewSessionStore(
		context.Background(),
		logger,
		game.StoreConfig{StartHour: 18, WinStreak: 10, FlipCooldown: 10 * time.Millisecond},
		ledger,
		nopChain{},
		nopPointers{},
		hub,
		nil,
	)

	handler := NewHandler(
		logger,
		HandlerConfig{MsgsPerSecond: 20},
		hub,
		NewIPLimiter(logger, maxPerIP, time.Minute),
		store,
		auth.NewVerifier(logger, nil, common.Address{}),
	)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	t.Cleanup(hub.CloseAll)

	return &wsFixture{server: server, store: store, ledger: ledger, hub: hub}
}

func (fx *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(fx.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessage reads one frame as a generic JSON object.
func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readMessageOfType skips broadcast frames until the wanted type arrives.
func readMessageOfType(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()

	for i := 0; i < 20; i++ {
		msg := readMessage(t, conn)
		if msg["type"] == msgType {
			return msg
		}
	}
	t.Fatalf("no %s message received", msgType)
	return nil
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// authenticate runs the nonce round trip for the test key.
func authenticate(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	sendJSON(t, conn, inboundMessage{Type: msgAuthRequest, Address: address})
	nonceMsg := readMessageOfType(t, conn, msgAuthChallenge)
	nonce, _ := nonceMsg["nonce"].(string)
	require.NotEmpty(t, nonce)

	sig, err := crypto.Sign(accounts.TextHash([]byte(nonce)), key)
	require.NoError(t, err)
	sig[64] += 27

	sendJSON(t, conn, inboundMessage{
		Type:      msgAuthVerify,
		Address:   address,
		Signature: "0x" + hex.EncodeToString(sig),
	})

	ok := readMessageOfType(t, conn, msgAuthOK)
	require.Equal(t, address, ok["address"])

	return address
}

func TestSnapshotPushedOnConnect(t *testing.T) {
	fx := newWSFixture(t, 5)
	conn := fx.dial(t)

	msg := readMessage(t, conn)
	require.Equal(t, msgSnapshot, msg["type"])

	data, ok := msg["data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, false, data["active"])
}

func TestAuthFlow(t *testing.T) {
	fx := newWSFixture(t, 5)
	conn := fx.dial(t)
	readMessageOfType(t, conn, msgSnapshot)

	authenticate(t, conn)
}

// Challenges live on the connection that requested them: a second login
// attempt for the same address on another connection must not invalidate
// the first challenge, and a connection that never asked for one cannot
// verify at all.
func TestAuthChallengeScopedToConnection(t *testing.T) {
	fx := newWSFixture(t, 5)

	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	first := fx.dial(t)
	readMessageOfType(t, first, msgSnapshot)
	sendJSON(t, first, inboundMessage{Type: msgAuthRequest, Address: address})
	nonce, _ := readMessageOfType(t, first, msgAuthChallenge)["nonce"].(string)
	require.NotEmpty(t, nonce)

	second := fx.dial(t)
	readMessageOfType(t, second, msgSnapshot)
	sendJSON(t, second, inboundMessage{Type: msgAuthRequest, Address: address})
	readMessageOfType(t, second, msgAuthChallenge)

	sig, err := crypto.Sign(accounts.TextHash([]byte(nonce)), key)
	require.NoError(t, err)
	sig[64] += 27
	sendJSON(t, first, inboundMessage{
		Type:      msgAuthVerify,
		Address:   address,
		Signature: "0x" + hex.EncodeToString(sig),
	})
	ok := readMessageOfType(t, first, msgAuthOK)
	require.Equal(t, address, ok["address"])

	third := fx.dial(t)
	readMessageOfType(t, third, msgSnapshot)
	sendJSON(t, third, inboundMessage{
		Type:      msgAuthVerify,
		Address:   address,
		Signature: "0x" + hex.EncodeToString(sig),
	})
	failed := readMessageOfType(t, third, msgAuthFailed)
	require.Equal(t, reasonNoPendingNonce, failed["reason"])
}

func TestAuthVerifyWithoutNonce(t *testing.T) {
	fx := newWSFixture(t, 5)
	conn := fx.dial(t)
	readMessageOfType(t, conn, msgSnapshot)

	sendJSON(t, conn, inboundMessage{
		Type:      msgAuthVerify,
		Address:   "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		Signature: "0x00",
	})

	msg := readMessageOfType(t, conn, msgAuthFailed)
	require.Equal(t, reasonNoPendingNonce, msg["reason"])
}

func TestAuthRequestRejectsBadAddress(t *testing.T) {
	fx := newWSFixture(t, 5)
	conn := fx.dial(t)
	readMessageOfType(t, conn, msgSnapshot)

	sendJSON(t, conn, inboundMessage{Type: msgAuthRequest, Address: "not-an-address"})
	msg := readMessageOfType(t, conn, msgAuthFailed)
	require.Equal(t, reasonInvalidAddress, msg["reason"])
}

func TestFlipRequiresAuth(t *testing.T) {
	fx := newWSFixture(t, 5)
	conn := fx.dial(t)
	readMessageOfType(t, conn, msgSnapshot)

	sendJSON(t, conn, inboundMessage{Type: msgFlip})
	msg := readMessageOfType(t, conn, msgFlipRejected)
	require.Equal(t, reasonUnauthenticated, msg["reason"])
}

func TestFlipTranscript(t *testing.T) {
	fx := newWSFixture(t, 5)
	require.NoError(t, fx.store.Start(context.Background()))

	conn := fx.dial(t)
	readMessageOfType(t, conn, msgSnapshot)
	address := authenticate(t, conn)

	// No credits yet.
	sendJSON(t, conn, inboundMessage{Type: msgFlip})
	msg := readMessageOfType(t, conn, msgFlipRejected)
	require.Equal(t, reasonNoFlipsLeft, msg["reason"])

	fx.ledger.Add(address, 2)

	sendJSON(t, conn, inboundMessage{Type: msgFlip})
	result := readMessageOfType(t, conn, msgFlipResult)
	require.Contains(t, []any{"heads", "tails"}, result["result"])
	require.EqualValues(t, 1, result["remainingFlips"])

	state := readMessageOfType(t, conn, msgPlayerState)
	require.EqualValues(t, 1, state["remainingFlips"])

	// Immediate retry hits the cooldown, reported as rate_limited.
	sendJSON(t, conn, inboundMessage{Type: msgFlip})
	msg = readMessageOfType(t, conn, msgFlipRejected)
	require.Equal(t, reasonRateLimited, msg["reason"])
}

// Flips with no session running get no reply at all; the next message is
// still served normally.
func TestFlipWithoutSessionDroppedSilently(t *testing.T) {
	fx := newWSFixture(t, 5)
	conn := fx.dial(t)
	readMessageOfType(t, conn, msgSnapshot)
	address := authenticate(t, conn)
	fx.ledger.Add(address, 1)

	sendJSON(t, conn, inboundMessage{Type: msgFlip})
	sendJSON(t, conn, inboundMessage{Type: msgHello})

	msg := readMessage(t, conn)
	require.Equal(t, msgPlayerState, msg["type"])
}

func TestHelloReturnsPlayerState(t *testing.T) {
	fx := newWSFixture(t, 5)
	conn := fx.dial(t)
	readMessageOfType(t, conn, msgSnapshot)

	address := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	fx.ledger.Add(common.HexToAddress(address).Hex(), 3)

	// hello needs no authentication.
	sendJSON(t, conn, inboundMessage{Type: msgHello, Address: address})
	state := readMessageOfType(t, conn, msgPlayerState)
	require.EqualValues(t, 3, state["remainingFlips"])
	require.EqualValues(t, 0, state["streak"])
}

func TestWinEmitsResultThenSessionEnded(t *testing.T) {
	logger := zerolog.Nop()
	ledger := game.NewCreditLedger(logger)
	hub := NewHub(logger)
	store := game.NewSessionStore(
		context.Background(),
		logger,
		game.StoreConfig{StartHour: 18, WinStreak: 1, FlipCooldown: time.Millisecond},
		ledger,
		nopChain{},
		nopPointers{},
		hub,
		nil,
	)
	handler := NewHandler(
		logger,
		HandlerConfig{MsgsPerSecond: 1000},
		hub,
		NewIPLimiter(logger, 5, time.Minute),
		store,
		auth.NewVerifier(logger, nil, common.Address{}),
	)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	t.Cleanup(hub.CloseAll)
	fx := &wsFixture{server: server, store: store, ledger: ledger, hub: hub}

	require.NoError(t, store.Start(context.Background()))

	conn := fx.dial(t)
	readMessageOfType(t, conn, msgSnapshot)
	address := authenticate(t, conn)
	ledger.Add(address, 200)

	// Flip until heads lands; with win streak 1 that flip ends the session.
	for i := 0; i < 200; i++ {
		sendJSON(t, conn, inboundMessage{Type: msgFlip})
		result := readMessageOfType(t, conn, msgFlipResult)
		readMessageOfType(t, conn, msgPlayerState)
		if result["result"] == "heads" {
			ended := readMessageOfType(t, conn, "session_ended")
			data, ok := ended["data"].(map[string]any)
			require.True(t, ok)
			require.Equal(t, address, data["winner"])
			require.False(t, store.HasActiveSession())
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no heads outcome in 200 flips")
}

type recordingChain struct {
	finalized chan error
}

func (recordingChain) StartSession(context.Context, int64) error { return nil }

func (c recordingChain) FinalizeSession(ctx context.Context, _ int64, _ string, _ common.Hash) error {
	c.finalized <- ctx.Err()
	return ctx.Err()
}

// The winner usually disconnects right after the win. The background
// on-chain finalize runs under the process context and must not be
// cancelled with the winning connection.
func TestFinalizeSurvivesWinnerDisconnect(t *testing.T) {
	logger := zerolog.Nop()
	ledger := game.NewCreditLedger(logger)
	hub := NewHub(logger)
	chain := recordingChain{finalized: make(chan error, 1)}
	store := game.NewSessionStore(
		context.Background(),
		logger,
		game.StoreConfig{StartHour: 18, WinStreak: 1, FlipCooldown: time.Millisecond},
		ledger,
		chain,
		nopPointers{},
		hub,
		nil,
	)
	handler := NewHandler(
		logger,
		HandlerConfig{MsgsPerSecond: 1000},
		hub,
		NewIPLimiter(logger, 5, time.Minute),
		store,
		auth.NewVerifier(logger, nil, common.Address{}),
	)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	t.Cleanup(hub.CloseAll)
	fx := &wsFixture{server: server, store: store, ledger: ledger, hub: hub}

	require.NoError(t, store.Start(context.Background()))

	conn := fx.dial(t)
	readMessageOfType(t, conn, msgSnapshot)
	address := authenticate(t, conn)
	ledger.Add(address, 200)

	won := false
	for i := 0; i < 200 && !won; i++ {
		sendJSON(t, conn, inboundMessage{Type: msgFlip})
		result := readMessageOfType(t, conn, msgFlipResult)
		won = result["result"] == "heads"
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, won, "no heads outcome in 200 flips")
	conn.Close()

	select {
	case ctxErr := <-chain.finalized:
		require.NoError(t, ctxErr)
	case <-time.After(5 * time.Second):
		t.Fatal("on-chain finalize was not submitted")
	}
}

func TestIPCapClosesWithPolicyViolation(t *testing.T) {
	fx := newWSFixture(t, 1)

	first := fx.dial(t)
	readMessageOfType(t, first, msgSnapshot)

	second := fx.dial(t)
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := second.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestMalformedJSONDroppedSilently(t *testing.T) {
	fx := newWSFixture(t, 5)
	conn := fx.dial(t)
	readMessageOfType(t, conn, msgSnapshot)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))

	// The connection stays up and keeps serving.
	sendJSON(t, conn, inboundMessage{Type: msgHello, Address: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"})
	readMessageOfType(t, conn, msgPlayerState)
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	fx := newWSFixture(t, 5)

	a := fx.dial(t)
	b := fx.dial(t)
	readMessageOfType(t, a, msgSnapshot)
	readMessageOfType(t, b, msgSnapshot)

	require.NoError(t, fx.store.Start(context.Background()))

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessageOfType(t, conn, "session_started")
		data, ok := msg["data"].(map[string]any)
		require.True(t, ok)
		require.Equal(t, true, data["active"])
	}
}

// The tick keeps going between sessions so idle clients see the countdown
// to the next start and the last result.
func TestTickerBroadcastsIdleSnapshot(t *testing.T) {
	fx := newWSFixture(t, 5)
	conn := fx.dial(t)
	readMessageOfType(t, conn, msgSnapshot)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go fx.hub.RunTicker(ctx, fx.store)

	tick := readMessageOfType(t, conn, msgSessionTick)
	data, ok := tick["data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, false, data["active"])
}

func TestRateWindow(t *testing.T) {
	w := newRateWindow(3)
	now := time.Now()

	require.True(t, w.allow(now))
	require.True(t, w.allow(now))
	require.True(t, w.allow(now))
	require.False(t, w.allow(now))

	// A fresh window opens one second later.
	require.True(t, w.allow(now.Add(time.Second)))
}

func TestIPLimiterAcquireRelease(t *testing.T) {
	l := NewIPLimiter(zerolog.Nop(), 2, time.Minute)

	require.True(t, l.Acquire("10.0.0.1"))
	require.True(t, l.Acquire("10.0.0.1"))
	require.False(t, l.Acquire("10.0.0.1"))

	// A different IP has its own budget.
	require.True(t, l.Acquire("10.0.0.2"))

	l.Release("10.0.0.1")
	require.True(t, l.Acquire("10.0.0.1"))
}

func TestIPLimiterSweep(t *testing.T) {
	l := NewIPLimiter(zerolog.Nop(), 2, time.Minute)

	require.True(t, l.Acquire("10.0.0.1"))
	l.Release("10.0.0.1")

	// Too fresh to sweep.
	l.sweep()
	_, ok := l.entries.Load("10.0.0.1")
	require.True(t, ok)

	l.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	l.sweep()
	_, ok = l.entries.Load("10.0.0.1")
	require.False(t, ok)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "192.0.2.10:54321"
	require.Equal(t, "192.0.2.10", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.5, 192.0.2.1")
	require.Equal(t, "203.0.113.5", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	require.Equal(t, "203.0.113.9", clientIP(r))
}
