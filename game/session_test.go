package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/PsyLabsWeb3/Flip10/persistence"
)

type stubChain struct {
	mu        sync.Mutex
	started   []int64
	finalized chan finalizeCall
	startErr  error
}

type finalizeCall struct {
	sessionID int64
	winner    string
	proofHash common.Hash
	ctxErr    error
}

func newStubChain() *stubChain {
	return &stubChain{finalized: make(chan finalizeCall, 4)}
}

func (c *stubChain) StartSession(_ context.Context, sessionID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.started = append(c.started, sessionID)
	return nil
}

func (c *stubChain) FinalizeSession(ctx context.Context, sessionID int64, winner string, proofHash common.Hash) error {
	c.finalized <- finalizeCall{sessionID: sessionID, winner: winner, proofHash: proofHash, ctxErr: ctx.Err()}
	return ctx.Err()
}

type stubBroadcaster struct {
	mu     sync.Mutex
	events []broadcastEvent
}

type broadcastEvent struct {
	msgType string
	data    any
}

func (b *stubBroadcaster) BroadcastEvent(msgType string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, broadcastEvent{msgType: msgType, data: data})
}

func (b *stubBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.msgType
	}
	return out
}

type stubPointers struct {
	mu      sync.Mutex
	current *persistence.SessionPointer
	cleared chan struct{}
}

func newStubPointers() *stubPointers {
	return &stubPointers{cleared: make(chan struct{}, 4)}
}

func (p *stubPointers) Save(ptr persistence.SessionPointer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = &ptr
	return nil
}

func (p *stubPointers) Clear() error {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	p.cleared <- struct{}{}
	return nil
}

func (p *stubPointers) get() *persistence.SessionPointer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

type sessionFixture struct {
	store       *SessionStore
	ledger      *CreditLedger
	chain       *stubChain
	pointers    *stubPointers
	broadcaster *stubBroadcaster
	clock       *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()

	ledger := NewCreditLedger(zerolog.Nop())
	chain := newStubChain()
	pointers := newStubPointers()
	broadcaster := &stubBroadcaster{}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)}

	store := NewSessionStore(
		context.Background(),
		zerolog.Nop(),
		StoreConfig{StartHour: 18, WinStreak: 10, FlipCooldown: time.Second},
		ledger,
		chain,
		pointers,
		broadcaster,
		nil,
	)
	store.now = clock.Now

	return &sessionFixture{
		store:       store,
		ledger:      ledger,
		chain:       chain,
		pointers:    pointers,
		broadcaster: broadcaster,
		clock:       clock,
	}
}

func TestStartCreatesSessionAndPersistsPointer(t *testing.T) {
	fx := newSessionFixture(t)

	require.NoError(t, fx.store.Start(context.Background()))
	require.True(t, fx.store.HasActiveSession())

	id, ok := fx.store.ActiveSessionID()
	require.True(t, ok)
	require.Equal(t, fx.clock.Now().UnixMilli(), id)

	ptr := fx.pointers.get()
	require.NotNil(t, ptr)
	require.Equal(t, id, ptr.SessionID)
	require.False(t, ptr.Finalized)
	require.NotEmpty(t, ptr.Seed)

	require.Equal(t, []int64{id}, fx.chain.started)
	require.Equal(t, []string{"session_started"}, fx.broadcaster.types())
}

func TestStartRejectsWhenSessionActive(t *testing.T) {
	fx := newSessionFixture(t)

	require.NoError(t, fx.store.Start(context.Background()))
	require.ErrorIs(t, fx.store.Start(context.Background()), ErrSessionActive)
}

func TestStartResetsLedger(t *testing.T) {
	fx := newSessionFixture(t)

	fx.ledger.Add(testAddr, 5)
	require.NoError(t, fx.store.Start(context.Background()))
	require.EqualValues(t, 0, fx.ledger.Get(testAddr))
}

func TestApplyFlipRequiresActiveSession(t *testing.T) {
	fx := newSessionFixture(t)

	_, err := fx.store.ApplyFlip(testAddr)
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestApplyFlipRequiresCredits(t *testing.T) {
	fx := newSessionFixture(t)
	require.NoError(t, fx.store.Start(context.Background()))

	_, err := fx.store.ApplyFlip(testAddr)
	require.ErrorIs(t, err, ErrNoCreditsLeft)
}

func TestApplyFlipEnforcesCooldown(t *testing.T) {
	fx := newSessionFixture(t)
	require.NoError(t, fx.store.Start(context.Background()))
	fx.ledger.Add(testAddr, 10)

	fx.clock.Advance(2 * time.Second)
	_, err := fx.store.ApplyFlip(testAddr)
	require.NoError(t, err)

	_, err = fx.store.ApplyFlip(testAddr)
	require.ErrorIs(t, err, ErrCooldownActive)

	fx.clock.Advance(time.Second)
	_, err = fx.store.ApplyFlip(testAddr)
	require.NoError(t, err)
}

func TestApplyFlipConsumesCreditAndCountsFlips(t *testing.T) {
	fx := newSessionFixture(t)
	require.NoError(t, fx.store.Start(context.Background()))
	fx.ledger.Add(testAddr, 3)

	for i := 0; i < 3; i++ {
		fx.clock.Advance(2 * time.Second)
		res, err := fx.store.ApplyFlip(testAddr)
		require.NoError(t, err)
		require.EqualValues(t, 3-i-1, res.RemainingFlips)
	}

	snap, ok := fx.store.Snapshot().(ActiveSnapshot)
	require.True(t, ok)
	require.EqualValues(t, 3, snap.TotalFlips)
	require.Equal(t, 1, snap.Players)
}

func TestApplyFlipTailsResetsStreak(t *testing.T) {
	fx := newSessionFixture(t)
	require.NoError(t, fx.store.Start(context.Background()))
	fx.ledger.Add(testAddr, 200)

	sawReset := false
	prev := 0
	for i := 0; i < 200; i++ {
		fx.clock.Advance(2 * time.Second)
		res, err := fx.store.ApplyFlip(testAddr)
		require.NoError(t, err)
		if res.Heads {
			require.Equal(t, prev+1, res.Streak)
		} else {
			require.Zero(t, res.Streak)
			if prev > 0 {
				sawReset = true
			}
		}
		prev = res.Streak
	}
	require.True(t, sawReset)
}

func TestFinalizeRecordsWinnerAndBroadcasts(t *testing.T) {
	fx := newSessionFixture(t)
	require.NoError(t, fx.store.Start(context.Background()))
	id, _ := fx.store.ActiveSessionID()

	fx.ledger.Add(testAddr, 1)
	fx.clock.Advance(2 * time.Second)
	_, err := fx.store.ApplyFlip(testAddr)
	require.NoError(t, err)

	require.NoError(t, fx.store.Finalize(testAddr))
	require.False(t, fx.store.HasActiveSession())

	last := fx.store.LastFinalized()
	require.NotNil(t, last)
	require.Equal(t, id, last.SessionID)
	require.Equal(t, testAddr, last.Winner)
	require.EqualValues(t, 1, last.TotalFlips)
	require.Len(t, last.FinalLeaderboard, 1)

	require.Equal(t, []string{"session_started", "session_ended"}, fx.broadcaster.types())

	select {
	case call := <-fx.chain.finalized:
		require.Equal(t, id, call.sessionID)
		require.Equal(t, testAddr, call.winner)
		require.NotEqual(t, common.Hash{}, call.proofHash)
		require.NoError(t, call.ctxErr)
	case <-time.After(time.Second):
		t.Fatal("on-chain finalize was not submitted")
	}

	select {
	case <-fx.pointers.cleared:
	case <-time.After(time.Second):
		t.Fatal("pointer was not cleared after finalize")
	}
	require.Nil(t, fx.pointers.get())
}

func TestFinalizeIsIdempotent(t *testing.T) {
	fx := newSessionFixture(t)
	require.NoError(t, fx.store.Start(context.Background()))
	require.NoError(t, fx.store.Finalize(testAddr))

	first := fx.store.LastFinalized()
	require.NoError(t, fx.store.Finalize("0xBBbBBBbbBBBbbbBBbBBbbBbBbbBBbBbBbBBBbBbB"))
	require.Same(t, first, fx.store.LastFinalized())
}

func TestFinalizeWithoutSessionOrHistory(t *testing.T) {
	fx := newSessionFixture(t)
	require.ErrorIs(t, fx.store.Finalize(testAddr), ErrNoActiveSession)
}

func TestRestoreFromDiskKeepsIdentityAndSeed(t *testing.T) {
	fx := newSessionFixture(t)

	fx.ledger.Add(testAddr, 5)
	started := fx.clock.Now().Add(-time.Hour)
	fx.store.RestoreFromDisk(persistence.SessionPointer{
		SessionID: started.UnixMilli(),
		StartedAt: started.UnixMilli(),
		Seed:      "6f1d2a9c4b8e03571122334455667788",
	})

	require.True(t, fx.store.HasActiveSession())
	id, ok := fx.store.ActiveSessionID()
	require.True(t, ok)
	require.Equal(t, started.UnixMilli(), id)

	// The ledger is emptied on restore; balances come back via backfill.
	require.EqualValues(t, 0, fx.ledger.Get(testAddr))

	// Elapsed time carries over, so the probability reflects the original
	// start, not the restart.
	snap, isActive := fx.store.Snapshot().(ActiveSnapshot)
	require.True(t, isActive)
	require.Greater(t, snap.HeadsProbability, 0.30)
}

func TestSnapshotIdleAfterFinalize(t *testing.T) {
	fx := newSessionFixture(t)
	require.NoError(t, fx.store.Start(context.Background()))
	require.NoError(t, fx.store.Finalize(testAddr))

	snap, ok := fx.store.Snapshot().(IdleSnapshot)
	require.True(t, ok)
	require.False(t, snap.Active)
	require.NotNil(t, snap.LastSession)
	require.Positive(t, snap.NextSessionStartsAt)
}

func TestPlayerSnapshotForUnseenPlayer(t *testing.T) {
	fx := newSessionFixture(t)
	require.NoError(t, fx.store.Start(context.Background()))
	fx.ledger.Add(testAddr, 4)

	snap := fx.store.PlayerSnapshotFor(testAddr)
	require.Zero(t, snap.Streak)
	require.EqualValues(t, 4, snap.RemainingFlips)
	require.Zero(t, snap.CooldownMs)
}

func TestPlayerSnapshotCooldown(t *testing.T) {
	fx := newSessionFixture(t)
	require.NoError(t, fx.store.Start(context.Background()))
	fx.ledger.Add(testAddr, 4)

	fx.clock.Advance(2 * time.Second)
	_, err := fx.store.ApplyFlip(testAddr)
	require.NoError(t, err)

	snap := fx.store.PlayerSnapshotFor(testAddr)
	require.EqualValues(t, 1000, snap.CooldownMs)

	fx.clock.Advance(400 * time.Millisecond)
	snap = fx.store.PlayerSnapshotFor(testAddr)
	require.EqualValues(t, 600, snap.CooldownMs)
}

func TestProofHashStable(t *testing.T) {
	final := &LastFinalizedSession{
		SessionID:  1748800800000,
		Winner:     testAddr,
		TotalFlips: 42,
		FinalLeaderboard: []LeaderboardEntry{
			{Address: testAddr, Streak: 10},
		},
	}

	h1 := computeProofHash("6f1d2a9c4b8e03571122334455667788", final)
	h2 := computeProofHash("6f1d2a9c4b8e03571122334455667788", final)
	require.Equal(t, h1, h2)

	h3 := computeProofHash("00000000000000000000000000000000", final)
	require.NotEqual(t, h1, h3)
}

func TestLeaderboardOrdering(t *testing.T) {
	players := map[string]*PlayerState{
		"0x01": {Streak: 3, seq: 0},
		"0x02": {Streak: 7, seq: 1},
		"0x03": {Streak: 0, seq: 2},
		"0x04": {Streak: 7, seq: 3},
	}

	live := buildLeaderboard(players, 10)
	require.Equal(t, []LeaderboardEntry{
		{Address: "0x02", Streak: 7},
		{Address: "0x04", Streak: 7},
		{Address: "0x01", Streak: 3},
	}, live)

	final := buildFinalLeaderboard(players)
	require.Len(t, final, 4)
	require.Equal(t, LeaderboardEntry{Address: "0x03", Streak: 0}, final[3])
}
