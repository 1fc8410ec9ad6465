package game

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	pond "github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/PsyLabsWeb3/Flip10/logging"
	"github.com/PsyLabsWeb3/Flip10/persistence"
)

// PlayerState is the per-address ephemeral record for the current session.
// It is created lazily on a player's first flip and lost when the session
// clears.
type PlayerState struct {
	Streak     int
	LastFlipAt time.Time
	Flips      int64

	// seq is the creation order of the player within the session. Leaderboard
	// ties are broken by it so rankings are stable across rebuilds.
	seq int
}

// Session is the single authoritative in-memory game session.
type Session struct {
	ID        int64
	StartedAt time.Time
	Finalized bool
	// seed keys the outcome engine. It is never exposed publicly.
	seed       string
	TotalFlips int64
	players    map[string]*PlayerState
}

// LastFinalizedSession is the single-slot cache answering snapshot queries
// once the live session is cleared. It is produced exactly once per finalized
// session and overwritten by the next.
type LastFinalizedSession struct {
	SessionID        int64              `json:"sessionId"`
	Winner           string             `json:"winner"`
	FinalLeaderboard []LeaderboardEntry `json:"finalLeaderboard"`
	TotalFlips       int64              `json:"totalFlips"`
	EndedAt          int64              `json:"endedAt"`
}

// FlipResult is the outcome of one accepted flip, used to build the ack.
type FlipResult struct {
	Heads          bool
	Streak         int
	Probability    float64
	RemainingFlips int64
	// Win is set when this flip reached the winning streak. The caller sends
	// the ack first and then finalizes, so the winning connection observes
	// both the ack and the session_ended broadcast for the same action.
	Win bool
}

// PlayerSnapshot is the player_state payload.
type PlayerSnapshot struct {
	Streak         int   `json:"streak"`
	RemainingFlips int64 `json:"remainingFlips"`
	CooldownMs     int64 `json:"cooldownMs"`
}

// ChainSession is the outbound chain surface the session runtime drives.
// Both calls are idempotent: an "already done" revert is absorbed as success.
type ChainSession interface {
	StartSession(ctx context.Context, sessionID int64) error
	FinalizeSession(ctx context.Context, sessionID int64, winner string, proofHash common.Hash) error
}

// Broadcaster fans a typed event out to every live connection.
type Broadcaster interface {
	BroadcastEvent(msgType string, data any)
}

// PointerStore persists the crash-recovery session pointer.
type PointerStore interface {
	Save(ptr persistence.SessionPointer) error
	Clear() error
}

// StoreConfig tunes the session runtime.
type StoreConfig struct {
	// StartHour is the daily session start hour (UTC).
	StartHour int

	// WinStreak ends the session when reached. Default: 10
	WinStreak int

	// FlipCooldown is the per-player gate between flips. Default: 1s
	FlipCooldown time.Duration

	// Probability holds the outcome-engine constants.
	Probability ProbabilityParams
}

// SessionStore owns the Session and LastFinalizedSession singletons and is
// the only component allowed to mutate them. State machine:
//
//	NoSession -> Active -> Finalized -> NoSession (cyclic)
type SessionStore struct {
	logger      logging.Logger
	cfg         StoreConfig
	ledger      *CreditLedger
	chain       ChainSession
	pointers    PointerStore
	broadcaster Broadcaster

	// chainPool runs fire-and-forget chain submissions so the realtime
	// ack/broadcast path never blocks on transaction confirmation.
	chainPool pond.Pool

	// chainCtx scopes background chain submissions to the process lifetime.
	// Submissions triggered by a connection must not die with it.
	chainCtx context.Context

	// now is the clock, injectable in tests.
	now func() time.Time

	mu            sync.Mutex
	session       *Session
	lastFinalized *LastFinalizedSession
}

// NewSessionStore builds a session store in the NoSession state. ctx bounds
// background chain submissions and should be the process root context.
func NewSessionStore(
	ctx context.Context,
	logger logging.Logger,
	cfg StoreConfig,
	ledger *CreditLedger,
	chain ChainSession,
	pointers PointerStore,
	broadcaster Broadcaster,
	chainPool pond.Pool,
) *SessionStore {
	if cfg.WinStreak <= 0 {
		cfg.WinStreak = 10
	}
	if cfg.FlipCooldown <= 0 {
		cfg.FlipCooldown = time.Second
	}
	if cfg.Probability == (ProbabilityParams{}) {
		cfg.Probability = DefaultProbabilityParams()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	return &SessionStore{
		logger:      logging.ForComponent(logger, logging.ComponentSessionRuntime),
		cfg:         cfg,
		ledger:      ledger,
		chain:       chain,
		pointers:    pointers,
		broadcaster: broadcaster,
		chainPool:   chainPool,
		chainCtx:    ctx,
		now:         time.Now,
	}
}

// newSeed generates the per-session outcome-engine secret.
func newSeed() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand failure is not recoverable
	}
	return hex.EncodeToString(b[:])
}

// HasActiveSession reports whether an unfinalized session is running.
func (s *SessionStore) HasActiveSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil && !s.session.Finalized
}

// ActiveSessionID returns the current session id, if one is active.
func (s *SessionStore) ActiveSessionID() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.session.Finalized {
		return 0, false
	}
	return s.session.ID, true
}

// Start transitions NoSession -> Active: generates a new id/seed, resets the
// credit ledger, persists the pointer, issues the idempotent on-chain start
// call, and broadcasts session_started.
func (s *SessionStore) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.session != nil && !s.session.Finalized {
		s.mu.Unlock()
		return ErrSessionActive
	}

	now := s.now()
	s.session = &Session{
		ID:        now.UnixMilli(),
		StartedAt: now,
		seed:      newSeed(),
		players:   make(map[string]*PlayerState),
	}
	id := s.session.ID
	ptr := persistence.SessionPointer{
		SessionID: id,
		StartedAt: now.UnixMilli(),
		Seed:      s.session.seed,
	}
	s.mu.Unlock()

	logger := logging.ForSession(s.logger, id)

	s.ledger.Reset()

	if err := s.pointers.Save(ptr); err != nil {
		logger.Error().Err(err).Msg("failed to persist session pointer")
		return err
	}

	if err := s.chain.StartSession(ctx, id); err != nil {
		// The session stays live in memory; the idempotent start can be
		// re-driven via the start-session operator command.
		logger.Error().Err(err).Msg("on-chain session start failed")
		return err
	}

	sessionsStarted.Inc()
	logger.Info().Msg("session started")

	if s.broadcaster != nil {
		s.broadcaster.BroadcastEvent("session_started", s.Snapshot())
	}

	return nil
}

// RestoreFromDisk rehydrates the session from a persisted pointer. Player
// state is lost across restart; the credit ledger is emptied and must be
// rebuilt from on-chain purchase history by the caller. Pointers written by
// older builds carry no seed, in which case a fresh one is generated and
// pre-restart outcomes can no longer be audited.
func (s *SessionStore) RestoreFromDisk(ptr persistence.SessionPointer) {
	s.ledger.Reset()

	seed := ptr.Seed
	if seed == "" {
		seed = newSeed()
		s.logger.Warn().
			Int64(logging.FieldSessionID, ptr.SessionID).
			Msg("persisted pointer has no seed; pre-restart outcomes are unauditable")
	}

	s.mu.Lock()
	s.session = &Session{
		ID:        ptr.SessionID,
		StartedAt: time.UnixMilli(ptr.StartedAt),
		Finalized: ptr.Finalized,
		seed:      seed,
		players:   make(map[string]*PlayerState),
	}
	s.mu.Unlock()

	s.logger.Info().
		Int64(logging.FieldSessionID, ptr.SessionID).
		Time("started_at", time.UnixMilli(ptr.StartedAt)).
		Msg("session restored from disk")
}

// ApplyFlip runs one flip for the address. Preconditions: an active session,
// a positive credit balance, and an elapsed cooldown. On success it consumes
// one credit, advances totalFlips by exactly one, and updates the player's
// streak/flips/lastFlipAt.
func (s *SessionStore) ApplyFlip(address string) (FlipResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil || s.session.Finalized {
		return FlipResult{}, ErrNoActiveSession
	}

	if s.ledger.Get(address) <= 0 {
		return FlipResult{}, ErrNoCreditsLeft
	}

	now := s.now()

	player, ok := s.session.players[address]
	if !ok {
		player = &PlayerState{seq: len(s.session.players)}
		s.session.players[address] = player
	}

	if now.Sub(player.LastFlipAt) < s.cfg.FlipCooldown {
		return FlipResult{}, ErrCooldownActive
	}

	s.session.TotalFlips++
	if err := s.ledger.Use(address); err != nil {
		s.session.TotalFlips--
		return FlipResult{}, err
	}

	p := s.cfg.Probability.HeadsProbability(now, s.session.StartedAt, s.session.TotalFlips)
	heads := PerformFlip(s.session.seed, address, player.Flips, p)

	player.LastFlipAt = now
	player.Flips++
	if heads {
		player.Streak++
	} else {
		player.Streak = 0
	}

	result := "tails"
	if heads {
		result = "heads"
	}
	flipsPerformed.WithLabelValues(result).Inc()
	creditsSpent.Inc()

	s.logger.Debug().
		Str(logging.FieldAddress, address).
		Str(logging.FieldResult, result).
		Int(logging.FieldStreak, player.Streak).
		Float64("probability", p).
		Msg("flip applied")

	return FlipResult{
		Heads:          heads,
		Streak:         player.Streak,
		Probability:    p,
		RemainingFlips: s.ledger.Get(address),
		Win:            heads && player.Streak >= s.cfg.WinStreak,
	}, nil
}

// HasPlayerState reports whether the address has flipped in the current
// session.
func (s *SessionStore) HasPlayerState(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return false
	}
	_, ok := s.session.players[address]
	return ok
}

// PlayerSnapshotFor builds the player_state payload for an address, falling
// back to zero streak/cooldown for players unseen this session.
func (s *SessionStore) PlayerSnapshotFor(address string) PlayerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := PlayerSnapshot{RemainingFlips: s.ledger.Get(address)}

	if s.session == nil {
		return snap
	}

	player, ok := s.session.players[address]
	if !ok {
		return snap
	}

	snap.Streak = player.Streak

	remaining := s.cfg.FlipCooldown - s.now().Sub(player.LastFlipAt)
	if remaining > 0 {
		snap.CooldownMs = remaining.Milliseconds()
	}

	return snap
}

// Finalize transitions Active -> Finalized -> NoSession. It records the
// winner and final leaderboard exactly once, persists the finalized pointer,
// broadcasts session_ended, clears the live session, and submits the
// idempotent on-chain finalize in the background (logged on failure; the
// pointer file is removed only after the chain call lands).
//
// Calling Finalize with no live session is an idempotent no-op: the stored
// LastFinalizedSession is not replaced.
//
// The background submission runs under the store's process context, never a
// caller's: the winning connection usually disconnects right after the win
// and its request context must not cancel the transaction.
func (s *SessionStore) Finalize(winner string) error {
	s.mu.Lock()

	if s.session == nil {
		s.mu.Unlock()
		if s.hasLastFinalized() {
			return nil
		}
		return ErrNoActiveSession
	}
	if s.session.Finalized {
		s.mu.Unlock()
		return nil
	}

	now := s.now()
	s.session.Finalized = true

	final := &LastFinalizedSession{
		SessionID:        s.session.ID,
		Winner:           winner,
		FinalLeaderboard: buildFinalLeaderboard(s.session.players),
		TotalFlips:       s.session.TotalFlips,
		EndedAt:          now.UnixMilli(),
	}
	s.lastFinalized = final

	proofHash := computeProofHash(s.session.seed, final)
	ptr := persistence.SessionPointer{
		SessionID: s.session.ID,
		StartedAt: s.session.StartedAt.UnixMilli(),
		Finalized: true,
		Seed:      s.session.seed,
	}

	// Clear the live session; snapshot queries now answer from the
	// LastFinalizedSession slot.
	s.session = nil
	s.mu.Unlock()

	logger := logging.ForSession(s.logger, final.SessionID)

	sessionsFinalized.Inc()
	logger.Info().
		Str(logging.FieldWinner, winner).
		Int64(logging.FieldFlips, final.TotalFlips).
		Msg("session finalized")

	if err := s.pointers.Save(ptr); err != nil {
		logger.Error().Err(err).Msg("failed to persist finalized pointer")
	}

	if s.broadcaster != nil {
		s.broadcaster.BroadcastEvent("session_ended", sessionEnded{
			LastFinalizedSession: *final,
			NextSessionStartsAt:  NextSessionStart(now, s.cfg.StartHour).UnixMilli(),
		})
	}

	// Fire-and-forget: the realtime path must not block on chain
	// confirmation. The on-chain call is idempotent, so a failed submission
	// can be re-driven by the finalize-session operator command.
	finalize := func() {
		if err := s.chain.FinalizeSession(s.chainCtx, final.SessionID, winner, proofHash); err != nil {
			logger.Error().Err(err).Msg("on-chain finalize failed; re-run the finalize-session command")
			return
		}
		if err := s.pointers.Clear(); err != nil {
			logger.Warn().Err(err).Msg("failed to remove session pointer after finalize")
		}
	}
	if s.chainPool != nil {
		s.chainPool.Submit(finalize)
	} else {
		go finalize()
	}

	return nil
}

func (s *SessionStore) hasLastFinalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFinalized != nil
}

// LastFinalized returns the last finalized session data, or nil.
func (s *SessionStore) LastFinalized() *LastFinalizedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFinalized
}

// sessionEnded is the session_ended broadcast payload.
type sessionEnded struct {
	LastFinalizedSession
	NextSessionStartsAt int64 `json:"nextSessionStartsAt"`
}

// ActiveSnapshot is the public snapshot while a session runs. It never
// exposes the seed or per-player cooldown internals.
type ActiveSnapshot struct {
	Active           bool               `json:"active"`
	ID               int64              `json:"id"`
	StartedAt        int64              `json:"startedAt"`
	TotalFlips       int64              `json:"totalFlips"`
	HeadsProbability float64            `json:"headsProbability"`
	Leaderboard      []LeaderboardEntry `json:"leaderboard"`
	Finalized        bool               `json:"finalized"`
	Players          int                `json:"players"`
}

// IdleSnapshot is the public snapshot between sessions.
type IdleSnapshot struct {
	Active              bool                  `json:"active"`
	NextSessionStartsAt int64                 `json:"nextSessionStartsAt"`
	LastSession         *LastFinalizedSession `json:"lastSession,omitempty"`
}

// Snapshot returns the derived public view of the session state.
func (s *SessionStore) Snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if s.session == nil || s.session.Finalized {
		return IdleSnapshot{
			NextSessionStartsAt: NextSessionStart(now, s.cfg.StartHour).UnixMilli(),
			LastSession:         s.lastFinalized,
		}
	}

	p := s.cfg.Probability.HeadsProbability(now, s.session.StartedAt, s.session.TotalFlips)
	headsProbabilityGauge.Set(p)
	activePlayersGauge.Set(float64(len(s.session.players)))

	return ActiveSnapshot{
		Active:           true,
		ID:               s.session.ID,
		StartedAt:        s.session.StartedAt.UnixMilli(),
		TotalFlips:       s.session.TotalFlips,
		HeadsProbability: p,
		Leaderboard:      buildLeaderboard(s.session.players, leaderboardLimit),
		Players:          len(s.session.players),
	}
}

// computeProofHash binds the finalized outcome to the session seed so third
// parties can audit every flip after the session ends. The payload layout is
// fixed; changing field order changes the hash.
func computeProofHash(seed string, final *LastFinalizedSession) common.Hash {
	payload := struct {
		Seed        string             `json:"seed"`
		SessionID   int64              `json:"sessionId"`
		Winner      string             `json:"winner"`
		TotalFlips  int64              `json:"totalFlips"`
		Leaderboard []LeaderboardEntry `json:"leaderboard"`
	}{
		Seed:        seed,
		SessionID:   final.SessionID,
		Winner:      final.Winner,
		TotalFlips:  final.TotalFlips,
		Leaderboard: final.FinalLeaderboard,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		panic(err) // static struct, cannot fail
	}

	return crypto.Keccak256Hash(data)
}
