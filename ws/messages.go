// Package ws carries the realtime player protocol: JSON messages over
// gorilla websockets, per-IP connection caps, per-connection rate limits,
// and the broadcast hub.
package ws

import "github.com/PsyLabsWeb3/Flip10/game"

// Inbound message types.
const (
	msgAuthRequest = "auth_request"
	msgAuthVerify  = "auth_verify"
	msgHello       = "hello"
	msgFlip        = "flip"
)

// Outbound message types.
const (
	msgAuthChallenge = "auth_challenge"
	msgAuthOK        = "auth_ok"
	msgAuthFailed    = "auth_failed"
	msgSnapshot      = "session_snapshot"
	msgPlayerState   = "player_state"
	msgFlipResult    = "flip_result"
	msgFlipRejected  = "flip_rejected"
	msgError         = "error"

	// Broadcast event type pushed by the ticker; session_started and
	// session_ended come from the session runtime.
	msgSessionTick = "session_tick"
)

// Rejection and error reasons sent to clients.
const (
	reasonInvalidAddress   = "invalid_address"
	reasonNoPendingNonce   = "no_pending_nonce"
	reasonInvalidSignature = "invalid_signature"
	reasonUnauthenticated  = "unauthenticated"
	reasonNoFlipsLeft      = "no_flips_left"

	// reasonRateLimited covers both the message-rate cap and the per-player
	// flip cooldown.
	reasonRateLimited = "rate_limited"
)

// inboundMessage is the single shape clients send; fields beyond Type are
// optional per message type.
type inboundMessage struct {
	Type      string `json:"type"`
	Address   string `json:"address,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// envelope wraps broadcast payloads.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type authChallengeMessage struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

type authOKMessage struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

type reasonMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type snapshotMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type playerStateMessage struct {
	Type string `json:"type"`
	game.PlayerSnapshot
}

type flipResultMessage struct {
	Type           string  `json:"type"`
	Result         string  `json:"result"`
	Streak         int     `json:"streak"`
	Probability    float64 `json:"probability"`
	RemainingFlips int64   `json:"remainingFlips"`
}
