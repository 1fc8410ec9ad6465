package game

import "errors"

// Game-rule rejections. These map 1:1 onto flip_rejected reasons and never
// mutate state.
var (
	// ErrNoCreditsLeft indicates the player's credit balance is zero.
	ErrNoCreditsLeft = errors.New("no flip credits left")

	// ErrCooldownActive indicates the player's 1-second flip cooldown has not
	// yet elapsed.
	ErrCooldownActive = errors.New("flip cooldown active")

	// ErrNoActiveSession indicates no unfinalized session is running.
	ErrNoActiveSession = errors.New("no active session")

	// ErrSessionActive indicates a start was attempted while a session runs.
	ErrSessionActive = errors.New("session already active")
)
