// Package game implements the authoritative Flip10 session state: the
// outcome engine, the purchased-credit ledger, the session runtime state
// machine, and the daily start scheduler.
package game

import (
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// rollModulus is the range the flip hash is reduced into. A probability p
// maps to the threshold floor(p * rollModulus); a roll strictly below the
// threshold is heads.
const rollModulus = 10_000

// maxProbabilityPct caps the heads probability at 60%.
const maxProbabilityPct = 60

// ProbabilityParams are the outcome-engine constants, in percent units:
// Base is the starting probability, TimeRate accrues per elapsed minute and
// FlipRate per global flip.
type ProbabilityParams struct {
	Base     float64
	TimeRate float64
	FlipRate float64
}

// DefaultProbabilityParams returns the production constants.
func DefaultProbabilityParams() ProbabilityParams {
	return ProbabilityParams{Base: 30, TimeRate: 0.05, FlipRate: 0.002}
}

// HeadsProbability returns the current heads probability in [Base/100, 0.60].
// It is a pure function of elapsed session time and the global flip count,
// monotonically non-decreasing in both.
func (p ProbabilityParams) HeadsProbability(now, startedAt time.Time, totalFlips int64) float64 {
	minutes := now.Sub(startedAt).Minutes()

	pct := p.Base + minutes*p.TimeRate + float64(totalFlips)*p.FlipRate

	return math.Min(pct, maxProbabilityPct) / 100
}

// PerformFlip computes a flip outcome deterministically from the session
// seed, the player address, and the player's personal flip nonce (the count
// of flips already taken this session). A third party holding the seed can
// reconstruct every roll after the session ends.
func PerformFlip(seed, player string, nonce int64, probability float64) bool {
	hash := crypto.Keccak256([]byte(fmt.Sprintf("%s:%s:%d", seed, player, nonce)))

	roll := new(big.Int).Mod(new(big.Int).SetBytes(hash), big.NewInt(rollModulus)).Int64()
	threshold := int64(math.Floor(probability * rollModulus))

	// Strictly below: a threshold of 3000 wins rolls 0..2999.
	return roll < threshold
}
