// Package auth issues login nonces and verifies wallet signatures over them.
// Externally-owned accounts are verified by ecrecover; smart-contract wallets
// fall back to ERC-1271 and then ERC-6492 on-chain validation.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewNonce builds a single-use login challenge. The wallet signs the nonce
// text verbatim via personal_sign. The challenge lives on the connection
// that requested it, so concurrent logins for one address cannot clobber
// each other.
func NewNonce(now time.Time) string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand failure is not recoverable
	}
	noncesIssued.Inc()
	return fmt.Sprintf("flip10:%d:%s", now.UnixMilli(), hex.EncodeToString(b[:]))
}
