package game

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/PsyLabsWeb3/Flip10/logging"
)

// CreditLedger maps player address -> purchased flip credits. Its lifecycle
// is independent of session identity: it is emptied whenever a session starts
// or is restored, credited by confirmed on-chain purchase events, and debited
// by exactly one per accepted flip.
//
// Purchase application is idempotent: each event carries a key (transaction
// hash + log index) and a key already applied is dropped, so the startup
// backfill and the live subscription can safely share one apply path.
type CreditLedger struct {
	logger logging.Logger

	mu      sync.Mutex
	credits map[string]int64

	// applied holds the idempotency keys of purchase events already credited.
	applied *xsync.Map[string, struct{}]
}

// NewCreditLedger creates an empty ledger.
func NewCreditLedger(logger logging.Logger) *CreditLedger {
	return &CreditLedger{
		logger:  logging.ForComponent(logger, logging.ComponentCreditLedger),
		credits: make(map[string]int64),
		applied: xsync.NewMap[string, struct{}](),
	}
}

// Reset drops all balances and applied-event keys. Called on session start
// and restore. The swap happens under the ledger lock so an Apply racing a
// reset either lands fully in the old state or fully in the new one.
func (l *CreditLedger) Reset() {
	l.mu.Lock()
	l.credits = make(map[string]int64)
	l.applied = xsync.NewMap[string, struct{}]()
	l.mu.Unlock()
}

// Add credits n flips to the address. n must be >= 1.
func (l *CreditLedger) Add(address string, n int64) {
	if n < 1 {
		return
	}

	l.mu.Lock()
	l.credits[address] += n
	l.mu.Unlock()
}

// Apply credits a purchase event exactly once. It returns false if the
// idempotency key was seen before and the event was dropped.
func (l *CreditLedger) Apply(key, address string, n int64) bool {
	l.mu.Lock()
	if _, loaded := l.applied.LoadOrStore(key, struct{}{}); loaded {
		l.mu.Unlock()
		l.logger.Debug().
			Str("event_key", key).
			Str(logging.FieldBuyer, address).
			Msg("duplicate purchase event dropped")
		return false
	}
	if n >= 1 {
		l.credits[address] += n
		creditsGranted.Add(float64(n))
	}
	l.mu.Unlock()

	return true
}

// Get returns the address's balance, defaulting to 0.
func (l *CreditLedger) Get(address string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credits[address]
}

// Use consumes one credit. It fails with ErrNoCreditsLeft when the balance
// is already zero; the balance never goes negative.
func (l *CreditLedger) Use(address string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.credits[address] <= 0 {
		return ErrNoCreditsLeft
	}

	l.credits[address]--
	return nil
}
