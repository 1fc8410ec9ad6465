package ws

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/PsyLabsWeb3/Flip10/logging"
)

const (
	defaultMaxConnsPerIP = 5
	defaultIPEntryTTL    = 60 * time.Second
	ipSweepInterval      = 30 * time.Second

	defaultMsgsPerSecond = 20
)

// ipEntry tracks live connections and last activity for one client IP.
type ipEntry struct {
	mu       sync.Mutex
	conns    int
	lastSeen time.Time
}

// IPLimiter caps concurrent connections per client IP. Idle entries are
// swept once they age past the TTL with no live connections, so the map
// never grows with one-shot clients.
type IPLimiter struct {
	logger  logging.Logger
	entries *xsync.Map[string, *ipEntry]
	max     int
	ttl     time.Duration
	now     func() time.Time
}

// NewIPLimiter builds a limiter allowing max concurrent connections per IP.
// Non-positive arguments fall back to the defaults.
func NewIPLimiter(logger logging.Logger, max int, ttl time.Duration) *IPLimiter {
	if max <= 0 {
		max = defaultMaxConnsPerIP
	}
	if ttl <= 0 {
		ttl = defaultIPEntryTTL
	}
	return &IPLimiter{
		logger:  logging.ForComponent(logger, logging.ComponentIPLimiter),
		entries: xsync.NewMap[string, *ipEntry](),
		max:     max,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Acquire reserves a connection slot for the IP, reporting whether the cap
// allowed it.
func (l *IPLimiter) Acquire(ip string) bool {
	entry, _ := l.entries.LoadOrStore(ip, &ipEntry{})

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.lastSeen = l.now()
	if entry.conns >= l.max {
		connectionsRejected.Inc()
		l.logger.Debug().Str(logging.FieldClientIP, ip).Int(logging.FieldCount, entry.conns).Msg("connection cap reached")
		return false
	}
	entry.conns++
	return true
}

// Release returns a previously acquired slot.
func (l *IPLimiter) Release(ip string) {
	entry, ok := l.entries.Load(ip)
	if !ok {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.lastSeen = l.now()
	if entry.conns > 0 {
		entry.conns--
	}
}

// Run sweeps idle entries until ctx is done.
func (l *IPLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(ipSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *IPLimiter) sweep() {
	cutoff := l.now().Add(-l.ttl)
	removed := 0

	l.entries.Range(func(ip string, entry *ipEntry) bool {
		entry.mu.Lock()
		idle := entry.conns == 0 && entry.lastSeen.Before(cutoff)
		entry.mu.Unlock()

		if idle {
			l.entries.Delete(ip)
			removed++
		}
		return true
	})

	if removed > 0 {
		l.logger.Debug().Int(logging.FieldCount, removed).Msg("swept idle ip entries")
	}
}

// rateWindow is a one-second rolling message budget for a single
// connection. Callers hold the connection's read loop, so no lock is
// needed.
type rateWindow struct {
	limit       int
	windowStart time.Time
	count       int
}

func newRateWindow(limit int) *rateWindow {
	if limit <= 0 {
		limit = defaultMsgsPerSecond
	}
	return &rateWindow{limit: limit}
}

// allow counts one message and reports whether it fits the current window.
func (w *rateWindow) allow(now time.Time) bool {
	if now.Sub(w.windowStart) >= time.Second {
		w.windowStart = now
		w.count = 0
	}
	w.count++
	return w.count <= w.limit
}
