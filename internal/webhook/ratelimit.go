package webhook

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPLimiter applies a token bucket per client address and evicts idle addresses.
type IPLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	byAddr map[string]*bucket
	hits   uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPLimiter returns nil when rps or burst is not positive; a nil limiter allows everything.
func NewIPLimiter(rps float64, burst int, idleTTL time.Duration) *IPLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &IPLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byAddr:  make(map[string]*bucket),
	}
}

func (l *IPLimiter) Allow(addr string, now time.Time) bool {
	if l == nil {
		return true
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byAddr[addr]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byAddr[addr] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byAddr {
			if v.lastSeen.Before(cutoff) {
				delete(l.byAddr, k)
			}
		}
	}
	return allowed
}

func (l *IPLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byAddr)
}
