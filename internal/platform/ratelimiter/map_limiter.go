// Package ratelimiter throttles credential submissions per surface (the
// main PIN prompt, each wallet lock, each mode PIN) ahead of the lockout
// bookkeeping, so a scripted guesser burns the rate budget before it ever
// reaches the attempt counter.
package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MapLimiter applies a token bucket per surface key and evicts idle entries
// as a side effect of use.
type MapLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	byKey   map[string]*entry
	hits    uint64
	idleTTL time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a surface-keyed limiter; returns nil (always-allow) if the
// arguments are invalid.
func New(perMinute float64, burst int, idleTTL time.Duration) *MapLimiter {
	if perMinute <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &MapLimiter{
		limit:   rate.Limit(perMinute / 60.0),
		burst:   burst,
		byKey:   make(map[string]*entry),
		idleTTL: idleTTL,
	}
}

// Allow reports whether one token can be consumed for the surface at now.
// A nil limiter always allows.
func (l *MapLimiter) Allow(surface string, now time.Time) bool {
	if l == nil {
		return true
	}
	surface = strings.TrimSpace(surface)
	if surface == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[surface]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[surface] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return allowed
}
