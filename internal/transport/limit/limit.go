// Package limit throttles submissions per proposer.
package limit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per proposer id. Buckets idle for longer
// than the sweep interval are forgotten.
type Limiter struct {
	rate  rate.Limit
	burst int

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const sweepEvery = 5 * time.Minute

// New allows perSecond submissions per proposer with the given burst. A
// non-positive perSecond disables limiting.
func New(perSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	r := rate.Limit(perSecond)
	if perSecond <= 0 {
		r = rate.Inf
	}
	return &Limiter{rate: r, burst: burst, buckets: map[string]*bucket{}, now: time.Now}
}

// Allow reports whether proposer may submit now and consumes a token if so.
func (l *Limiter) Allow(proposer string) bool {
	if l == nil || l.rate == rate.Inf {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > sweepEvery {
		for id, b := range l.buckets {
			if now.Sub(b.seen) > sweepEvery {
				delete(l.buckets, id)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[proposer]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[proposer] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
