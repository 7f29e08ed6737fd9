// Package ratelimit enforces per-alias request ceilings. Each (alias,
// endpoint class) pair gets its own token bucket; anonymous callers get much
// lower ceilings than authenticated ones.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AndrewNordstrom/corgi-recommender-service-sub000/corgi/go/config"
)

// Class buckets endpoints for limiting purposes.
type Class string

const (
	// ClassTimeline covers timeline, recommendation, and pass-through reads.
	ClassTimeline Class = "timeline"
	// ClassInteract covers interaction writes and batch count reads.
	ClassInteract Class = "interact"
)

// sweepThreshold is the registry size that triggers eviction of idle buckets.
const sweepThreshold = 4096

// idleFactor times the window is how long an untouched bucket survives a
// sweep.
const idleFactor = 10

type entry struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// Limiter is the registry of per-(alias, class) token buckets.
type Limiter struct {
	mtx      sync.Mutex
	limiters map[string]*entry
	rates    config.RateConfig
}

// New returns a Limiter enforcing the given ceilings.
func New(rates config.RateConfig) *Limiter {
	if rates.Window <= 0 {
		rates.Window = time.Minute
	}
	return &Limiter{
		limiters: map[string]*entry{},
		rates:    rates,
	}
}

// ceiling returns the request budget per window for one class and tier.
func (l *Limiter) ceiling(class Class, anonymous bool) int {
	switch class {
	case ClassInteract:
		if anonymous {
			return l.rates.AnonInteract
		}
		return l.rates.AuthInteract
	default:
		if anonymous {
			return l.rates.AnonTimeline
		}
		return l.rates.AuthTimeline
	}
}

// Allow reports whether one more request fits the alias's budget. When the
// budget is exhausted it returns false and how long the caller should wait.
func (l *Limiter) Allow(alias string, class Class, anonymous bool) (bool, time.Duration) {
	n := l.ceiling(class, anonymous)
	if n <= 0 {
		return false, l.rates.Window
	}

	l.mtx.Lock()
	key := alias + "|" + string(class)
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{
			lim: rate.NewLimiter(rate.Limit(float64(n)/l.rates.Window.Seconds()), n),
		}
		l.limiters[key] = e
	}
	e.lastUsed = time.Now()
	if len(l.limiters) > sweepThreshold {
		l.sweepLocked()
	}
	l.mtx.Unlock()

	res := e.lim.Reserve()
	if !res.OK() {
		return false, l.rates.Window
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// sweepLocked drops buckets that have been idle long enough to be full again.
// Callers must hold mtx.
func (l *Limiter) sweepLocked() {
	cutoff := time.Now().Add(-time.Duration(idleFactor) * l.rates.Window)
	for key, e := range l.limiters {
		if e.lastUsed.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
}
