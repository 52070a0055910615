// Package ratelimit implements token-bucket admission control: one bucket
// per api key plus an optional global ceiling.
//
// Buckets refill at rpm/60 tokens per second with a configurable burst.
// Denials report how long until the next token so HTTP handlers can emit an
// accurate Retry-After.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter gates intake per api key and globally. Safe for concurrent use.
// A nil *Limiter admits everything.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	defaultRPM int
	burst      int

	global *rate.Limiter
}

// New creates a Limiter. defaultRPM 0 disables per-key limiting; globalRPM 0
// disables the global ceiling.
func New(defaultRPM, burst, globalRPM int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		buckets:    make(map[string]*rate.Limiter),
		defaultRPM: defaultRPM,
		burst:      burst,
	}
	if globalRPM > 0 {
		l.global = rate.NewLimiter(rate.Limit(float64(globalRPM)/60), burst)
	}
	return l
}

// Allow consumes one token for keyID. keyRPM overrides the default per-minute
// limit when > 0 (the api key's own limit). Returns false with the wait until
// the next token when denied.
func (l *Limiter) Allow(keyID string, keyRPM int) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}

	// The global ceiling is checked first. A global token taken here stays
	// consumed even when the per-key bucket then denies the request.
	if l.global != nil {
		if ok, wait := tryTake(l.global); !ok {
			return false, wait
		}
	}

	rpm := l.defaultRPM
	if keyRPM > 0 {
		rpm = keyRPM
	}
	if rpm <= 0 || keyID == "" {
		return true, 0
	}

	return tryTake(l.bucket(keyID, rpm))
}

func (l *Limiter) bucket(keyID string, rpm int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[keyID]
	if !ok {
		b = rate.NewLimiter(rate.Limit(float64(rpm)/60), l.burst)
		l.buckets[keyID] = b
	}
	return b
}

// tryTake consumes a token when one is available now; otherwise it cancels
// the reservation and reports how long until one would be.
func tryTake(b *rate.Limiter) (bool, time.Duration) {
	r := b.Reserve()
	if !r.OK() {
		return false, time.Minute
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}
