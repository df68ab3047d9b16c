package infrastructure

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SendThrottle paces outbound dispatch per instance so a single number is
// never burst-flooded. Pacing is not quota: it delays a send, the daily
// quota rejects it.
type SendThrottle struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewSendThrottle allows perMinute sends per instance with the given burst.
func NewSendThrottle(perMinute float64, burst int) *SendThrottle {
	st := &SendThrottle{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(perMinute / 60.0),
		burst:    burst,
	}
	go st.cleanup()
	return st
}

// Wait blocks until the instance may send again or ctx expires.
func (st *SendThrottle) Wait(ctx context.Context, key string) error {
	st.mu.Lock()
	entry, ok := st.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(st.rate, st.burst)}
		st.limiters[key] = entry
	}
	entry.lastUsed = time.Now()
	st.mu.Unlock()

	return entry.limiter.Wait(ctx)
}

// cleanup drops limiters idle for more than ten minutes.
func (st *SendThrottle) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	for range ticker.C {
		st.mu.Lock()
		now := time.Now()
		for key, entry := range st.limiters {
			if now.Sub(entry.lastUsed) > 10*time.Minute {
				delete(st.limiters, key)
			}
		}
		st.mu.Unlock()
	}
}
