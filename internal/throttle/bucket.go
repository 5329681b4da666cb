package throttle

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TokenBucket is an in-memory limiter backed by golang.org/x/time/rate. Each
// key gets a bucket of limit tokens refilled evenly over window, so bursts up
// to limit are allowed while the long-term rate matches limit per window.
type TokenBucket struct {
	rate            rate.Limit
	burst           int
	cleanupInterval time.Duration

	entries   *keyed[bucketEntry]
	done      chan struct{}
	closeOnce sync.Once
}

// NewTokenBucket creates a token bucket limiter and starts its eviction
// goroutine.
func NewTokenBucket(limit int, window, cleanupInterval time.Duration) *TokenBucket {
	if cleanupInterval <= 0 {
		cleanupInterval = window
	}
	b := &TokenBucket{
		rate:            rate.Every(window / time.Duration(limit)),
		burst:           limit,
		cleanupInterval: cleanupInterval,
		entries:         newKeyed[bucketEntry](),
		done:            make(chan struct{}),
	}
	go b.cleanup()
	return b
}

// Allow takes a token for key if one is available at now.
func (b *TokenBucket) Allow(_ context.Context, key string, now time.Time) (Decision, error) {
	d := Decision{Limit: b.burst}
	newEntry := func() bucketEntry { return bucketEntry{limiter: rate.NewLimiter(b.rate, b.burst)} }
	b.entries.with(key, newEntry, func(e *bucketEntry) {
		e.lastSeen = now
		d.Allowed = e.limiter.AllowN(now, 1)

		tokens := e.limiter.TokensAt(now)
		d.Remaining = int(math.Max(0, math.Floor(tokens)))
		if missing := float64(b.burst) - tokens; missing > 0 {
			d.ResetAt = now.Add(time.Duration(missing / float64(b.rate) * float64(time.Second)))
		} else {
			d.ResetAt = now
		}

		if !d.Allowed {
			r := e.limiter.ReserveN(now, 1)
			d.RetryAfter = r.DelayFrom(now)
			r.CancelAt(now)
		}
	})
	return d, nil
}

// Close stops the background cleanup goroutine.
func (b *TokenBucket) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

func (b *TokenBucket) cleanup() {
	ticker := time.NewTicker(b.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case now := <-ticker.C:
			b.evictStale(now)
		}
	}
}

// evictStale removes buckets not touched within 2x the cleanup interval.
func (b *TokenBucket) evictStale(now time.Time) {
	cutoff := now.Add(-2 * b.cleanupInterval)
	b.entries.sweep(func(e *bucketEntry) bool { return e.lastSeen.Before(cutoff) })
}
