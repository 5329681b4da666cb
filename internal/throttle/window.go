package throttle

import (
	"context"
	"slices"
	"sync"
	"time"
)

// SlidingWindow is an in-memory sliding window log. Each key keeps the
// timestamps of its accepted hits inside the window, never more than limit of
// them. A background goroutine evicts keys whose hits have all expired.
type SlidingWindow struct {
	limit           int
	window          time.Duration
	cleanupInterval time.Duration

	entries   *keyed[[]time.Time]
	done      chan struct{}
	closeOnce sync.Once
}

// NewSlidingWindow allows limit hits per key in any window-long interval.
func NewSlidingWindow(limit int, window, cleanupInterval time.Duration) *SlidingWindow {
	if cleanupInterval <= 0 {
		cleanupInterval = window
	}
	s := &SlidingWindow{
		limit:           limit,
		window:          window,
		cleanupInterval: cleanupInterval,
		entries:         newKeyed[[]time.Time](),
		done:            make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Allow checks and records a hit for key.
func (s *SlidingWindow) Allow(_ context.Context, key string, now time.Time) (Decision, error) {
	d := Decision{Limit: s.limit}
	s.entries.with(key, func() []time.Time { return make([]time.Time, 0, s.limit) }, func(hits *[]time.Time) {
		*hits = prune(*hits, now.Add(-s.window))
		if len(*hits) >= s.limit {
			d.RetryAfter = s.window - now.Sub((*hits)[0])
			d.ResetAt = (*hits)[0].Add(s.window)
			return
		}
		// now is read before the key is locked, so a concurrent hit may
		// already hold a later timestamp.
		i, _ := slices.BinarySearchFunc(*hits, now, time.Time.Compare)
		*hits = slices.Insert(*hits, i, now)
		d.Allowed = true
		d.Remaining = s.limit - len(*hits)
		d.ResetAt = (*hits)[0].Add(s.window)
	})
	return d, nil
}

// prune drops hits at or before cutoff. Hits are kept sorted by time.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}

// Close stops the background cleanup goroutine.
func (s *SlidingWindow) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *SlidingWindow) cleanup() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.evictExpired(now)
		}
	}
}

// evictExpired removes keys whose newest hit has left the window.
func (s *SlidingWindow) evictExpired(now time.Time) {
	cutoff := now.Add(-s.window)
	s.entries.sweep(func(hits *[]time.Time) bool {
		return len(*hits) == 0 || !(*hits)[len(*hits)-1].After(cutoff)
	})
}

func (s *SlidingWindow) size() int {
	return s.entries.len()
}
