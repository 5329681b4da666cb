package throttle

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestSlidingWindow_LimitAndRetryAfter(t *testing.T) {
	w := NewSlidingWindow(3, time.Minute, time.Hour)
	defer w.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := w.Allow(ctx, "k", epoch.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, d.Allowed, "hit %d", i)
		assert.Equal(t, 2-i, d.Remaining)
		assert.Equal(t, 3, d.Limit)
	}

	d, err := w.Allow(ctx, "k", epoch.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 57*time.Second, d.RetryAfter)
	assert.Equal(t, epoch.Add(time.Minute), d.ResetAt)
	assert.Equal(t, 0, d.Remaining)
}

func TestSlidingWindow_LateTimestamp(t *testing.T) {
	w := NewSlidingWindow(3, time.Minute, time.Hour)
	defer w.Close()
	ctx := context.Background()

	for _, at := range []time.Duration{10 * time.Second, 5 * time.Second, 20 * time.Second} {
		d, err := w.Allow(ctx, "k", epoch.Add(at))
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := w.Allow(ctx, "k", epoch.Add(21*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 44*time.Second, d.RetryAfter)
	assert.Equal(t, epoch.Add(65*time.Second), d.ResetAt)

	// The hit stamped 5s leaves the window first even though it arrived second.
	d, err = w.Allow(ctx, "k", epoch.Add(66*time.Second))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, epoch.Add(70*time.Second), d.ResetAt)

	w.entries.with("k", nil, func(hits *[]time.Time) {
		assert.True(t, slices.IsSortedFunc(*hits, time.Time.Compare))
	})
}

func TestSlidingWindow_OldestHitExpires(t *testing.T) {
	w := NewSlidingWindow(2, time.Minute, time.Hour)
	defer w.Close()
	ctx := context.Background()

	_, _ = w.Allow(ctx, "k", epoch)
	_, _ = w.Allow(ctx, "k", epoch.Add(30*time.Second))

	d, _ := w.Allow(ctx, "k", epoch.Add(59*time.Second))
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	d, _ = w.Allow(ctx, "k", epoch.Add(time.Minute))
	assert.True(t, d.Allowed, "hit at exactly one window later no longer counts")
	assert.Equal(t, 0, d.Remaining)
}

func TestSlidingWindow_DeniedHitsAreNotRecorded(t *testing.T) {
	w := NewSlidingWindow(1, time.Minute, time.Hour)
	defer w.Close()
	ctx := context.Background()

	_, _ = w.Allow(ctx, "k", epoch)
	for i := 1; i < 10; i++ {
		d, _ := w.Allow(ctx, "k", epoch.Add(time.Duration(i)*time.Second))
		assert.False(t, d.Allowed)
	}

	d, _ := w.Allow(ctx, "k", epoch.Add(time.Minute+time.Millisecond))
	assert.True(t, d.Allowed)
}

func TestSlidingWindow_KeysAreIndependent(t *testing.T) {
	w := NewSlidingWindow(1, time.Minute, time.Hour)
	defer w.Close()
	ctx := context.Background()

	d1, _ := w.Allow(ctx, "a", epoch)
	d2, _ := w.Allow(ctx, "b", epoch)
	d3, _ := w.Allow(ctx, "a", epoch)
	assert.True(t, d1.Allowed)
	assert.True(t, d2.Allowed)
	assert.False(t, d3.Allowed)
}

func TestSlidingWindow_EvictExpired(t *testing.T) {
	w := NewSlidingWindow(5, time.Minute, time.Hour)
	defer w.Close()
	ctx := context.Background()

	_, _ = w.Allow(ctx, "old", epoch)
	_, _ = w.Allow(ctx, "fresh", epoch.Add(50*time.Second))
	require.Equal(t, 2, w.size())

	w.evictExpired(epoch.Add(90 * time.Second))
	assert.Equal(t, 1, w.size())
}

func TestSlidingWindow_ConcurrentHitsNeverExceedLimit(t *testing.T) {
	w := NewSlidingWindow(50, time.Hour, time.Hour)
	defer w.Close()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := w.Allow(context.Background(), "shared", epoch)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), allowed.Load())
}

func TestSlidingWindow_Close(t *testing.T) {
	w := NewSlidingWindow(1, time.Minute, time.Millisecond)
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close(), "closing twice is safe")
}

// No window-long interval ever contains more than limit accepted hits, and a
// hit is only denied when its window is already full.
func TestSlidingWindow_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 5).Draw(t, "limit")
		window := time.Duration(rapid.IntRange(1, 60).Draw(t, "windowSec")) * time.Second
		offsets := rapid.SliceOfN(rapid.IntRange(0, 180_000), 1, 60).Draw(t, "offsetsMs")
		sort.Ints(offsets)

		w := NewSlidingWindow(limit, window, time.Hour)
		defer w.Close()

		var accepted []time.Time
		inWindow := func(now time.Time) int {
			n := 0
			for _, a := range accepted {
				if a.After(now.Add(-window)) && !a.After(now) {
					n++
				}
			}
			return n
		}

		for _, off := range offsets {
			now := epoch.Add(time.Duration(off) * time.Millisecond)
			before := inWindow(now)
			d, err := w.Allow(context.Background(), "k", now)
			if err != nil {
				t.Fatalf("allow: %v", err)
			}
			if d.Allowed {
				if before >= limit {
					t.Fatalf("accepted hit at %v with %d hits already in window", now, before)
				}
				accepted = append(accepted, now)
			} else {
				if before < limit {
					t.Fatalf("denied hit at %v with only %d hits in window", now, before)
				}
				if d.RetryAfter <= 0 || d.RetryAfter > window {
					t.Fatalf("retry after %v outside (0, %v]", d.RetryAfter, window)
				}
			}
		}
	})
}
