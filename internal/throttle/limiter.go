// Package throttle limits request rates per caller. Limiters record a hit
// and decide in one atomic step per key; the Throttle type resolves the key
// for a request (user id for authenticated callers, client address for
// anonymous ones) and produces the response headers.
package throttle

import (
	"context"
	"time"
)

// Limiter defines the rate limiting contract. Implementations must be safe for
// concurrent use, and a check for one key must observe every hit recorded for
// that key before it.
type Limiter interface {
	// Allow records a hit for key at now when the key is under its limit and
	// reports the resulting state. A denied hit is not recorded.
	Allow(ctx context.Context, key string, now time.Time) (Decision, error)

	// Close stops background goroutines and releases resources.
	Close() error
}

// Decision contains rate limit state for populating response headers.
type Decision struct {
	Allowed    bool
	Limit      int           // Maximum requests per window
	Remaining  int           // Requests left in the current window
	ResetAt    time.Time     // When the oldest counted hit leaves the window
	RetryAfter time.Duration // How long to wait (meaningful only when denied)
}
