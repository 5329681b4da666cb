package throttle

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"restpipe/internal/apierror"
)

// Rate limit headers set on every throttled response, allowed or not.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Caller identifies who is making a request for throttling purposes.
type Caller struct {
	// UserID is empty for anonymous callers.
	UserID string
	Request *http.Request
}

// Throttle applies one limiter to anonymous callers and another to
// authenticated ones. A nil limiter leaves that class of caller unthrottled.
type Throttle struct {
	Anonymous     Limiter
	Authenticated Limiter
	// DenyStatus is 429 or 403; zero means 429.
	DenyStatus int
	// TrustForwarded lets X-Forwarded-For and X-Real-IP decide the client
	// address of anonymous callers.
	TrustForwarded bool
	Now            func() time.Time
}

// Result is the outcome of a throttle check that did not fail.
type Result struct {
	Decision Decision
	Key      string
	Header   http.Header
}

// Check records a hit for the caller under scope and returns the headers to
// add to the response. A denied hit is returned as an *apierror.Error of kind
// throttled carrying the same headers.
func (t *Throttle) Check(ctx context.Context, c Caller, scope string) (Result, error) {
	key, limiter := t.resolve(c, scope)
	if limiter == nil {
		return Result{Key: key, Header: http.Header{}}, nil
	}

	now := time.Now()
	if t.Now != nil {
		now = t.Now()
	}
	d, err := limiter.Allow(ctx, key, now)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		return Result{}, apierror.NewInternal(err)
	}

	h := headers(d, now)
	res := Result{Decision: d, Key: key, Header: h}
	if d.Allowed {
		return res, nil
	}

	apiErr := apierror.NewThrottled(d.RetryAfter, t.DenyStatus)
	for k, vs := range h {
		if k == apierror.HeaderRetryAfter || k == apierror.HeaderThrottle {
			continue
		}
		for _, v := range vs {
			apiErr.WithHeader(k, v)
		}
	}
	return res, apiErr
}

// Close closes both limiters.
func (t *Throttle) Close() error {
	var errs []error
	if t.Anonymous != nil {
		errs = append(errs, t.Anonymous.Close())
	}
	if t.Authenticated != nil && t.Authenticated != t.Anonymous {
		errs = append(errs, t.Authenticated.Close())
	}
	return errors.Join(errs...)
}

// resolve determines the limiter key and which limiter to use.
func (t *Throttle) resolve(c Caller, scope string) (string, Limiter) {
	var key string
	limiter := t.Anonymous
	if c.UserID != "" {
		key = "user:" + c.UserID
		limiter = t.Authenticated
	} else {
		key = "anon:" + ClientIP(c.Request, t.TrustForwarded)
	}
	if scope != "" {
		key = scope + ":" + key
	}
	return key, limiter
}

func headers(d Decision, now time.Time) http.Header {
	h := http.Header{}
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		h.Set(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	next := 0
	if !d.Allowed {
		next = apierror.RetryAfterSeconds(d.RetryAfter)
		h.Set(apierror.HeaderRetryAfter, strconv.Itoa(next))
	} else if d.Remaining == 0 && d.ResetAt.After(now) {
		next = apierror.RetryAfterSeconds(d.ResetAt.Sub(now))
	}
	h.Set(apierror.HeaderThrottle, apierror.ThrottleHeader(d.Allowed, next))
	return h
}

// ClientIP extracts the client address. Proxy headers are only consulted when
// trustForwarded is set.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if r == nil {
		return ""
	}
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
