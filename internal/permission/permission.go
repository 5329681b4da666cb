// Package permission decides whether an identity may act on a resource.
// Checks are evaluated in declared order and all of them must allow; the
// first denial ends evaluation and its reason is reported to the client.
package permission

import (
	"context"
	"errors"
	"net/http"

	"restpipe/internal/apierror"
	"restpipe/internal/auth"
)

// DefaultReason is reported when a denying check gives no reason of its own.
const DefaultReason = "You do not have permission to perform this action."

// Target describes what a request is trying to do.
type Target struct {
	Method   string
	Resource string
	// Object is the resource instance addressed by the request, when the
	// resource loads one. It is nil for collection requests.
	Object any
	// ObjectPending is set while the checks run ahead of loading Object.
	// The checks run again once it is loaded.
	ObjectPending bool
}

// Decision is the outcome of a single check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow is the decision of a passing check.
func Allow() Decision { return Decision{Allowed: true} }

// Deny returns a denying decision carrying reason.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// Check is a single permission predicate. Implementations must not mutate
// the identity or the target. An error means the check could not be
// evaluated, not that it denied.
type Check interface {
	Allow(ctx context.Context, id *auth.Identity, t Target) (Decision, error)
}

// CheckFunc adapts a plain function to the Check interface.
type CheckFunc func(ctx context.Context, id *auth.Identity, t Target) (Decision, error)

func (f CheckFunc) Allow(ctx context.Context, id *auth.Identity, t Target) (Decision, error) {
	return f(ctx, id, t)
}

// Evaluate runs checks in order. It returns nil when every check allows, a
// permission_denied *apierror.Error for the first denial, or an
// internal_error when a check fails to evaluate.
func Evaluate(ctx context.Context, checks []Check, id *auth.Identity, t Target) error {
	for _, c := range checks {
		d, err := c.Allow(ctx, id, t)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return apierror.NewInternal(err)
		}
		if !d.Allowed {
			reason := d.Reason
			if reason == "" {
				reason = DefaultReason
			}
			return apierror.NewPermissionDenied(reason)
		}
	}
	return nil
}

// SafeMethod reports whether method is read-only.
func SafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
