package permission

import (
	"context"
	"fmt"

	"restpipe/internal/auth"
	"restpipe/internal/models"
)

// Owned is implemented by resource instances that belong to an identity.
type Owned interface {
	Owner() string
}

// AllowAll permits every request.
type AllowAll struct{}

func (AllowAll) Allow(context.Context, *auth.Identity, Target) (Decision, error) {
	return Allow(), nil
}

// IsAuthenticated denies anonymous requests.
type IsAuthenticated struct{}

func (IsAuthenticated) Allow(_ context.Context, id *auth.Identity, _ Target) (Decision, error) {
	if id.IsAnonymous() {
		return Deny("Authentication credentials were not provided."), nil
	}
	return Allow(), nil
}

// IsAuthenticatedOrReadOnly lets anyone read and requires an identity for
// every other method.
type IsAuthenticatedOrReadOnly struct{}

func (IsAuthenticatedOrReadOnly) Allow(_ context.Context, id *auth.Identity, t Target) (Decision, error) {
	if SafeMethod(t.Method) || !id.IsAnonymous() {
		return Allow(), nil
	}
	return Deny("Authentication credentials were not provided."), nil
}

// IsOwnerOrReadOnly lets anyone read an object and only its owner modify it.
// Staff identities may modify any object. Requests without an object, such
// as collection requests, are not restricted by this check.
type IsOwnerOrReadOnly struct{}

func (IsOwnerOrReadOnly) Allow(_ context.Context, id *auth.Identity, t Target) (Decision, error) {
	if SafeMethod(t.Method) || t.Object == nil {
		return Allow(), nil
	}
	owned, ok := t.Object.(Owned)
	if !ok {
		return Allow(), nil
	}
	if !id.IsAnonymous() && (id.Staff || owned.Owner() == id.ID) {
		return Allow(), nil
	}
	return Deny("Only the owner may modify this object."), nil
}

// IsStaff admits staff identities only.
type IsStaff struct{}

func (IsStaff) Allow(_ context.Context, id *auth.Identity, _ Target) (Decision, error) {
	if !id.IsAnonymous() && id.Staff {
		return Allow(), nil
	}
	return Deny("Staff access required."), nil
}

// RequirePermission demands a permission level from the identity, using the
// read < write < admin hierarchy.
type RequirePermission string

func (p RequirePermission) Allow(_ context.Context, id *auth.Identity, _ Target) (Decision, error) {
	if id.HasPermission(string(p)) {
		return Allow(), nil
	}
	return Deny(fmt.Sprintf("Permission %q required.", string(p))), nil
}

// ReadWrite requires read for safe methods and write for everything else.
type ReadWrite struct{}

func (ReadWrite) Allow(ctx context.Context, id *auth.Identity, t Target) (Decision, error) {
	if SafeMethod(t.Method) {
		return RequirePermission(models.PermissionRead).Allow(ctx, id, t)
	}
	return RequirePermission(models.PermissionWrite).Allow(ctx, id, t)
}

// Named returns the built-in check registered under name, as used by the
// default_permission configuration setting.
func Named(name string) (Check, error) {
	switch name {
	case models.PolicyAllowAny:
		return AllowAll{}, nil
	case models.PolicyAuthenticated:
		return IsAuthenticated{}, nil
	case models.PolicyAuthenticatedOrReadOnly:
		return IsAuthenticatedOrReadOnly{}, nil
	default:
		return nil, fmt.Errorf("unknown permission check: %s", name)
	}
}
