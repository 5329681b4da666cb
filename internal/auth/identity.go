// Package auth resolves the identity behind a request. Authenticators inspect
// one kind of credential each and are tried in order by a Chain; a request
// carrying no recognised credentials resolves to the anonymous identity.
package auth

import (
	"context"

	"restpipe/internal/models"
)

// Authentication methods recorded on an Identity.
const (
	MethodAPIKey  = "api_key"
	MethodBasic   = "basic"
	MethodSession = "session"
)

// Identity is the authenticated principal of a request.
type Identity struct {
	ID          string
	Name        string
	Method      string
	Permissions []string
	Staff       bool
	// Attributes carries authenticator specific data, such as the key prefix.
	Attributes map[string]any

	anonymous bool
}

// Anonymous returns the identity of a request without credentials.
func Anonymous() *Identity {
	return &Identity{Name: "anonymous", anonymous: true}
}

// IsAnonymous reports whether no credentials were presented. A nil identity
// counts as anonymous.
func (i *Identity) IsAnonymous() bool {
	return i == nil || i.anonymous
}

// HasPermission applies the read < write < admin hierarchy to the identity's
// permissions. Anonymous identities hold no permissions.
func (i *Identity) HasPermission(required string) bool {
	if i.IsAnonymous() {
		return false
	}
	return models.GrantsPermission(i.Permissions, required)
}

type identityKey struct{}

// NewContext returns a copy of ctx carrying id.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored in ctx, or the anonymous identity.
func FromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey{}).(*Identity); ok && id != nil {
		return id
	}
	return Anonymous()
}
