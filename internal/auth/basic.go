package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"restpipe/internal/apierror"
	"restpipe/internal/models"
	"restpipe/internal/storage"
)

// UserStore looks up user accounts.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// BasicAuthenticator accepts HTTP Basic credentials checked against bcrypt
// password hashes.
type BasicAuthenticator struct {
	Users UserStore
	Realm string
}

func (b *BasicAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	scheme, _, ok := authorization(r)
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return nil, nil
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, apierror.NewAuthenticationFailed("Invalid basic header. Credentials not correctly base64 encoded.")
	}

	u, err := b.Users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierror.NewAuthenticationFailed("Invalid username/password.")
		}
		return nil, fmt.Errorf("look up user: %w", err)
	}
	if !u.CheckPassword(password) {
		return nil, apierror.NewAuthenticationFailed("Invalid username/password.")
	}
	if !u.Enabled {
		return nil, apierror.NewAuthenticationFailed("User inactive or deleted.")
	}
	return userIdentity(u, MethodBasic), nil
}

func (b *BasicAuthenticator) Challenge() string {
	return fmt.Sprintf("Basic realm=%q", b.Realm)
}

func userIdentity(u *models.User, method string) *Identity {
	return &Identity{
		ID:          u.ID,
		Name:        u.Username,
		Method:      method,
		Permissions: u.Permissions,
		Staff:       u.Staff,
	}
}
