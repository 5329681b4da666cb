package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"restpipe/internal/apierror"
	"restpipe/internal/models"
	"restpipe/internal/storage"
)

// KeyStore looks up API keys by the SHA-256 hash of the raw key.
type KeyStore interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error)
}

// APIKeyAuthenticator accepts "Authorization: Bearer <key>". Successful
// lookups are cached by key hash for a short TTL.
type APIKeyAuthenticator struct {
	store KeyStore
	realm string
	cache *expirable.LRU[string, *models.APIKey]
}

// NewAPIKeyAuthenticator creates an authenticator over store. A cacheSize of
// zero disables caching.
func NewAPIKeyAuthenticator(store KeyStore, realm string, cacheSize int, cacheTTL time.Duration) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{store: store, realm: realm}
	if cacheSize > 0 {
		a.cache = expirable.NewLRU[string, *models.APIKey](cacheSize, nil, cacheTTL)
	}
	return a
}

func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	scheme, token, ok := authorization(r)
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, nil
	}
	if token == "" {
		return nil, apierror.NewAuthenticationFailed("Invalid bearer header. No credentials provided.")
	}
	if strings.ContainsAny(token, " \t") {
		return nil, apierror.NewAuthenticationFailed("Invalid bearer header. Token string should not contain spaces.")
	}

	key, err := a.lookup(ctx, models.HashAPIKey(token))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierror.NewAuthenticationFailed("Invalid API key.")
		}
		return nil, fmt.Errorf("look up api key: %w", err)
	}
	if !key.Enabled {
		return nil, apierror.NewAuthenticationFailed("API key is disabled.")
	}

	return &Identity{
		ID:          key.ID,
		Name:        key.Name,
		Method:      MethodAPIKey,
		Permissions: key.Permissions,
		Staff:       key.Staff,
		Attributes:  map[string]any{"key_prefix": key.Prefix},
	}, nil
}

func (a *APIKeyAuthenticator) lookup(ctx context.Context, hash string) (*models.APIKey, error) {
	if a.cache != nil {
		if key, ok := a.cache.Get(hash); ok {
			return key, nil
		}
	}
	key, err := a.store.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if a.cache != nil {
		a.cache.Add(hash, key)
	}
	return key, nil
}

// Forget drops every cached key, for use after keys are changed or deleted.
func (a *APIKeyAuthenticator) Forget() {
	if a.cache != nil {
		a.cache.Purge()
	}
}

func (a *APIKeyAuthenticator) Challenge() string {
	return fmt.Sprintf("Bearer realm=%q", a.realm)
}

// authorization splits the Authorization header into scheme and credentials.
func authorization(r *http.Request) (string, string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return "", "", false
	}
	scheme, rest, _ := strings.Cut(h, " ")
	return scheme, strings.TrimSpace(rest), true
}
