package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"restpipe/internal/apierror"
	"restpipe/internal/models"
	"restpipe/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingKeyStore struct {
	storage.KeyStore
	lookups int
}

func (c *countingKeyStore) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	c.lookups++
	return c.KeyStore.GetAPIKeyByHash(ctx, hash)
}

type brokenKeyStore struct{}

func (brokenKeyStore) GetAPIKeyByHash(context.Context, string) (*models.APIKey, error) {
	return nil, errors.New("connection refused")
}

func seedKey(t *testing.T, s storage.KeyStore, raw string, enabled bool, perms ...string) *models.APIKey {
	t.Helper()
	key := models.NewAPIKey(models.NewID(), "test-key", raw, perms)
	key.Enabled = enabled
	require.NoError(t, s.CreateAPIKey(context.Background(), key))
	return key
}

func bearerRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/notes", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func TestAPIKeyAuthenticator(t *testing.T) {
	store := storage.NewMemoryStorage()
	key := seedKey(t, store, "rp_valid", true, models.PermissionWrite)
	seedKey(t, store, "rp_disabled", false, models.PermissionRead)

	a := NewAPIKeyAuthenticator(store, "api", 0, 0)

	t.Run("valid key", func(t *testing.T) {
		id, err := a.Authenticate(context.Background(), bearerRequest("rp_valid"))
		require.NoError(t, err)
		require.NotNil(t, id)
		assert.Equal(t, key.ID, id.ID)
		assert.Equal(t, MethodAPIKey, id.Method)
		assert.Equal(t, "rp_valid", id.Attributes["key_prefix"])
		assert.True(t, id.HasPermission(models.PermissionRead))
		assert.False(t, id.IsAnonymous())
	})

	t.Run("lowercase scheme", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "bearer rp_valid")
		id, err := a.Authenticate(context.Background(), r)
		require.NoError(t, err)
		assert.Equal(t, key.ID, id.ID)
	})

	t.Run("not applicable", func(t *testing.T) {
		id, err := a.Authenticate(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NoError(t, err)
		assert.Nil(t, id)

		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.SetBasicAuth("alice", "pw")
		id, err = a.Authenticate(context.Background(), r)
		assert.NoError(t, err)
		assert.Nil(t, id)
	})

	failures := []struct {
		name   string
		header string
		reason string
	}{
		{"missing token", "Bearer", "Invalid bearer header. No credentials provided."},
		{"token with spaces", "Bearer rp_a rp_b", "Invalid bearer header. Token string should not contain spaces."},
		{"unknown key", "Bearer rp_unknown", "Invalid API key."},
		{"disabled key", "Bearer rp_disabled", "API key is disabled."},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("Authorization", tt.header)
			id, err := a.Authenticate(context.Background(), r)
			assert.Nil(t, id)

			var apiErr *apierror.Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, apierror.KindAuthenticationFailed, apiErr.Kind)
			assert.Equal(t, tt.reason, apiErr.Message)
		})
	}

	t.Run("store failure", func(t *testing.T) {
		broken := NewAPIKeyAuthenticator(brokenKeyStore{}, "api", 0, 0)
		_, err := broken.Authenticate(context.Background(), bearerRequest("rp_valid"))
		require.Error(t, err)

		var apiErr *apierror.Error
		assert.False(t, errors.As(err, &apiErr))
	})

	assert.Equal(t, `Bearer realm="api"`, a.Challenge())
}

func TestAPIKeyAuthenticator_Cache(t *testing.T) {
	mem := storage.NewMemoryStorage()
	seedKey(t, mem, "rp_cached", true, models.PermissionRead)
	store := &countingKeyStore{KeyStore: mem}

	a := NewAPIKeyAuthenticator(store, "api", 16, time.Minute)
	for i := 0; i < 3; i++ {
		_, err := a.Authenticate(context.Background(), bearerRequest("rp_cached"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.lookups)

	// Misses are never cached.
	for i := 0; i < 2; i++ {
		_, err := a.Authenticate(context.Background(), bearerRequest("rp_missing"))
		require.Error(t, err)
	}
	assert.Equal(t, 3, store.lookups)

	a.Forget()
	_, err := a.Authenticate(context.Background(), bearerRequest("rp_cached"))
	require.NoError(t, err)
	assert.Equal(t, 4, store.lookups)
}

func TestAPIKeyAuthenticator_CacheDisabled(t *testing.T) {
	mem := storage.NewMemoryStorage()
	seedKey(t, mem, "rp_plain", true)
	store := &countingKeyStore{KeyStore: mem}

	a := NewAPIKeyAuthenticator(store, "api", 0, time.Minute)
	for i := 0; i < 2; i++ {
		_, err := a.Authenticate(context.Background(), bearerRequest("rp_plain"))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, store.lookups)
	a.Forget()
}
