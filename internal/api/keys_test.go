package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restpipe/internal/models"
)

func TestKeys_RequireAdmin(t *testing.T) {
	f := newFixture(t)

	rec := f.do(call{method: http.MethodGet, path: KeysPath})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(call{method: http.MethodGet, path: KeysPath, header: bearer(f.readKey)})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, `Permission "admin" required.`, decode(t, rec)["detail"])

	rec = f.do(call{method: http.MethodGet, path: KeysPath, header: bearer(f.adminKey)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"reader"`)
	assert.NotContains(t, rec.Body.String(), "key_hash")
}

func TestKeys_Lifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(call{
		method: http.MethodPost,
		path:   KeysPath,
		body:   `{"name": " ci ", "permissions": ["read", "Write", "read"]}`,
		header: bearer(f.adminKey),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	id := created["id"].(string)
	raw := created["key"].(string)
	assert.True(t, strings.HasPrefix(raw, models.APIKeyPrefix))
	assert.Equal(t, "ci", created["name"])
	assert.Equal(t, []any{"read", "write"}, created["permissions"])
	assert.Equal(t, KeysPath+"/"+id, rec.Header().Get("Location"))

	// The new key authenticates straight away.
	rec = f.do(call{method: http.MethodGet, path: AuthPath + "/me", header: bearer(raw)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ci", decode(t, rec)["name"])

	rec = f.do(call{method: http.MethodGet, path: KeysPath + "/" + id, header: bearer(f.adminKey)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decode(t, rec), "key")

	// Disabling the key takes effect despite the lookup cache.
	rec = f.do(call{method: http.MethodPatch, path: KeysPath + "/" + id, body: `{"enabled": false}`, header: bearer(f.adminKey)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["enabled"])

	rec = f.do(call{method: http.MethodGet, path: AuthPath + "/me", header: bearer(raw)})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(call{method: http.MethodDelete, path: KeysPath + "/" + id, header: bearer(f.adminKey)})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(call{method: http.MethodDelete, path: KeysPath + "/" + id, header: bearer(f.adminKey)})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(call{method: http.MethodGet, path: KeysPath + "/" + id, header: bearer(f.adminKey)})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	logs := f.logs.String()
	for _, action := range []string{"create", "update", "delete"} {
		assert.Contains(t, logs, `"action":"`+action+`"`)
	}
	assert.Contains(t, logs, `"event":"security_audit"`)
	assert.NotContains(t, logs, raw)
}

func TestKeys_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		body   string
		errors map[string]any
	}{
		{
			name:   "missing fields",
			method: http.MethodPost,
			body:   `{}`,
			errors: map[string]any{"name": "This field is required.", "permissions": "This field is required."},
		},
		{
			name:   "unknown permission",
			method: http.MethodPost,
			body:   `{"name": "x", "permissions": ["root"]}`,
			errors: map[string]any{"permissions": `"root" is not a valid permission.`},
		},
		{
			name:   "empty permissions",
			method: http.MethodPost,
			body:   `{"name": "x", "permissions": []}`,
			errors: map[string]any{"permissions": "At least one permission is required."},
		},
		{
			name:   "blank name and bad flag",
			method: http.MethodPost,
			body:   `{"name": "  ", "permissions": "read", "staff": "sometimes"}`,
			errors: map[string]any{"name": "This field may not be blank.", "staff": "Must be a valid boolean."},
		},
		{
			name:   "not an object",
			method: http.MethodPost,
			body:   `["read"]`,
			errors: map[string]any{"non_field_errors": "Expected an object."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(call{method: tt.method, path: KeysPath, body: tt.body, header: bearer(f.adminKey)})
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tt.errors, decode(t, rec)["field_errors"])
		})
	}
}

func TestValidateKey(t *testing.T) {
	t.Run("patch accepts partial input", func(t *testing.T) {
		v, errs := validateKey(http.MethodPatch, map[string]any{"staff": "true"})
		require.Empty(t, errs)
		in := v.(keyInput)
		assert.Nil(t, in.Name)
		assert.Nil(t, in.Permissions)
		require.NotNil(t, in.Staff)
		assert.True(t, *in.Staff)
	})

	t.Run("other verbs pass through", func(t *testing.T) {
		v, errs := validateKey(http.MethodDelete, nil)
		assert.Empty(t, errs)
		assert.Nil(t, v)
	})
}
