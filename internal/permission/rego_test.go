package permission

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"restpipe/internal/auth"
	"restpipe/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const boolPolicy = `package restpipe.authz

default allow := false

allow if input.method == "GET"

allow if {
	not input.identity.anonymous
	"write" in input.identity.permissions
}
`

const objectPolicy = `package restpipe.authz

default decision := {"allow": false, "reason": "Only the owner may archive notes."}

decision := {"allow": true} if input.object.owner_id == input.identity.id
`

func TestRego_BooleanResult(t *testing.T) {
	r, err := NewRego(context.Background(), "data.restpipe.authz.allow", map[string]string{"authz.rego": boolPolicy})
	require.NoError(t, err)

	tests := []struct {
		name    string
		id      *auth.Identity
		method  string
		allowed bool
	}{
		{"anonymous read", auth.Anonymous(), http.MethodGet, true},
		{"anonymous write", auth.Anonymous(), http.MethodPost, false},
		{"writer write", &auth.Identity{ID: "u1", Permissions: []string{models.PermissionWrite}}, http.MethodPost, true},
		{"reader write", &auth.Identity{ID: "u2", Permissions: []string{models.PermissionRead}}, http.MethodPost, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := r.Allow(context.Background(), tt.id, Target{Method: tt.method, Resource: "notes"})
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
		})
	}
}

func TestRego_ObjectResult(t *testing.T) {
	r, err := NewRego(context.Background(), "data.restpipe.authz.decision", map[string]string{"authz.rego": objectPolicy})
	require.NoError(t, err)

	note := &models.Note{ID: "n1", OwnerID: "u1", Title: "t"}

	d, err := r.Allow(context.Background(), &auth.Identity{ID: "u1"}, Target{Method: http.MethodPost, Object: note})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = r.Allow(context.Background(), &auth.Identity{ID: "u2"}, Target{Method: http.MethodPost, Object: note})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Only the owner may archive notes.", d.Reason)

	// Before the note is loaded the policy has nothing to decide on.
	d, err = r.Allow(context.Background(), &auth.Identity{ID: "u2"}, Target{Method: http.MethodPost, ObjectPending: true})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRego_UndefinedDenies(t *testing.T) {
	r, err := NewRego(context.Background(), "data.restpipe.authz.missing", map[string]string{"authz.rego": boolPolicy})
	require.NoError(t, err)

	d, err := r.Allow(context.Background(), auth.Anonymous(), Target{Method: http.MethodGet})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRego_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewRego(ctx, "", map[string]string{"a.rego": boolPolicy})
	assert.Error(t, err)

	_, err = NewRego(ctx, "data.x", nil)
	assert.Error(t, err)

	_, err = NewRego(ctx, "data.x", map[string]string{"bad.rego": "package x\nallow if {"})
	assert.ErrorContains(t, err, "compile rego policy")

	_, err = LoadRego(ctx, filepath.Join(t.TempDir(), "missing.rego"), "data.x")
	assert.Error(t, err)
}

func TestLoadRego(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "authz.rego"), []byte(boolPolicy), 0o600))

	fromDir, err := LoadRego(context.Background(), dir, "data.restpipe.authz.allow")
	require.NoError(t, err)
	fromFile, err := LoadRego(context.Background(), filepath.Join(dir, "authz.rego"), "data.restpipe.authz.allow")
	require.NoError(t, err)

	for _, r := range []*Rego{fromDir, fromFile} {
		d, err := r.Allow(context.Background(), auth.Anonymous(), Target{Method: http.MethodGet})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}
