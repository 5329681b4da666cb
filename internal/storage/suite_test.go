package storage

import (
	"context"
	"testing"
	"time"

	"restpipe/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStorageSuite exercises the Storage contract against any backend.
func runStorageSuite(t *testing.T, s Storage) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})

	t.Run("API keys", func(t *testing.T) {
		key := models.NewAPIKey("key-1", "ci", "rp_secretvalue", []string{models.PermissionRead})
		key.CreatedAt, key.UpdatedAt = base, base
		require.NoError(t, s.CreateAPIKey(ctx, key))

		dup := models.NewAPIKey("key-2", "dup", "rp_secretvalue", nil)
		assert.ErrorIs(t, s.CreateAPIKey(ctx, dup), ErrConflict)

		got, err := s.GetAPIKeyByHash(ctx, models.HashAPIKey("rp_secretvalue"))
		require.NoError(t, err)
		assert.Equal(t, "key-1", got.ID)
		assert.Equal(t, "rp_secre", got.Prefix)
		assert.Equal(t, []string{models.PermissionRead}, got.Permissions)
		assert.True(t, got.Enabled)
		assert.True(t, base.Equal(got.CreatedAt))

		_, err = s.GetAPIKeyByHash(ctx, models.HashAPIKey("rp_other"))
		assert.ErrorIs(t, err, ErrNotFound)

		second := models.NewAPIKey("key-3", "deploy", "rp_another", []string{models.PermissionWrite})
		second.CreatedAt, second.UpdatedAt = base.Add(time.Minute), base.Add(time.Minute)
		require.NoError(t, s.CreateAPIKey(ctx, second))

		keys, err := s.ListAPIKeys(ctx)
		require.NoError(t, err)
		require.Len(t, keys, 2)
		assert.Equal(t, "key-1", keys[0].ID)
		assert.Equal(t, "key-3", keys[1].ID)

		got.Name = "ci-renamed"
		got.Enabled = false
		got.Staff = true
		got.Permissions = []string{models.PermissionAdmin}
		got.UpdatedAt = base.Add(time.Hour)
		require.NoError(t, s.UpdateAPIKey(ctx, got))

		got, err = s.GetAPIKeyByHash(ctx, models.HashAPIKey("rp_secretvalue"))
		require.NoError(t, err)
		assert.Equal(t, "ci-renamed", got.Name)
		assert.False(t, got.Enabled)
		assert.True(t, got.Staff)
		assert.Equal(t, []string{models.PermissionAdmin}, got.Permissions)

		missing := models.NewAPIKey("nope", "nope", "rp_nope", nil)
		assert.ErrorIs(t, s.UpdateAPIKey(ctx, missing), ErrNotFound)

		require.NoError(t, s.DeleteAPIKey(ctx, "key-1"))
		assert.ErrorIs(t, s.DeleteAPIKey(ctx, "key-1"), ErrNotFound)
		_, err = s.GetAPIKeyByHash(ctx, models.HashAPIKey("rp_secretvalue"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Users", func(t *testing.T) {
		user := &models.User{
			ID:           "user-1",
			Username:     "alice",
			PasswordHash: "hash",
			Permissions:  []string{models.PermissionWrite},
			Enabled:      true,
			CreatedAt:    base,
		}
		require.NoError(t, s.CreateUser(ctx, user))

		clash := *user
		clash.ID = "user-2"
		assert.ErrorIs(t, s.CreateUser(ctx, &clash), ErrConflict)

		got, err := s.GetUser(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Username)
		assert.Equal(t, "hash", got.PasswordHash)
		assert.Equal(t, []string{models.PermissionWrite}, got.Permissions)

		got, err = s.GetUserByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.ID)

		_, err = s.GetUser(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetUserByUsername(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Notes", func(t *testing.T) {
		notes := []*models.Note{
			{ID: "n1", OwnerID: "alice", Title: "first", Tags: []string{"a"}, CreatedAt: base, UpdatedAt: base},
			{ID: "n2", OwnerID: "bob", Title: "second", CreatedAt: base.Add(time.Second), UpdatedAt: base.Add(time.Second)},
			{ID: "n3", OwnerID: "alice", Title: "third", Body: "text", CreatedAt: base.Add(2 * time.Second), UpdatedAt: base.Add(2 * time.Second)},
		}
		for _, n := range notes {
			require.NoError(t, s.CreateNote(ctx, n))
		}
		assert.ErrorIs(t, s.CreateNote(ctx, notes[0]), ErrConflict)

		all, err := s.ListNotes(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"n1", "n2", "n3"}, []string{all[0].ID, all[1].ID, all[2].ID})

		mine, err := s.ListNotes(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, "n1", mine[0].ID)
		assert.Equal(t, "n3", mine[1].ID)

		none, err := s.ListNotes(ctx, "carol")
		require.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)

		got, err := s.GetNote(ctx, "n2")
		require.NoError(t, err)
		assert.Equal(t, "bob", got.Owner())
		assert.Equal(t, []string{}, got.Tags)

		got.Title = "second, edited"
		got.Tags = []string{"x", "y"}
		got.UpdatedAt = base.Add(time.Hour)
		require.NoError(t, s.UpdateNote(ctx, got))

		got, err = s.GetNote(ctx, "n2")
		require.NoError(t, err)
		assert.Equal(t, "second, edited", got.Title)
		assert.Equal(t, []string{"x", "y"}, got.Tags)
		assert.True(t, base.Add(time.Hour).Equal(got.UpdatedAt))
		assert.True(t, base.Add(time.Second).Equal(got.CreatedAt))

		assert.ErrorIs(t, s.UpdateNote(ctx, &models.Note{ID: "ghost"}), ErrNotFound)

		require.NoError(t, s.DeleteNote(ctx, "n2"))
		assert.ErrorIs(t, s.DeleteNote(ctx, "n2"), ErrNotFound)
		_, err = s.GetNote(ctx, "n2")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
