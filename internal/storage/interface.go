package storage

import (
	"context"

	"restpipe/internal/models"
)

// KeyStore persists API keys. Raw keys are never stored; lookups go through
// the key hash.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	UpdateAPIKey(ctx context.Context, key *models.APIKey) error
	DeleteAPIKey(ctx context.Context, id string) error
}

// UserStore persists user accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// NoteStore persists the records of the notes resource.
type NoteStore interface {
	CreateNote(ctx context.Context, note *models.Note) error
	GetNote(ctx context.Context, id string) (*models.Note, error)
	// ListNotes returns notes oldest first. An empty ownerID lists every note.
	ListNotes(ctx context.Context, ownerID string) ([]*models.Note, error)
	UpdateNote(ctx context.Context, note *models.Note) error
	DeleteNote(ctx context.Context, id string) error
}

// Storage is the full persistence contract implemented by every backend.
// Lookups of missing records return ErrNotFound and writes that would break
// a uniqueness rule return ErrConflict.
type Storage interface {
	KeyStore
	UserStore
	NoteStore

	// Ping verifies the storage backend is reachable and operational.
	Ping(ctx context.Context) error

	// Close closes the storage connection and cleans up resources
	Close() error
}
