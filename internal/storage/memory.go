package storage

import (
	"context"
	"sort"
	"sync"

	"restpipe/internal/models"
)

// MemoryStorage implements the Storage interface using in-memory data structures.
// This provider is ideal for development, testing, and scenarios where data
// persistence is not required. It provides fast access but data is lost on restart.
type MemoryStorage struct {
	mu           sync.RWMutex
	apiKeys      map[string]*models.APIKey // keyed by ID
	apiKeyHashes map[string]string         // hash -> ID
	users        map[string]*models.User   // keyed by ID
	usernames    map[string]string         // username -> ID
	notes        map[string]*models.Note
}

// NewMemoryStorage creates a new memory-based storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		apiKeys:      make(map[string]*models.APIKey),
		apiKeyHashes: make(map[string]string),
		users:        make(map[string]*models.User),
		usernames:    make(map[string]string),
		notes:        make(map[string]*models.Note),
	}
}

// Ping verifies the storage backend is reachable and operational.
func (m *MemoryStorage) Ping(_ context.Context) error {
	return nil
}

// Close clears all data.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys = make(map[string]*models.APIKey)
	m.apiKeyHashes = make(map[string]string)
	m.users = make(map[string]*models.User)
	m.usernames = make(map[string]string)
	m.notes = make(map[string]*models.Note)
	return nil
}

func copyKey(k *models.APIKey) *models.APIKey {
	c := *k
	c.Permissions = cloneStrings(k.Permissions)
	return &c
}

// CreateAPIKey stores a new API key in memory.
func (m *MemoryStorage) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apiKeys[key.ID]; ok {
		return ErrConflict
	}
	if _, ok := m.apiKeyHashes[key.KeyHash]; ok {
		return ErrConflict
	}
	m.apiKeys[key.ID] = copyKey(key)
	m.apiKeyHashes[key.KeyHash] = key.ID
	return nil
}

// GetAPIKeyByHash retrieves an API key by its SHA-256 hash.
// Returns ErrNotFound if no matching key exists.
func (m *MemoryStorage) GetAPIKeyByHash(_ context.Context, hash string) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.apiKeyHashes[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKey(m.apiKeys[id]), nil
}

// ListAPIKeys returns all API keys (both enabled and disabled), oldest first.
func (m *MemoryStorage) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.APIKey, 0, len(m.apiKeys))
	for _, k := range m.apiKeys {
		out = append(out, copyKey(k))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateAPIKey replaces the mutable fields of an existing API key.
// Returns ErrNotFound if the key does not exist.
func (m *MemoryStorage) UpdateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.apiKeys[key.ID]
	if !ok {
		return ErrNotFound
	}
	c := copyKey(existing)
	c.Name = key.Name
	c.Permissions = cloneStrings(key.Permissions)
	c.Staff = key.Staff
	c.Enabled = key.Enabled
	c.UpdatedAt = key.UpdatedAt
	m.apiKeys[key.ID] = c
	return nil
}

// DeleteAPIKey permanently removes an API key by ID.
// Returns ErrNotFound if the key does not exist.
func (m *MemoryStorage) DeleteAPIKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.apiKeyHashes, k.KeyHash)
	delete(m.apiKeys, id)
	return nil
}

func copyUser(u *models.User) *models.User {
	c := *u
	c.Permissions = cloneStrings(u.Permissions)
	return &c
}

// CreateUser stores a new user. Usernames are unique.
func (m *MemoryStorage) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; ok {
		return ErrConflict
	}
	if _, ok := m.usernames[user.Username]; ok {
		return ErrConflict
	}
	m.users[user.ID] = copyUser(user)
	m.usernames[user.Username] = user.ID
	return nil
}

func (m *MemoryStorage) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (m *MemoryStorage) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usernames[username]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(m.users[id]), nil
}

func copyNote(n *models.Note) *models.Note {
	c := *n
	c.Tags = cloneStrings(n.Tags)
	return &c
}

func (m *MemoryStorage) CreateNote(_ context.Context, note *models.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notes[note.ID]; ok {
		return ErrConflict
	}
	m.notes[note.ID] = copyNote(note)
	return nil
}

func (m *MemoryStorage) GetNote(_ context.Context, id string) (*models.Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNote(n), nil
}

func (m *MemoryStorage) ListNotes(_ context.Context, ownerID string) ([]*models.Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Note, 0, len(m.notes))
	for _, n := range m.notes {
		if ownerID != "" && n.OwnerID != ownerID {
			continue
		}
		out = append(out, copyNote(n))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateNote replaces title, body, tags and updated_at of an existing note.
func (m *MemoryStorage) UpdateNote(_ context.Context, note *models.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.notes[note.ID]
	if !ok {
		return ErrNotFound
	}
	c := copyNote(existing)
	c.Title = note.Title
	c.Body = note.Body
	c.Tags = cloneStrings(note.Tags)
	c.UpdatedAt = note.UpdatedAt
	m.notes[note.ID] = c
	return nil
}

func (m *MemoryStorage) DeleteNote(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notes[id]; !ok {
		return ErrNotFound
	}
	delete(m.notes, id)
	return nil
}
