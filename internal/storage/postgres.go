package storage

import (
	"context"
	"errors"
	"fmt"

	"restpipe/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	key_hash    TEXT NOT NULL UNIQUE,
	prefix      TEXT NOT NULL,
	permissions TEXT[] NOT NULL DEFAULT '{}',
	staff       BOOLEAN NOT NULL DEFAULT FALSE,
	enabled     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	permissions   TEXT[] NOT NULL DEFAULT '{}',
	staff         BOOLEAN NOT NULL DEFAULT FALSE,
	enabled       BOOLEAN NOT NULL DEFAULT TRUE,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS notes (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	title      TEXT NOT NULL,
	body       TEXT NOT NULL DEFAULT '',
	tags       TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS notes_owner_idx ON notes (owner_id, created_at);
`

// uniqueViolation is the SQLSTATE raised for duplicate keys.
const uniqueViolation = "23505"

// PostgresStorage implements the Storage interface on a pgx connection pool.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage creates a new PostgreSQL storage instance and ensures
// the schema exists.
func NewPostgresStorage(ctx context.Context, config models.DatabaseConfig) (*PostgresStorage, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(min(config.MaxIdleConns, int(poolConfig.MaxConns)))
	}
	if config.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	}
	if config.ConnMaxIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

// Ping verifies the database connection is alive.
func (ps *PostgresStorage) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

// Close closes the connection pool.
func (ps *PostgresStorage) Close() error {
	ps.pool.Close()
	return nil
}

func pgWriteErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrConflict
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func pgAffected(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPgKey(row pgx.Row) (*models.APIKey, error) {
	var k models.APIKey
	err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.Prefix, &k.Permissions, &k.Staff, &k.Enabled, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	k.Permissions = cloneStrings(k.Permissions)
	k.CreatedAt = k.CreatedAt.UTC()
	k.UpdatedAt = k.UpdatedAt.UTC()
	return &k, nil
}

// CreateAPIKey inserts a new API key record.
func (ps *PostgresStorage) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := ps.pool.Exec(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.Name, key.KeyHash, key.Prefix, cloneStrings(key.Permissions), key.Staff, key.Enabled,
		key.CreatedAt, key.UpdatedAt)
	if err != nil {
		return pgWriteErr("create api key", err)
	}
	return nil
}

// GetAPIKeyByHash retrieves an API key by its SHA-256 hash.
func (ps *PostgresStorage) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	row := ps.pool.QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, hash)
	k, err := scanPgKey(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return k, nil
}

// ListAPIKeys returns all API keys, oldest first.
func (ps *PostgresStorage) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := ps.pool.Query(ctx, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	keys := []*models.APIKey{}
	for rows.Next() {
		k, err := scanPgKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateAPIKey updates mutable fields of an existing API key.
func (ps *PostgresStorage) UpdateAPIKey(ctx context.Context, key *models.APIKey) error {
	tag, err := ps.pool.Exec(ctx,
		`UPDATE api_keys SET name = $1, permissions = $2, staff = $3, enabled = $4, updated_at = $5 WHERE id = $6`,
		key.Name, cloneStrings(key.Permissions), key.Staff, key.Enabled, key.UpdatedAt, key.ID)
	if err != nil {
		return pgWriteErr("update api key", err)
	}
	return pgAffected(tag)
}

// DeleteAPIKey permanently removes an API key by ID.
func (ps *PostgresStorage) DeleteAPIKey(ctx context.Context, id string) error {
	tag, err := ps.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	return pgAffected(tag)
}

func scanPgUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Permissions, &u.Staff, &u.Enabled, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Permissions = cloneStrings(u.Permissions)
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (ps *PostgresStorage) CreateUser(ctx context.Context, user *models.User) error {
	_, err := ps.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Username, user.PasswordHash, cloneStrings(user.Permissions), user.Staff, user.Enabled, user.CreatedAt)
	if err != nil {
		return pgWriteErr("create user", err)
	}
	return nil
}

func (ps *PostgresStorage) getUser(ctx context.Context, column, arg string) (*models.User, error) {
	row := ps.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+column+` = $1`, arg)
	u, err := scanPgUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func (ps *PostgresStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	return ps.getUser(ctx, "id", id)
}

func (ps *PostgresStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return ps.getUser(ctx, "username", username)
}

func scanPgNote(row pgx.Row) (*models.Note, error) {
	var n models.Note
	if err := row.Scan(&n.ID, &n.OwnerID, &n.Title, &n.Body, &n.Tags, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.Tags = cloneStrings(n.Tags)
	n.CreatedAt = n.CreatedAt.UTC()
	n.UpdatedAt = n.UpdatedAt.UTC()
	return &n, nil
}

func (ps *PostgresStorage) CreateNote(ctx context.Context, note *models.Note) error {
	_, err := ps.pool.Exec(ctx,
		`INSERT INTO notes (`+noteColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		note.ID, note.OwnerID, note.Title, note.Body, cloneStrings(note.Tags), note.CreatedAt, note.UpdatedAt)
	if err != nil {
		return pgWriteErr("create note", err)
	}
	return nil
}

func (ps *PostgresStorage) GetNote(ctx context.Context, id string) (*models.Note, error) {
	row := ps.pool.QueryRow(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = $1`, id)
	n, err := scanPgNote(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get note: %w", err)
	}
	return n, nil
}

func (ps *PostgresStorage) ListNotes(ctx context.Context, ownerID string) ([]*models.Note, error) {
	rows, err := ps.pool.Query(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE ($1 = '' OR owner_id = $1) ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	notes := []*models.Note{}
	for rows.Next() {
		n, err := scanPgNote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (ps *PostgresStorage) UpdateNote(ctx context.Context, note *models.Note) error {
	tag, err := ps.pool.Exec(ctx,
		`UPDATE notes SET title = $1, body = $2, tags = $3, updated_at = $4 WHERE id = $5`,
		note.Title, note.Body, cloneStrings(note.Tags), note.UpdatedAt, note.ID)
	if err != nil {
		return pgWriteErr("update note", err)
	}
	return pgAffected(tag)
}

func (ps *PostgresStorage) DeleteNote(ctx context.Context, id string) error {
	tag, err := ps.pool.Exec(ctx, `DELETE FROM notes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	return pgAffected(tag)
}
