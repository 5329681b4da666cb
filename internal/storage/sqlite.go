package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"restpipe/internal/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	key_hash    TEXT NOT NULL UNIQUE,
	prefix      TEXT NOT NULL,
	permissions TEXT NOT NULL DEFAULT '[]',
	staff       INTEGER NOT NULL DEFAULT 0,
	enabled     INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	permissions   TEXT NOT NULL DEFAULT '[]',
	staff         INTEGER NOT NULL DEFAULT 0,
	enabled       INTEGER NOT NULL DEFAULT 1,
	created_at    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS notes (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	title      TEXT NOT NULL,
	body       TEXT NOT NULL DEFAULT '',
	tags       TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS notes_owner_idx ON notes (owner_id, created_at);
`

// SQLiteStorage implements the Storage interface on a single SQLite file.
// The schema is created on open.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(ctx context.Context, config models.DatabaseConfig) (*SQLiteStorage, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("connection string is required for SQLite storage")
	}

	db, err := sql.Open("sqlite", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serialises writers and ":memory:" is per-connection.
	db.SetMaxOpenConns(1)
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (ss *SQLiteStorage) Ping(ctx context.Context) error {
	return ss.db.PingContext(ctx)
}

// Close closes the storage connection
func (ss *SQLiteStorage) Close() error {
	return ss.db.Close()
}

func sqliteWriteErr(op string, err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrConflict
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func sqliteAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const apiKeyColumns = `id, name, key_hash, prefix, permissions, staff, enabled, created_at, updated_at`

func scanSQLiteKey(row rowScanner) (*models.APIKey, error) {
	var (
		k                models.APIKey
		perms            string
		created, updated string
	)
	if err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.Prefix, &perms, &k.Staff, &k.Enabled, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if k.Permissions, err = unmarshalStrings(perms); err != nil {
		return nil, err
	}
	if k.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if k.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &k, nil
}

func (ss *SQLiteStorage) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	perms, err := marshalStrings(key.Permissions)
	if err != nil {
		return err
	}
	_, err = ss.db.ExecContext(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.KeyHash, key.Prefix, perms, key.Staff, key.Enabled,
		formatTime(key.CreatedAt), formatTime(key.UpdatedAt))
	if err != nil {
		return sqliteWriteErr("create api key", err)
	}
	return nil
}

func (ss *SQLiteStorage) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	row := ss.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, hash)
	k, err := scanSQLiteKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return k, nil
}

func (ss *SQLiteStorage) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := ss.db.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	keys := []*models.APIKey{}
	for rows.Next() {
		k, err := scanSQLiteKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (ss *SQLiteStorage) UpdateAPIKey(ctx context.Context, key *models.APIKey) error {
	perms, err := marshalStrings(key.Permissions)
	if err != nil {
		return err
	}
	res, err := ss.db.ExecContext(ctx,
		`UPDATE api_keys SET name = ?, permissions = ?, staff = ?, enabled = ?, updated_at = ? WHERE id = ?`,
		key.Name, perms, key.Staff, key.Enabled, formatTime(key.UpdatedAt), key.ID)
	if err != nil {
		return sqliteWriteErr("update api key", err)
	}
	return sqliteAffected(res, "update api key")
}

func (ss *SQLiteStorage) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := ss.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	return sqliteAffected(res, "delete api key")
}

const userColumns = `id, username, password_hash, permissions, staff, enabled, created_at`

func scanSQLiteUser(row rowScanner) (*models.User, error) {
	var (
		u       models.User
		perms   string
		created string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &perms, &u.Staff, &u.Enabled, &created); err != nil {
		return nil, err
	}
	var err error
	if u.Permissions, err = unmarshalStrings(perms); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &u, nil
}

func (ss *SQLiteStorage) CreateUser(ctx context.Context, user *models.User) error {
	perms, err := marshalStrings(user.Permissions)
	if err != nil {
		return err
	}
	_, err = ss.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.PasswordHash, perms, user.Staff, user.Enabled, formatTime(user.CreatedAt))
	if err != nil {
		return sqliteWriteErr("create user", err)
	}
	return nil
}

func (ss *SQLiteStorage) getUser(ctx context.Context, where string, arg string) (*models.User, error) {
	row := ss.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where+` = ?`, arg)
	u, err := scanSQLiteUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func (ss *SQLiteStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	return ss.getUser(ctx, "id", id)
}

func (ss *SQLiteStorage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return ss.getUser(ctx, "username", username)
}

const noteColumns = `id, owner_id, title, body, tags, created_at, updated_at`

func scanSQLiteNote(row rowScanner) (*models.Note, error) {
	var (
		n                models.Note
		tags             string
		created, updated string
	)
	if err := row.Scan(&n.ID, &n.OwnerID, &n.Title, &n.Body, &tags, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if n.Tags, err = unmarshalStrings(tags); err != nil {
		return nil, err
	}
	if n.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if n.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &n, nil
}

func (ss *SQLiteStorage) CreateNote(ctx context.Context, note *models.Note) error {
	tags, err := marshalStrings(note.Tags)
	if err != nil {
		return err
	}
	_, err = ss.db.ExecContext(ctx,
		`INSERT INTO notes (`+noteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		note.ID, note.OwnerID, note.Title, note.Body, tags, formatTime(note.CreatedAt), formatTime(note.UpdatedAt))
	if err != nil {
		return sqliteWriteErr("create note", err)
	}
	return nil
}

func (ss *SQLiteStorage) GetNote(ctx context.Context, id string) (*models.Note, error) {
	row := ss.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)
	n, err := scanSQLiteNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get note: %w", err)
	}
	return n, nil
}

func (ss *SQLiteStorage) ListNotes(ctx context.Context, ownerID string) ([]*models.Note, error) {
	query := `SELECT ` + noteColumns + ` FROM notes`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := ss.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	notes := []*models.Note{}
	for rows.Next() {
		n, err := scanSQLiteNote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (ss *SQLiteStorage) UpdateNote(ctx context.Context, note *models.Note) error {
	tags, err := marshalStrings(note.Tags)
	if err != nil {
		return err
	}
	res, err := ss.db.ExecContext(ctx,
		`UPDATE notes SET title = ?, body = ?, tags = ?, updated_at = ? WHERE id = ?`,
		note.Title, note.Body, tags, formatTime(note.UpdatedAt), note.ID)
	if err != nil {
		return sqliteWriteErr("update note", err)
	}
	return sqliteAffected(res, "update note")
}

func (ss *SQLiteStorage) DeleteNote(ctx context.Context, id string) error {
	res, err := ss.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	return sqliteAffected(res, "delete note")
}
