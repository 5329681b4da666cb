package storage

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write collides with an existing record,
	// such as a duplicate username or key hash.
	ErrConflict = errors.New("record already exists")
)
