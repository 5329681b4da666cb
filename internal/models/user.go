package models

import (
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User is an account that can sign in with a username and password, either
// through HTTP Basic credentials or a session cookie.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Permissions  []string  `json:"permissions"`
	Staff        bool      `json:"staff"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewUser hashes password with bcrypt and returns an enabled user.
func NewUser(username, password string, permissions []string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return &User{
		ID:           NewID(),
		Username:     username,
		PasswordHash: string(hash),
		Permissions:  permissions,
		Enabled:      true,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// CheckPassword reports whether password matches the stored hash.
func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}
