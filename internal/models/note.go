package models

import "time"

// Note is the record served by the bundled notes resource.
type Note struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Owner satisfies the ownership contract used by object-level permission
// checks.
func (n *Note) Owner() string {
	return n.OwnerID
}
