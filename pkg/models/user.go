package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a registered account that can be referenced by project members.
// Authentication is handled elsewhere; only the identity and address matter here.
type User struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Email     string    `db:"email"      json:"email"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
