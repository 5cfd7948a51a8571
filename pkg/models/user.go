package models

import "time"

// Role is the authorization role carried in session tokens.
type Role string

const (
	// RoleAdmin may act on any process, memory, or app.
	RoleAdmin Role = "admin"
	// RoleUser may act only on resources it owns.
	RoleUser Role = "user"
)

// User is an authenticated principal. PasswordHash is a bcrypt hash and
// is never serialized to clients.
type User struct {
	UID          string    `json:"uid"`
	Username     string    `json:"username"`
	Role         Role      `json:"role"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// App is an installed application entry persisted across restarts.
type App struct {
	Name        string    `json:"name"`
	OwnerUID    string    `json:"owner_uid"`
	Enabled     bool      `json:"enabled"`
	InstalledAt time.Time `json:"installed_at"`
}
