// Package models defines the database model types for the platform.
// Each type corresponds to a database table. Models are pure data types:
// business logic belongs in the service layer, query logic in the repositories.
package models

import "time"

// User represents a platform tenant
type User struct {
	Username     string
	Email        string
	PasswordSalt string
	PasswordHash string // bcrypt over the salted password digest
	CreatedAt    time.Time
	DeletedAt    *time.Time // Set when the account was closed
}

// IsActive reports whether the account has not been closed
func (u *User) IsActive() bool {
	return u.DeletedAt == nil
}
