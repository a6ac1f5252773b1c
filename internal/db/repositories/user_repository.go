// Package repositories implements the data access layer (repository pattern) for the platform.
// Each repository type encapsulates all database queries for a domain entity.
// Handlers and services never issue SQL directly.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/neurodeploy/platform/internal/db/models"
)

// UserRepository handles user database operations
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

type userRow struct {
	Username     string     `db:"username"`
	Email        string     `db:"email"`
	PasswordSalt string     `db:"password_salt"`
	PasswordHash string     `db:"password_hash"`
	CreatedAt    time.Time  `db:"created_at"`
	DeletedAt    *time.Time `db:"deleted_at"`
}

// Create inserts a user and, when initial is non-nil, its first credential
// in the same transaction. Returns ErrDuplicate if the username is taken.
func (r *UserRepository) Create(ctx context.Context, user *models.User, initial *models.Credential) error {
	user.CreatedAt = time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	query := `
		INSERT INTO users (username, email, password_salt, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = tx.ExecContext(ctx, query,
		user.Username,
		user.Email,
		user.PasswordSalt,
		user.PasswordHash,
		user.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}

	if initial != nil {
		if err := insertCredential(ctx, tx, initial); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetByUsername retrieves a user, including closed accounts. Returns nil if absent.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `
		SELECT username, email, password_salt, password_hash, created_at, deleted_at
		FROM users
		WHERE username = $1
	`

	var row userRow
	err := r.db.GetContext(ctx, &row, query, username)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.User{
		Username:     row.Username,
		Email:        row.Email,
		PasswordSalt: row.PasswordSalt,
		PasswordHash: row.PasswordHash,
		CreatedAt:    row.CreatedAt,
		DeletedAt:    row.DeletedAt,
	}, nil
}

// SoftDelete closes an account. Returns false if no active user matched.
func (r *UserRepository) SoftDelete(ctx context.Context, username string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET deleted_at = $2 WHERE username = $1 AND deleted_at IS NULL`,
		username, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
