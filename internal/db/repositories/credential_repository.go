package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/neurodeploy/platform/internal/db/models"
)

// CredentialRepository stores credentials and their reverse index. Every
// write touches credentials and credential_index in one transaction so a key
// can never resolve to an owner whose forward record is gone.
type CredentialRepository struct {
	db *sqlx.DB
}

// NewCredentialRepository creates a new CredentialRepository
func NewCredentialRepository(db *sqlx.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

const credentialColumns = `username, name, kind, access_key, secret_hash, salt, description, expires_at, created_at`

type credentialRow struct {
	Username    string     `db:"username"`
	Name        string     `db:"name"`
	Kind        string     `db:"kind"`
	AccessKey   string     `db:"access_key"`
	SecretHash  string     `db:"secret_hash"`
	Salt        string     `db:"salt"`
	Description *string    `db:"description"`
	ExpiresAt   *time.Time `db:"expires_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

func (r *credentialRow) toModel() *models.Credential {
	return &models.Credential{
		Username:    r.Username,
		Name:        r.Name,
		Kind:        models.CredentialKind(r.Kind),
		AccessKey:   r.AccessKey,
		SecretHash:  r.SecretHash,
		Salt:        r.Salt,
		Description: r.Description,
		ExpiresAt:   r.ExpiresAt,
		CreatedAt:   r.CreatedAt,
	}
}

func insertCredential(ctx context.Context, tx sqlx.ExecerContext, c *models.Credential) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		c.Username,
		c.Name,
		string(c.Kind),
		c.AccessKey,
		c.SecretHash,
		c.Salt,
		c.Description,
		c.ExpiresAt,
		c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert credential: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credential_index (access_key, username, name) VALUES ($1, $2, $3)`,
		c.AccessKey, c.Username, c.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to insert credential index: %w", err)
	}
	return nil
}

// Create stores a credential and its reverse index entry.
// Returns ErrDuplicate if the user already has a credential with that name.
func (r *CredentialRepository) Create(ctx context.Context, c *models.Credential) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	if err := insertCredential(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

// GetByAccessKey resolves an access key through the reverse index. Credentials
// of closed accounts are not returned. Returns nil if absent.
func (r *CredentialRepository) GetByAccessKey(ctx context.Context, accessKey string) (*models.Credential, error) {
	query := `
		SELECT c.username, c.name, c.kind, c.access_key, c.secret_hash, c.salt, c.description, c.expires_at, c.created_at
		FROM credential_index i
		JOIN credentials c ON c.username = i.username AND c.name = i.name
		JOIN users u ON u.username = c.username
		WHERE i.access_key = $1 AND u.deleted_at IS NULL
	`

	var row credentialRow
	err := r.db.GetContext(ctx, &row, query, accessKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// ListByUser returns a user's credentials, newest first
func (r *CredentialRepository) ListByUser(ctx context.Context, username string) ([]*models.Credential, error) {
	query := `
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE username = $1
		ORDER BY created_at DESC
	`

	var rows []credentialRow
	if err := r.db.SelectContext(ctx, &rows, query, username); err != nil {
		return nil, err
	}

	creds := make([]*models.Credential, 0, len(rows))
	for i := range rows {
		creds = append(creds, rows[i].toModel())
	}
	return creds, nil
}

// Delete removes a credential and its reverse index entry. Returns false if
// the user has no credential with that name.
func (r *CredentialRepository) Delete(ctx context.Context, username, name string) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	var accessKey string
	err = tx.GetContext(ctx, &accessKey,
		`SELECT access_key FROM credentials WHERE username = $1 AND name = $2 FOR UPDATE`,
		username, name,
	)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM credential_index WHERE access_key = $1`, accessKey); err != nil {
		return false, fmt.Errorf("failed to delete credential index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE username = $1 AND name = $2`, username, name); err != nil {
		return false, fmt.Errorf("failed to delete credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteAllForUser removes every credential of a user and their index entries
func (r *CredentialRepository) DeleteAllForUser(ctx context.Context, username string) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM credential_index WHERE username = $1`, username); err != nil {
		return 0, fmt.Errorf("failed to delete credential index: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE username = $1`, username)
	if err != nil {
		return 0, fmt.Errorf("failed to delete credentials: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// DeleteExpired removes credentials whose expiry is at or before now
func (r *CredentialRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		DELETE FROM credential_index i
		USING credentials c
		WHERE c.username = i.username AND c.name = i.name
		  AND c.expires_at IS NOT NULL AND c.expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired credential index: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`DELETE FROM credentials WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired credentials: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}
