package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/neurodeploy/platform/internal/db/models"
)

// ModelAPIKeyRepository handles model_api_keys database operations
type ModelAPIKeyRepository struct {
	db *sqlx.DB
}

// NewModelAPIKeyRepository creates a new ModelAPIKeyRepository
func NewModelAPIKeyRepository(db *sqlx.DB) *ModelAPIKeyRepository {
	return &ModelAPIKeyRepository{db: db}
}

const modelAPIKeyColumns = `id, username, model_name, key_hash, last8, description, expires_at, created_at`

type modelAPIKeyRow struct {
	ID          string     `db:"id"`
	Username    string     `db:"username"`
	ModelName   string     `db:"model_name"`
	KeyHash     string     `db:"key_hash"`
	Last8       string     `db:"last8"`
	Description *string    `db:"description"`
	ExpiresAt   *time.Time `db:"expires_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

// Create stores a new key. ID and CreatedAt are assigned here.
func (r *ModelAPIKeyRepository) Create(ctx context.Context, key *models.ModelAPIKey) error {
	key.ID = uuid.New().String()
	key.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO model_api_keys (`+modelAPIKeyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		key.ID,
		key.Username,
		key.ModelName,
		key.KeyHash,
		key.Last8,
		key.Description,
		key.ExpiresAt,
		key.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// ListForModel returns the keys that grant access to a model: those scoped
// to it and the owner's wildcard keys. Expired keys are included; callers
// decide how to treat them.
func (r *ModelAPIKeyRepository) ListForModel(ctx context.Context, username, modelName string) ([]*models.ModelAPIKey, error) {
	return r.list(ctx, `
		SELECT `+modelAPIKeyColumns+` FROM model_api_keys
		WHERE username = $1 AND (model_name = $2 OR model_name = '*')
		ORDER BY created_at DESC
	`, username, modelName)
}

// ListByUser returns every key of a user
func (r *ModelAPIKeyRepository) ListByUser(ctx context.Context, username string) ([]*models.ModelAPIKey, error) {
	return r.list(ctx, `
		SELECT `+modelAPIKeyColumns+` FROM model_api_keys
		WHERE username = $1
		ORDER BY created_at DESC
	`, username)
}

func (r *ModelAPIKeyRepository) list(ctx context.Context, query string, args ...any) ([]*models.ModelAPIKey, error) {
	var rows []modelAPIKeyRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	keys := make([]*models.ModelAPIKey, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, &models.ModelAPIKey{
			ID:          row.ID,
			Username:    row.Username,
			ModelName:   row.ModelName,
			KeyHash:     row.KeyHash,
			Last8:       row.Last8,
			Description: row.Description,
			ExpiresAt:   row.ExpiresAt,
			CreatedAt:   row.CreatedAt,
		})
	}
	return keys, nil
}

// Delete removes one key of a user. Returns false if none matched.
func (r *ModelAPIKeyRepository) Delete(ctx context.Context, username, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM model_api_keys WHERE username = $1 AND id = $2`, username, id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteForModel removes every key scoped to a model. Wildcard keys are kept.
func (r *ModelAPIKeyRepository) DeleteForModel(ctx context.Context, username, modelName string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM model_api_keys WHERE username = $1 AND model_name = $2`, username, modelName)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteAllForUser removes every key of a user
func (r *ModelAPIKeyRepository) DeleteAllForUser(ctx context.Context, username string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM model_api_keys WHERE username = $1`, username)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteExpired removes keys whose expiry is at or before now
func (r *ModelAPIKeyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM model_api_keys WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
