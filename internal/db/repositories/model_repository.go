package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/neurodeploy/platform/internal/db/models"
)

// ModelRepository handles ml_models database operations
type ModelRepository struct {
	db *sqlx.DB
}

// NewModelRepository creates a new ModelRepository
func NewModelRepository(db *sqlx.DB) *ModelRepository {
	return &ModelRepository{db: db}
}

const mlModelColumns = `username, model_name, library, filetype, is_public, is_uploaded, is_deleted,
	staging_key, location, preprocessing_staging_key, preprocessing_location, created_at, updated_at`

type mlModelRow struct {
	Username                string    `db:"username"`
	ModelName               string    `db:"model_name"`
	Library                 string    `db:"library"`
	Filetype                string    `db:"filetype"`
	IsPublic                bool      `db:"is_public"`
	IsUploaded              bool      `db:"is_uploaded"`
	IsDeleted               bool      `db:"is_deleted"`
	StagingKey              string    `db:"staging_key"`
	Location                *string   `db:"location"`
	PreprocessingStagingKey *string   `db:"preprocessing_staging_key"`
	PreprocessingLocation   *string   `db:"preprocessing_location"`
	CreatedAt               time.Time `db:"created_at"`
	UpdatedAt               time.Time `db:"updated_at"`
}

func (r *mlModelRow) toModel() *models.MLModel {
	return &models.MLModel{
		Username:                r.Username,
		ModelName:               r.ModelName,
		Library:                 r.Library,
		Filetype:                r.Filetype,
		IsPublic:                r.IsPublic,
		IsUploaded:              r.IsUploaded,
		IsDeleted:               r.IsDeleted,
		StagingKey:              r.StagingKey,
		Location:                r.Location,
		PreprocessingStagingKey: r.PreprocessingStagingKey,
		PreprocessingLocation:   r.PreprocessingLocation,
		CreatedAt:               r.CreatedAt,
		UpdatedAt:               r.UpdatedAt,
	}
}

// Create inserts a placeholder model. A soft-deleted model with the same name
// is replaced; a live one makes Create return ErrDuplicate.
func (r *ModelRepository) Create(ctx context.Context, m *models.MLModel) error {
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	query := `
		INSERT INTO ml_models (` + mlModelColumns + `)
		VALUES ($1, $2, $3, $4, $5, FALSE, FALSE, $6, NULL, $7, NULL, $8, $8)
		ON CONFLICT (username, model_name) DO UPDATE SET
			library = EXCLUDED.library,
			filetype = EXCLUDED.filetype,
			is_public = EXCLUDED.is_public,
			is_uploaded = FALSE,
			is_deleted = FALSE,
			staging_key = EXCLUDED.staging_key,
			location = NULL,
			preprocessing_staging_key = EXCLUDED.preprocessing_staging_key,
			preprocessing_location = NULL,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at
		WHERE ml_models.is_deleted
	`
	result, err := r.db.ExecContext(ctx, query,
		m.Username,
		m.ModelName,
		m.Library,
		m.Filetype,
		m.IsPublic,
		m.StagingKey,
		m.PreprocessingStagingKey,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	m.IsUploaded = false
	m.IsDeleted = false
	return nil
}

// Get retrieves a model, including soft-deleted ones. Returns nil if absent.
func (r *ModelRepository) Get(ctx context.Context, username, modelName string) (*models.MLModel, error) {
	var row mlModelRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+mlModelColumns+` FROM ml_models WHERE username = $1 AND model_name = $2`,
		username, modelName,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// GetByStagingKey finds the model an uploaded staging object belongs to.
// preprocessing is true when key is the model's preprocessing script.
func (r *ModelRepository) GetByStagingKey(ctx context.Context, key string) (m *models.MLModel, preprocessing bool, err error) {
	var row mlModelRow
	err = r.db.GetContext(ctx, &row,
		`SELECT `+mlModelColumns+` FROM ml_models
		 WHERE (staging_key = $1 OR preprocessing_staging_key = $1) AND NOT is_deleted`,
		key,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	m = row.toModel()
	return m, m.StagingKey != key, nil
}

// ListByUser returns a user's live models ordered by name
func (r *ModelRepository) ListByUser(ctx context.Context, username string) ([]*models.MLModel, error) {
	var rows []mlModelRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+mlModelColumns+` FROM ml_models
		 WHERE username = $1 AND NOT is_deleted
		 ORDER BY model_name`,
		username,
	)
	if err != nil {
		return nil, err
	}
	out := make([]*models.MLModel, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// MarkUploaded records the artifact location of a live model. It returns
// false when nothing changed, either because the model is already uploaded
// or because no live model matched.
func (r *ModelRepository) MarkUploaded(ctx context.Context, username, modelName, location string) (bool, error) {
	return r.update(ctx, `
		UPDATE ml_models SET is_uploaded = TRUE, location = $3, updated_at = $4
		WHERE username = $1 AND model_name = $2 AND NOT is_deleted AND NOT is_uploaded
	`, username, modelName, location, time.Now().UTC())
}

// SetPreprocessingLocation records where a model's preprocessing script lives
func (r *ModelRepository) SetPreprocessingLocation(ctx context.Context, username, modelName, location string) (bool, error) {
	return r.update(ctx, `
		UPDATE ml_models SET preprocessing_location = $3, updated_at = $4
		WHERE username = $1 AND model_name = $2 AND NOT is_deleted
		  AND preprocessing_location IS DISTINCT FROM $3
	`, username, modelName, location, time.Now().UTC())
}

// SoftDelete flags a live model as deleted. Returns false if none matched.
func (r *ModelRepository) SoftDelete(ctx context.Context, username, modelName string) (bool, error) {
	return r.update(ctx, `
		UPDATE ml_models SET is_deleted = TRUE, updated_at = $3
		WHERE username = $1 AND model_name = $2 AND NOT is_deleted
	`, username, modelName, time.Now().UTC())
}

// SoftDeleteAllForUser flags every live model of a user as deleted
func (r *ModelRepository) SoftDeleteAllForUser(ctx context.Context, username string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE ml_models SET is_deleted = TRUE, updated_at = $2 WHERE username = $1 AND NOT is_deleted`,
		username, time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *ModelRepository) update(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
