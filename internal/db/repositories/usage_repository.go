package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/neurodeploy/platform/internal/db/models"
)

// UsageRepository is the append-only usage log
type UsageRepository struct {
	db *sqlx.DB
}

// NewUsageRepository creates a new UsageRepository
func NewUsageRepository(db *sqlx.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// UsageQuery selects a page of a model's usage timeline
type UsageQuery struct {
	Limit      int
	Descending bool
	// From bounds the page start; nil starts at the beginning (or end, when
	// Descending) of the timeline
	From      *time.Time
	Inclusive bool
}

type usageRow struct {
	Username   string    `db:"username"`
	ModelName  string    `db:"model_name"`
	InvokedAt  time.Time `db:"invoked_at"`
	StatusCode int       `db:"status_code"`
	DurationMS int64     `db:"duration_ms"`
	Location   string    `db:"location"`
	Input      *string   `db:"input"`
	Output     *string   `db:"output"`
	Error      *string   `db:"error"`
}

func (r *usageRow) toModel() *models.UsageRecord {
	return &models.UsageRecord{
		Username:   r.Username,
		ModelName:  r.ModelName,
		InvokedAt:  r.InvokedAt.UTC(),
		StatusCode: r.StatusCode,
		DurationMS: r.DurationMS,
		Location:   r.Location,
		Input:      r.Input,
		Output:     r.Output,
		Error:      r.Error,
	}
}

const usageColumns = `username, model_name, invoked_at, status_code, duration_ms, location, input, output, error`

// Append inserts a record. Returns ErrDuplicate when a record with the same
// timestamp already exists for the model.
func (r *UsageRepository) Append(ctx context.Context, rec *models.UsageRecord) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO usage_records (`+usageColumns+`)
		VALUES (:username, :model_name, :invoked_at, :status_code, :duration_ms, :location, :input, :output, :error)
	`, usageRow{
		Username:   rec.Username,
		ModelName:  rec.ModelName,
		InvokedAt:  rec.InvokedAt.UTC(),
		StatusCode: rec.StatusCode,
		DurationMS: rec.DurationMS,
		Location:   rec.Location,
		Input:      rec.Input,
		Output:     rec.Output,
		Error:      rec.Error,
	})
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Get retrieves one record. Returns nil if absent.
func (r *UsageRepository) Get(ctx context.Context, username, modelName string, invokedAt time.Time) (*models.UsageRecord, error) {
	var row usageRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+usageColumns+` FROM usage_records
		 WHERE username = $1 AND model_name = $2 AND invoked_at = $3`,
		username, modelName, invokedAt.UTC(),
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// List returns up to q.Limit records of a model in timestamp order
func (r *UsageRepository) List(ctx context.Context, username, modelName string, q UsageQuery) ([]*models.UsageRecord, error) {
	query := `SELECT ` + usageColumns + ` FROM usage_records WHERE username = $1 AND model_name = $2`
	args := []any{username, modelName}

	if q.From != nil {
		op := ">"
		if q.Descending {
			op = "<"
		}
		if q.Inclusive {
			op += "="
		}
		args = append(args, q.From.UTC())
		query += fmt.Sprintf(` AND invoked_at %s $%d`, op, len(args))
	}

	if q.Descending {
		query += ` ORDER BY invoked_at DESC`
	} else {
		query += ` ORDER BY invoked_at ASC`
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var rows []usageRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*models.UsageRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}
