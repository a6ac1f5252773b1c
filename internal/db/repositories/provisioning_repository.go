package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/neurodeploy/platform/internal/db/models"
)

// ProvisioningRepository stores provisioning records. Records are always
// written whole; there are no partial-field updates.
type ProvisioningRepository struct {
	db *sqlx.DB
}

// NewProvisioningRepository creates a new ProvisioningRepository
func NewProvisioningRepository(db *sqlx.DB) *ProvisioningRepository {
	return &ProvisioningRepository{db: db}
}

const provisioningColumns = `username, region, domain, step, resources, failures, updated_at`

type provisioningRow struct {
	Username  string    `db:"username"`
	Region    string    `db:"region"`
	Domain    string    `db:"domain"`
	Step      string    `db:"step"`
	Resources []byte    `db:"resources"`
	Failures  []byte    `db:"failures"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *provisioningRow) toRecord() (*models.ProvisioningRecord, error) {
	rec := &models.ProvisioningRecord{
		Username:  r.Username,
		Region:    r.Region,
		Domain:    r.Domain,
		Step:      r.Step,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Resources) > 0 {
		if err := json.Unmarshal(r.Resources, &rec.Resources); err != nil {
			return nil, fmt.Errorf("failed to decode resources: %w", err)
		}
	}
	if len(r.Failures) > 0 {
		if err := json.Unmarshal(r.Failures, &rec.Failures); err != nil {
			return nil, fmt.Errorf("failed to decode failures: %w", err)
		}
	}
	return rec, nil
}

// Get retrieves the record for a tenant and region. Returns nil if absent.
func (r *ProvisioningRepository) Get(ctx context.Context, username, region string) (*models.ProvisioningRecord, error) {
	query := `
		SELECT ` + provisioningColumns + `
		FROM provisioning_records
		WHERE username = $1 AND region = $2
	`
	var row provisioningRow
	err := r.db.GetContext(ctx, &row, query, username, region)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toRecord()
}

// ListByUser returns every record of a tenant, one per region
func (r *ProvisioningRepository) ListByUser(ctx context.Context, username string) ([]*models.ProvisioningRecord, error) {
	query := `
		SELECT ` + provisioningColumns + `
		FROM provisioning_records
		WHERE username = $1
		ORDER BY region
	`
	var rows []provisioningRow
	if err := r.db.SelectContext(ctx, &rows, query, username); err != nil {
		return nil, err
	}

	records := make([]*models.ProvisioningRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Save upserts the full record
func (r *ProvisioningRepository) Save(ctx context.Context, rec *models.ProvisioningRecord) error {
	resources, err := json.Marshal(rec.Resources)
	if err != nil {
		return fmt.Errorf("failed to encode resources: %w", err)
	}
	failures := rec.Failures
	if failures == nil {
		failures = map[string]string{}
	}
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return fmt.Errorf("failed to encode failures: %w", err)
	}
	rec.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO provisioning_records (` + provisioningColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (username, region) DO UPDATE SET
			domain = EXCLUDED.domain,
			step = EXCLUDED.step,
			resources = EXCLUDED.resources,
			failures = EXCLUDED.failures,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.Username,
		rec.Region,
		rec.Domain,
		rec.Step,
		resources,
		failuresJSON,
		rec.UpdatedAt,
	)
	return err
}

// Delete removes a record. Deleting an absent record is not an error.
func (r *ProvisioningRepository) Delete(ctx context.Context, username, region string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM provisioning_records WHERE username = $1 AND region = $2`, username, region)
	return err
}
