// Package services holds the platform's business operations: accounts and
// credentials, the model registry and the usage log. Handlers and queue
// workers call into this package; persistence is reached through the narrow
// interfaces below, which the repositories implement.
package services

import (
	"context"
	"time"

	"github.com/neurodeploy/platform/internal/db/models"
	"github.com/neurodeploy/platform/internal/db/repositories"
	"github.com/neurodeploy/platform/internal/queue"
)

// UserStore persists accounts
type UserStore interface {
	Create(ctx context.Context, user *models.User, initial *models.Credential) error
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	SoftDelete(ctx context.Context, username string) (bool, error)
}

// CredentialStore persists access key credentials
type CredentialStore interface {
	Create(ctx context.Context, c *models.Credential) error
	ListByUser(ctx context.Context, username string) ([]*models.Credential, error)
	Delete(ctx context.Context, username, name string) (bool, error)
	DeleteAllForUser(ctx context.Context, username string) (int64, error)
}

// ProvisioningRecords lists a tenant's provisioning records
type ProvisioningRecords interface {
	ListByUser(ctx context.Context, username string) ([]*models.ProvisioningRecord, error)
}

// ModelStore persists model metadata
type ModelStore interface {
	Create(ctx context.Context, m *models.MLModel) error
	Get(ctx context.Context, username, modelName string) (*models.MLModel, error)
	GetByStagingKey(ctx context.Context, key string) (*models.MLModel, bool, error)
	ListByUser(ctx context.Context, username string) ([]*models.MLModel, error)
	MarkUploaded(ctx context.Context, username, modelName, location string) (bool, error)
	SetPreprocessingLocation(ctx context.Context, username, modelName, location string) (bool, error)
	SoftDelete(ctx context.Context, username, modelName string) (bool, error)
	SoftDeleteAllForUser(ctx context.Context, username string) (int64, error)
}

// ModelKeyStore persists model API keys
type ModelKeyStore interface {
	Create(ctx context.Context, key *models.ModelAPIKey) error
	ListByUser(ctx context.Context, username string) ([]*models.ModelAPIKey, error)
	Delete(ctx context.Context, username, id string) (bool, error)
	DeleteForModel(ctx context.Context, username, modelName string) (int64, error)
	DeleteAllForUser(ctx context.Context, username string) (int64, error)
}

// UsageStore reads the usage log
type UsageStore interface {
	Get(ctx context.Context, username, modelName string, invokedAt time.Time) (*models.UsageRecord, error)
	List(ctx context.Context, username, modelName string, q repositories.UsageQuery) ([]*models.UsageRecord, error)
}

// TaskQueue schedules tenant workflows
type TaskQueue interface {
	EnqueueProvision(ctx context.Context, p queue.ProvisionPayload) error
	EnqueueTeardown(ctx context.Context, p queue.TeardownPayload) error
}
