package models

import "time"

// MLModel is a tenant's registered model. The row is created as a
// placeholder when an upload target is requested and flipped to uploaded
// once the artifact lands in the models store.
type MLModel struct {
	Username  string
	ModelName string // Unique per user among live models
	Library   string // e.g. "tensorflow", "scikit-learn"
	Filetype  string // e.g. "h5", "joblib", "pickle"
	IsPublic  bool
	// IsUploaded is set by the storage staging trigger
	IsUploaded bool
	// IsDeleted marks a soft-deleted model; usage records keep referencing it
	IsDeleted bool
	// StagingKey is the staging store object the client uploads to
	StagingKey string
	// Location is the models store key once the artifact has been moved
	Location *string
	// Preprocessing script, optional
	PreprocessingStagingKey *string
	PreprocessingLocation   *string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}
