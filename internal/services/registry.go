package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neurodeploy/platform/internal/apperr"
	"github.com/neurodeploy/platform/internal/auth"
	"github.com/neurodeploy/platform/internal/db/models"
	"github.com/neurodeploy/platform/internal/db/repositories"
	"github.com/neurodeploy/platform/internal/storage"
)

// Supported model libraries and artifact types
var (
	libraries = []string{"scikit-learn", "tensorflow"}
	filetypes = []string{"h5", "joblib", "pickle"}
	// compatible lists the (library, filetype) pairs the execution backend loads
	compatible = map[[2]string]bool{
		{"tensorflow", "h5"}:       true,
		{"scikit-learn", "joblib"}: true,
		{"scikit-learn", "pickle"}: true,
	}
)

const defaultUploadURLTTL = time.Hour

// RegisterModelInput describes a model registration request
type RegisterModelInput struct {
	Username         string
	ModelName        string
	Library          string
	Filetype         string
	IsPublic         bool
	HasPreprocessing bool
}

// Registration is returned by RegisterModel
type Registration struct {
	Message       string                `json:"message"`
	Model         *storage.UploadTarget `json:"model"`
	Preprocessing *storage.UploadTarget `json:"preprocessing,omitempty"`
}

// ModelView is a model as shown to its owner
type ModelView struct {
	ModelName        string    `json:"model_name"`
	Library          string    `json:"library"`
	Filetype         string    `json:"filetype"`
	IsPublic         bool      `json:"is_public"`
	IsUploaded       bool      `json:"is_uploaded"`
	HasPreprocessing bool      `json:"has_preprocessing"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func viewOf(m *models.MLModel) ModelView {
	return ModelView{
		ModelName:        m.ModelName,
		Library:          m.Library,
		Filetype:         m.Filetype,
		IsPublic:         m.IsPublic,
		IsUploaded:       m.IsUploaded,
		HasPreprocessing: m.PreprocessingStagingKey != nil,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

// ModelDeletion reports the independent steps of DeleteModel
type ModelDeletion struct {
	ModelDeleted   bool   `json:"model_deleted"`
	APIKeysDeleted int64  `json:"api_keys_deleted"`
	APIKeysError   string `json:"api_keys_error,omitempty"`
}

// IssuedModelAPIKey is a model API key with its plaintext value, returned once
type IssuedModelAPIKey struct {
	ID          string     `json:"id"`
	ModelName   string     `json:"model_name"`
	APIKey      string     `json:"api_key"`
	Description *string    `json:"description,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// ModelAPIKeyView is a model API key without its value
type ModelAPIKeyView struct {
	ID          string     `json:"id"`
	ModelName   string     `json:"model_name"`
	Last8       string     `json:"last8"`
	Description *string    `json:"description,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Expired     bool       `json:"expired"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Registry manages model metadata, artifacts and model API keys
type Registry struct {
	models    ModelStore
	keys      ModelKeyStore
	staging   storage.ObjectStore
	artifacts storage.ObjectStore
	uploadTTL time.Duration
	now       func() time.Time
}

// NewRegistry creates a Registry. Uploads are presigned against staging and
// moved into artifacts once they land.
func NewRegistry(modelStore ModelStore, keys ModelKeyStore, staging, artifacts storage.ObjectStore, uploadTTL time.Duration) *Registry {
	if uploadTTL <= 0 {
		uploadTTL = defaultUploadURLTTL
	}
	return &Registry{
		models:    modelStore,
		keys:      keys,
		staging:   staging,
		artifacts: artifacts,
		uploadTTL: uploadTTL,
		now:       time.Now,
	}
}

// ArtifactKey is the models store key of a model artifact
func ArtifactKey(username, modelName string) string {
	return username + "/" + modelName
}

// PreprocessingKey is the models store key of a model's preprocessing script
func PreprocessingKey(username, modelName string) string {
	return ArtifactKey(username, modelName) + ".preprocessing"
}

func validateModel(in RegisterModelInput) error {
	var problems []string
	switch {
	case in.Library == "":
		problems = append(problems, fmt.Sprintf("Missing param: 'lib' must be one of %s", strings.Join(libraries, ", ")))
	case !contains(libraries, in.Library):
		problems = append(problems, fmt.Sprintf("Invalid value for param 'lib': 'lib' must be one of %s", strings.Join(libraries, ", ")))
	}
	switch {
	case in.Filetype == "":
		problems = append(problems, fmt.Sprintf("Missing param: 'filetype' must be one of %s", strings.Join(filetypes, ", ")))
	case !contains(filetypes, in.Filetype):
		problems = append(problems, fmt.Sprintf("Invalid value for param 'filetype': 'filetype' must be one of %s", strings.Join(filetypes, ", ")))
	}
	if !compatible[[2]string{in.Library, in.Filetype}] {
		problems = append(problems, "Invalid (lib, filetype) pair: (lib, filetype) must be one of (tensorflow, h5), (scikit-learn, joblib), (scikit-learn, pickle)")
	}
	if !resourceNamePattern.MatchString(in.ModelName) {
		problems = append(problems, "Invalid model name: Only alphanumeric characters [A-Za-z0-9], hyphens ('-'), and underscores ('_') are allowed.")
	}
	if len(problems) > 0 {
		return apperr.Validation(problems...)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// RegisterModel validates a model, records a placeholder and returns the
// upload targets for its artifact and optional preprocessing script
func (r *Registry) RegisterModel(ctx context.Context, in RegisterModelInput) (*Registration, error) {
	if err := validateModel(in); err != nil {
		return nil, err
	}

	m := &models.MLModel{
		Username:   in.Username,
		ModelName:  in.ModelName,
		Library:    in.Library,
		Filetype:   in.Filetype,
		IsPublic:   in.IsPublic,
		StagingKey: uuid.New().String(),
	}
	if in.HasPreprocessing {
		key := uuid.New().String()
		m.PreprocessingStagingKey = &key
	}

	if err := r.models.Create(ctx, m); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, apperr.AlreadyExists(fmt.Sprintf("A model named %q already exists.", in.ModelName))
		}
		return nil, fmt.Errorf("failed to create model: %w", err)
	}

	reg := &Registration{
		Message: fmt.Sprintf("Please upload your %s %s model to complete the process.", in.Library, in.Filetype),
	}
	var err error
	if reg.Model, err = r.staging.PresignUpload(ctx, m.StagingKey, r.uploadTTL); err != nil {
		return nil, fmt.Errorf("failed to presign model upload: %w", err)
	}
	if m.PreprocessingStagingKey != nil {
		reg.Message = fmt.Sprintf("Please upload your %s %s model and preprocessing function to complete the process.", in.Library, in.Filetype)
		if reg.Preprocessing, err = r.staging.PresignUpload(ctx, *m.PreprocessingStagingKey, r.uploadTTL); err != nil {
			return nil, fmt.Errorf("failed to presign preprocessing upload: %w", err)
		}
	}

	slog.Info("model registered", "username", in.Username, "model", in.ModelName, "staging_key", m.StagingKey)
	return reg, nil
}

// MarkUploaded records that a model's artifact is at location. Marking an
// uploaded model again is a no-op.
func (r *Registry) MarkUploaded(ctx context.Context, username, modelName, location string) error {
	ok, err := r.models.MarkUploaded(ctx, username, modelName, location)
	if err != nil {
		return fmt.Errorf("failed to mark model uploaded: %w", err)
	}
	if ok {
		return nil
	}
	// nothing changed: either already uploaded or no live model
	m, err := r.liveModel(ctx, username, modelName)
	if err != nil {
		return err
	}
	if !m.IsUploaded {
		return apperr.New(apperr.KindUpstreamUnavailable, fmt.Sprintf("model %q was not marked uploaded", modelName))
	}
	return nil
}

// HandleStagedObject moves an object uploaded to the staging store into the
// models store and records its location. Redelivered events for an object
// that was already moved succeed without changes.
func (r *Registry) HandleStagedObject(ctx context.Context, bucket, key string) error {
	if bucket != "" && bucket != r.staging.Bucket() {
		return apperr.Validation(fmt.Sprintf("object %s/%s is not in the staging bucket", bucket, key))
	}

	m, preprocessing, err := r.models.GetByStagingKey(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to resolve staging key: %w", err)
	}
	if m == nil {
		slog.Warn("staged object has no model", "bucket", bucket, "key", key)
		return apperr.Validation("no model for staging key " + key)
	}

	dst := ArtifactKey(m.Username, m.ModelName)
	if preprocessing {
		dst = PreprocessingKey(m.Username, m.ModelName)
	}

	if err := storage.Move(ctx, r.staging, r.artifacts, key, dst); err != nil {
		moved, checkErr := r.alreadyMoved(ctx, key, dst)
		if checkErr != nil || !moved {
			return apperr.Wrap(err, apperr.KindUpstreamUnavailable, "failed to move staged object")
		}
	}

	if preprocessing {
		if _, err := r.models.SetPreprocessingLocation(ctx, m.Username, m.ModelName, dst); err != nil {
			return fmt.Errorf("failed to record preprocessing location: %w", err)
		}
	} else if err := r.MarkUploaded(ctx, m.Username, m.ModelName, dst); err != nil {
		return err
	}

	slog.Info("model artifact stored", "username", m.Username, "model", m.ModelName, "key", dst, "preprocessing", preprocessing)
	return nil
}

func (r *Registry) alreadyMoved(ctx context.Context, srcKey, dstKey string) (bool, error) {
	inStaging, err := r.staging.Exists(ctx, srcKey)
	if err != nil || inStaging {
		return false, err
	}
	return r.artifacts.Exists(ctx, dstKey)
}

// liveModel returns a model that exists and is not deleted
func (r *Registry) liveModel(ctx context.Context, username, modelName string) (*models.MLModel, error) {
	m, err := r.models.Get(ctx, username, modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	if m == nil || m.IsDeleted {
		return nil, apperr.NotFound(fmt.Sprintf("model %q not found", modelName))
	}
	return m, nil
}

// GetModel returns one live model
func (r *Registry) GetModel(ctx context.Context, username, modelName string) (*ModelView, error) {
	m, err := r.liveModel(ctx, username, modelName)
	if err != nil {
		return nil, err
	}
	v := viewOf(m)
	return &v, nil
}

// ListModels returns a tenant's live models
func (r *Registry) ListModels(ctx context.Context, username string) ([]ModelView, error) {
	list, err := r.models.ListByUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	out := make([]ModelView, 0, len(list))
	for _, m := range list {
		out = append(out, viewOf(m))
	}
	return out, nil
}

// DeleteModel soft-deletes a model, first removing its API keys when
// deleteAPIKeys is set. Key removal failing does not stop the model from
// being deleted; it is reported in the result.
func (r *Registry) DeleteModel(ctx context.Context, username, modelName string, deleteAPIKeys bool) (*ModelDeletion, error) {
	if _, err := r.liveModel(ctx, username, modelName); err != nil {
		return nil, err
	}

	res := &ModelDeletion{}
	if deleteAPIKeys {
		n, err := r.keys.DeleteForModel(ctx, username, modelName)
		if err != nil {
			slog.Error("failed to delete model api keys", "username", username, "model", modelName, "error", err)
			res.APIKeysError = "An error occurred when deleting the API keys associated with the model."
		}
		res.APIKeysDeleted = n
	}

	ok, err := r.models.SoftDelete(ctx, username, modelName)
	if err != nil {
		return res, fmt.Errorf("failed to delete model: %w", err)
	}
	res.ModelDeleted = ok
	return res, nil
}

// IssueModelAPIKey creates a key for one model, or for every model of the
// tenant when modelName is "*". expiresAfterMinutes of zero or less means
// the key does not expire.
func (r *Registry) IssueModelAPIKey(ctx context.Context, username, modelName string, description *string, expiresAfterMinutes int) (*IssuedModelAPIKey, error) {
	if modelName != models.WildcardModel {
		if _, err := r.liveModel(ctx, username, modelName); err != nil {
			return nil, err
		}
	}

	key, hash, last8 := auth.GenerateModelAPIKey()
	rec := &models.ModelAPIKey{
		Username:    username,
		ModelName:   modelName,
		KeyHash:     hash,
		Last8:       last8,
		Description: description,
	}
	if expiresAfterMinutes > 0 {
		exp := r.now().UTC().Add(time.Duration(expiresAfterMinutes) * time.Minute)
		rec.ExpiresAt = &exp
	}
	if err := r.keys.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}

	return &IssuedModelAPIKey{
		ID:          rec.ID,
		ModelName:   modelName,
		APIKey:      key,
		Description: description,
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}

// ListModelAPIKeys returns a tenant's keys, optionally only those that
// apply to modelName
func (r *Registry) ListModelAPIKeys(ctx context.Context, username, modelName string) ([]ModelAPIKeyView, error) {
	keys, err := r.keys.ListByUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	now := r.now()
	out := make([]ModelAPIKeyView, 0, len(keys))
	for _, k := range keys {
		if modelName != "" && !k.AppliesTo(modelName) {
			continue
		}
		out = append(out, ModelAPIKeyView{
			ID:          k.ID,
			ModelName:   k.ModelName,
			Last8:       k.Last8,
			Description: k.Description,
			ExpiresAt:   k.ExpiresAt,
			Expired:     k.IsExpired(now),
			CreatedAt:   k.CreatedAt,
		})
	}
	return out, nil
}

// RevokeModelAPIKey deletes one key
func (r *Registry) RevokeModelAPIKey(ctx context.Context, username, id string) error {
	ok, err := r.keys.Delete(ctx, username, id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	if !ok {
		return apperr.NotFound("api key not found")
	}
	return nil
}
