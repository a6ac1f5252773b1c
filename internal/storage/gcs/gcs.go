// Package gcs implements the Google Cloud Storage backend. Downloads use V4
// signed URLs and uploads use signed PUT URLs, so object bytes never pass
// through the platform. Supports Application Default Credentials, service
// account JSON keys and Workload Identity Federation.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	appconfig "github.com/neurodeploy/platform/internal/config"
	appstorage "github.com/neurodeploy/platform/internal/storage"
)

func init() {
	appstorage.Register("gcs", func(ctx context.Context, cfg *appconfig.Config, bucket string) (appstorage.ObjectStore, error) {
		return New(ctx, &cfg.Storage.GCS, bucket)
	})
}

// Store is one GCS bucket
type Store struct {
	client *storage.Client
	bucket string
}

// New creates a Google Cloud Storage store for bucket
//
// Authentication methods:
//   - "default" or empty: Application Default Credentials (ADC), including
//     GOOGLE_APPLICATION_CREDENTIALS, the GCE/GKE metadata service and
//     gcloud auth application-default login
//   - "service_account": a service account key file or JSON
//   - "workload_identity": Workload Identity Federation through ADC
func New(ctx context.Context, cfg *appconfig.GCSStorageConfig, bucket string) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

func clientOptions(cfg *appconfig.GCSStorageConfig) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	authMethod := cfg.AuthMethod
	if authMethod == "" {
		if cfg.CredentialsFile != "" || cfg.CredentialsJSON != "" {
			authMethod = "service_account"
		} else {
			authMethod = "default"
		}
	}

	switch authMethod {
	case "service_account":
		switch {
		case cfg.CredentialsJSON != "":
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		case cfg.CredentialsFile != "":
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		default:
			return nil, fmt.Errorf("credentials_file or credentials_json is required for service_account auth")
		}
	case "workload_identity", "default":
	default:
		return nil, fmt.Errorf("unsupported auth_method: %s (must be 'default', 'service_account', or 'workload_identity')", authMethod)
	}
	return opts, nil
}

// Close closes the GCS client
func (s *Store) Close() error {
	return s.client.Close()
}

// Bucket returns the bucket name
func (s *Store) Bucket() string { return s.bucket }

func (s *Store) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(key)
}

// Put stores an object
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	writer := s.object(key).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, r); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

// Get opens an object for reading
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := s.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", key, appstorage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	return reader, nil
}

// Delete removes an object
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// Exists reports whether an object is present
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if errors.Is(err, appstorage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Head returns an object's metadata
func (s *Store) Head(ctx context.Context, key string) (*appstorage.ObjectInfo, error) {
	attrs, err := s.object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", key, appstorage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get object metadata: %w", err)
	}
	return &appstorage.ObjectInfo{
		Key:          key,
		Size:         attrs.Size,
		ContentType:  attrs.ContentType,
		LastModified: attrs.Updated,
	}, nil
}

// signedURL requires credentials that can sign: a service account key, or
// ADC with the iam.serviceAccountTokenCreator role
func (s *Store) signedURL(method, key string, ttl time.Duration) (string, error) {
	u, err := s.client.Bucket(s.bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  method,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}
	return u, nil
}

// PresignGet returns a signed download URL
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.signedURL("GET", key, ttl)
}

// PresignUpload returns a signed PUT URL
func (s *Store) PresignUpload(ctx context.Context, key string, ttl time.Duration) (*appstorage.UploadTarget, error) {
	u, err := s.signedURL("PUT", key, ttl)
	if err != nil {
		return nil, err
	}
	return &appstorage.UploadTarget{URL: u, Method: "PUT"}, nil
}

// CopyFrom rewrites an object server-side when src is also a GCS store
func (s *Store) CopyFrom(ctx context.Context, src appstorage.ObjectStore, srcKey, dstKey string) (bool, error) {
	other, ok := src.(*Store)
	if !ok {
		return false, nil
	}
	if _, err := s.object(dstKey).CopierFrom(other.object(srcKey)).Run(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return true, fmt.Errorf("%s: %w", srcKey, appstorage.ErrNotFound)
		}
		return true, fmt.Errorf("failed to copy object: %w", err)
	}
	return true, nil
}
