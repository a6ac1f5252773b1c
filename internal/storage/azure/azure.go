// Package azure implements the Azure Blob Storage backend. Downloads are
// served through time-limited SAS URLs and uploads through SAS-signed PUT
// targets, so archive bytes never pass through the platform. Each bucket
// is a container of the configured storage account.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/neurodeploy/platform/internal/config"
	"github.com/neurodeploy/platform/internal/storage"
)

func init() {
	storage.Register("azure", func(_ context.Context, cfg *config.Config, bucket string) (storage.ObjectStore, error) {
		return New(&cfg.Storage.Azure, bucket)
	})
}

// Store is one blob container
type Store struct {
	client     *azblob.Client
	container  string
	serviceURL string
	credential *azblob.SharedKeyCredential
}

// New creates a store for container using shared key authentication
func New(cfg *config.AzureStorageConfig, container string) (*Store, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if container == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return &Store{
		client:     client,
		container:  container,
		serviceURL: serviceURL,
		credential: credential,
	}, nil
}

// Bucket returns the container name
func (s *Store) Bucket() string { return s.container }

func isNotFound(err error) bool {
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}

func (s *Store) blobClient(key string) *blob.Client {
	return s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(key)
}

// Put stores an object. The body is buffered: Upload needs a seekable
// stream and archives are small.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}

	opts := &blockblob.UploadOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}

	blockClient := s.client.ServiceClient().NewContainerClient(s.container).NewBlockBlobClient(key)
	if _, err := blockClient.Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), opts); err != nil {
		return fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}
	return nil
}

// Get opens an object for reading
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.blobClient(key).DownloadStream(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to download from Azure Blob: %w", err)
	}
	return resp.Body, nil
}

// Delete removes an object
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.blobClient(key).Delete(ctx, nil); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete from Azure Blob: %w", err)
	}
	return nil
}

// Exists reports whether an object is present
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Head returns an object's metadata
func (s *Store) Head(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	props, err := s.blobClient(key).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get blob properties: %w", err)
	}

	info := &storage.ObjectInfo{Key: key}
	if props.ContentLength != nil {
		info.Size = *props.ContentLength
	}
	if props.ContentType != nil {
		info.ContentType = *props.ContentType
	}
	if props.LastModified != nil {
		info.LastModified = *props.LastModified
	}
	return info, nil
}

func (s *Store) sasURL(key string, perms sas.BlobPermissions, ttl time.Duration) (string, error) {
	if s.credential == nil {
		return "", fmt.Errorf("shared key credential is required for SAS URLs")
	}

	now := time.Now().UTC()
	params, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     now.Add(-5 * time.Minute), // clock skew
		ExpiryTime:    now.Add(ttl),
		Permissions:   perms.String(),
		ContainerName: s.container,
		BlobName:      key,
	}.SignWithSharedKey(s.credential)
	if err != nil {
		return "", fmt.Errorf("failed to generate SAS token: %w", err)
	}

	blobURL := fmt.Sprintf("%s%s/%s", strings.TrimSuffix(s.serviceURL, "/")+"/", s.container, escapeKey(key))
	return blobURL + "?" + params.Encode(), nil
}

// PresignGet returns a read-only SAS URL
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.sasURL(key, sas.BlobPermissions{Read: true}, ttl)
}

// PresignUpload returns a create/write SAS URL for a block blob PUT
func (s *Store) PresignUpload(ctx context.Context, key string, ttl time.Duration) (*storage.UploadTarget, error) {
	u, err := s.sasURL(key, sas.BlobPermissions{Create: true, Write: true}, ttl)
	if err != nil {
		return nil, err
	}
	return &storage.UploadTarget{
		URL:     u,
		Method:  "PUT",
		Headers: map[string]string{"x-ms-blob-type": "BlockBlob"},
	}, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
