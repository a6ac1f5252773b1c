// Package local implements the filesystem storage backend for development
// and single-node deployments. Every bucket is a directory under the base
// path. Presigned URLs are replaced by HMAC-signed links to the management
// API's /v1/files route, which serves downloads and accepts PUT uploads.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/neurodeploy/platform/internal/config"
	"github.com/neurodeploy/platform/internal/storage"
)

// FilesRoute is the management API prefix signed URLs point at
const FilesRoute = "/v1/files"

// ErrInvalidKey rejects keys that would escape the bucket directory
var ErrInvalidKey = errors.New("invalid object key")

func init() {
	storage.Register("local", func(_ context.Context, cfg *config.Config, bucket string) (storage.ObjectStore, error) {
		return New(cfg.Storage.Local.BasePath, bucket, cfg.Server.BaseURL, SignerFor(&cfg.Storage.Local))
	})
}

// Store is one bucket directory
type Store struct {
	bucket  string
	dir     string
	baseURL string
	signer  *Signer
}

// New creates the bucket directory under basePath
func New(basePath, bucket, baseURL string, signer *Signer) (*Store, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return nil, fmt.Errorf("invalid bucket name: %q", bucket)
	}
	dir := filepath.Join(basePath, bucket)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Store{
		bucket:  bucket,
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		signer:  signer,
	}, nil
}

// Bucket returns the bucket name
func (s *Store) Bucket() string { return s.bucket }

// fullPath maps key to a file inside the bucket directory
func (s *Store) fullPath(key string) (string, error) {
	if key == "" || strings.Contains(key, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean("/" + key)
	if clean == "/" || clean != "/"+strings.TrimSuffix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, filepath.FromSlash(clean[1:])), nil
}

// Put writes the object through a temporary file so readers never see a
// partial object
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	full, err := s.fullPath(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to store file: %w", err)
	}
	return nil
}

// Get opens an object for reading
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	full, err := s.fullPath(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete removes an object and any parent directories it leaves empty
func (s *Store) Delete(ctx context.Context, key string) error {
	full, err := s.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	for dir := filepath.Dir(full); dir != s.dir; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
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

// Head returns an object's metadata. The content type is derived from the
// key's extension.
func (s *Store) Head(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	full, err := s.fullPath(key)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get file metadata: %w", err)
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return &storage.ObjectInfo{
		Key:          key,
		Size:         stat.Size(),
		ContentType:  mime.TypeByExtension(path.Ext(key)),
		LastModified: stat.ModTime(),
	}, nil
}

func (s *Store) signedURL(method, key string, ttl time.Duration) (string, error) {
	if _, err := s.fullPath(key); err != nil {
		return "", err
	}
	expires := time.Now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", fmt.Sprintf("%d", expires))
	q.Set("signature", s.signer.Sign(method, s.bucket, key, expires))
	return fmt.Sprintf("%s%s/%s/%s?%s", s.baseURL, FilesRoute, s.bucket, escapeKey(key), q.Encode()), nil
}

// VerifyURL checks the expires and signature query values of a files route
// request for key
func (s *Store) VerifyURL(method, key string, expires int64, signature string) error {
	if _, err := s.fullPath(key); err != nil {
		return err
	}
	return s.signer.Verify(method, s.bucket, key, expires, signature)
}

// PresignGet returns a signed download link served by the files route
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.signedURL("GET", key, ttl)
}

// PresignUpload returns a signed PUT target served by the files route
func (s *Store) PresignUpload(ctx context.Context, key string, ttl time.Duration) (*storage.UploadTarget, error) {
	u, err := s.signedURL("PUT", key, ttl)
	if err != nil {
		return nil, err
	}
	return &storage.UploadTarget{URL: u, Method: "PUT"}, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
