// Package storage defines the ObjectStore interface shared by the models,
// staging and logs stores, and the registry that builds them from config.
//
// Backends register themselves from an init() function in their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(ctx context.Context, cfg *config.Config, bucket string) (storage.ObjectStore, error) {
//	        return NewMyBackend(ctx, cfg, bucket)
//	    })
//	}
//
// The main package imports each backend with a blank import to trigger init().
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned by Get and Head when the object does not exist
var ErrNotFound = errors.New("object not found")

// ObjectStore is one bucket of one backend. Keys are slash separated.
type ObjectStore interface {
	// Bucket names the bucket, container or directory the store writes to
	Bucket() string

	// Put stores the object, replacing any existing one
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Get opens the object for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the object is present
	Exists(ctx context.Context, key string) (bool, error)

	// Head returns the object's metadata without reading it
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// PresignGet returns a URL that downloads the object until ttl elapses
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	// PresignUpload returns a target a client can upload the object to
	// without credentials until ttl elapses
	PresignUpload(ctx context.Context, key string, ttl time.Duration) (*UploadTarget, error)
}

// ObjectInfo is the metadata of a stored object
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// UploadTarget tells a client how to upload one object. For form uploads
// (S3 presigned POST) Fields must be sent as multipart form fields before the
// file; for PUT uploads Headers must be set on the request.
type UploadTarget struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Fields  map[string]string `json:"fields,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Copier is implemented by backends that can copy an object from another
// store without streaming it through the process. CopyFrom reports false
// when src is not a store it can copy from.
type Copier interface {
	CopyFrom(ctx context.Context, src ObjectStore, srcKey, dstKey string) (bool, error)
}

// Move copies srcKey from src to dstKey in dst and then deletes the source.
// A server-side copy is used when dst supports it.
func Move(ctx context.Context, src, dst ObjectStore, srcKey, dstKey string) error {
	copied := false
	if c, ok := dst.(Copier); ok {
		var err error
		copied, err = c.CopyFrom(ctx, src, srcKey, dstKey)
		if err != nil {
			return fmt.Errorf("failed to copy %s/%s: %w", src.Bucket(), srcKey, err)
		}
	}

	if !copied {
		if err := streamCopy(ctx, src, dst, srcKey, dstKey); err != nil {
			return err
		}
	}

	if err := src.Delete(ctx, srcKey); err != nil {
		return fmt.Errorf("failed to delete %s/%s after copy: %w", src.Bucket(), srcKey, err)
	}
	return nil
}

func streamCopy(ctx context.Context, src, dst ObjectStore, srcKey, dstKey string) error {
	info, err := src.Head(ctx, srcKey)
	if err != nil {
		return fmt.Errorf("failed to stat %s/%s: %w", src.Bucket(), srcKey, err)
	}
	r, err := src.Get(ctx, srcKey)
	if err != nil {
		return fmt.Errorf("failed to read %s/%s: %w", src.Bucket(), srcKey, err)
	}
	defer r.Close()

	if err := dst.Put(ctx, dstKey, r, info.Size, info.ContentType); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", dst.Bucket(), dstKey, err)
	}
	return nil
}
