// Package s3 implements the S3 storage backend. Client uploads go straight
// to the bucket through presigned POST forms and downloads use presigned
// GET URLs, so artifact bytes never pass through the platform. Credentials
// come from the shared AWS configuration; a custom endpoint (LocalStack,
// MinIO) switches to path-style addressing.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	cloudaws "github.com/neurodeploy/platform/internal/cloud/aws"
	appconfig "github.com/neurodeploy/platform/internal/config"
	"github.com/neurodeploy/platform/internal/storage"
)

func init() {
	storage.Register("s3", func(ctx context.Context, cfg *appconfig.Config, bucket string) (storage.ObjectStore, error) {
		awsCfg, err := cloudaws.LoadConfig(ctx, &cfg.AWS)
		if err != nil {
			return nil, err
		}
		return New(awsCfg, bucket, cfg.Storage.S3.UsePathStyle || cfg.AWS.Endpoint != "")
	})
}

// Store is one S3 bucket
type Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
}

// New creates a store for bucket
func New(awsCfg aws.Config, bucket string, usePathStyle bool) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket name is required")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})

	return &Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        bucket,
	}, nil
}

// Bucket returns the bucket name
func (s *Store) Bucket() string { return s.bucket }

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var ae smithy.APIError
	return errors.As(err, &ae) && (ae.ErrorCode() == "NotFound" || ae.ErrorCode() == "NoSuchKey")
}

// Put stores an object
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// Get opens an object for reading
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	return result.Body, nil
}

// Delete removes an object
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

// Exists reports whether an object is present
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Head returns an object's metadata
func (s *Store) Head(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get object metadata: %w", err)
	}

	info := &storage.ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(result.ContentLength),
		ContentType: aws.ToString(result.ContentType),
	}
	if result.LastModified != nil {
		info.LastModified = *result.LastModified
	}
	return info, nil
}

// PresignGet returns a presigned download URL. The object is not checked:
// a URL for a missing key fails when used.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	request, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return request.URL, nil
}

// PresignUpload returns a presigned POST form for key
func (s *Store) PresignUpload(ctx context.Context, key string, ttl time.Duration) (*storage.UploadTarget, error) {
	post, err := s.presignClient.PresignPostObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignPostOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate presigned POST: %w", err)
	}
	return &storage.UploadTarget{
		URL:    post.URL,
		Method: "POST",
		Fields: post.Values,
	}, nil
}

// CopyFrom copies an object server-side when src is also an S3 store
func (s *Store) CopyFrom(ctx context.Context, src storage.ObjectStore, srcKey, dstKey string) (bool, error) {
	other, ok := src.(*Store)
	if !ok {
		return false, nil
	}
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(other.bucket, srcKey)),
	})
	if err != nil {
		if isNotFound(err) {
			return true, fmt.Errorf("%s: %w", srcKey, storage.ErrNotFound)
		}
		return true, fmt.Errorf("failed to copy object: %w", err)
	}
	return true, nil
}

// copySource URL-encodes each key segment; the separators stay literal
func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}
