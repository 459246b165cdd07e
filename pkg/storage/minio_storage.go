package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioOptions configures a MinioStorage.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool

	// PublicBase is the browser-accessible base URL for objects. When empty,
	// the endpoint URL is used with path-style addressing.
	PublicBase string
}

// MinioStorage implements ObjectStore on any S3-compatible endpoint.
type MinioStorage struct {
	client     *minio.Client
	publicBase string
}

// NewMinioStorage creates a MinIO client for the configured endpoint.
func NewMinioStorage(opts MinioOptions) (*MinioStorage, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:       opts.UseSSL,
		Region:       opts.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	publicBase := opts.PublicBase
	if publicBase == "" {
		publicBase = client.EndpointURL().String()
	}

	return &MinioStorage{
		client:     client,
		publicBase: strings.TrimRight(publicBase, "/"),
	}, nil
}

// isNotFound reports whether err is an S3 "missing key" response.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

func objectInfoFromMinio(info minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:         info.Key,
		Size:        info.Size,
		ContentType: info.ContentType,
		CreatedAt:   info.LastModified.UTC(),
		ETag:        strings.Trim(info.ETag, "\""),
	}
}

func (s *MinioStorage) EnsureContainer(ctx context.Context, container string) error {
	exists, err := s.client.BucketExists(ctx, container)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := s.client.MakeBucket(ctx, container, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", container, err)
		}
		slog.Info("Created bucket", "bucket", container)
	}
	return nil
}

func (s *MinioStorage) PutObject(ctx context.Context, container string, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	upload, err := s.client.PutObject(ctx, container, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to upload object %q to bucket %q: %w", key, container, err)
	}

	return ObjectInfo{
		Key:         key,
		Size:        upload.Size,
		ContentType: contentType,
		CreatedAt:   upload.LastModified.UTC(),
		ETag:        strings.Trim(upload.ETag, "\""),
	}, nil
}

func (s *MinioStorage) GetObject(ctx context.Context, container string, key string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, container, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("failed to get object %q from bucket %q: %w", key, container, err)
	}

	// GetObject is lazy; Stat forces the request so a missing key surfaces
	// here instead of on the first Read.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return nil, ObjectInfo{}, ErrNotFound
		}
		return nil, ObjectInfo{}, fmt.Errorf("failed to stat object %q in bucket %q: %w", key, container, err)
	}

	return obj, objectInfoFromMinio(info), nil
}

func (s *MinioStorage) ObjectExists(ctx context.Context, container string, key string) (bool, error) {
	_, err := s.StatObject(ctx, container, key)
	switch {
	case errors.Is(err, ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

func (s *MinioStorage) StatObject(ctx context.Context, container string, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, container, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, ErrNotFound
		}
		return ObjectInfo{}, fmt.Errorf("failed to stat object %q in bucket %q: %w", key, container, err)
	}
	return objectInfoFromMinio(info), nil
}

// DeleteObject removes key. S3 deletes are idempotent, so the object is
// checked first to report ErrNotFound for missing keys.
func (s *MinioStorage) DeleteObject(ctx context.Context, container string, key string) error {
	if _, err := s.StatObject(ctx, container, key); err != nil {
		return err
	}

	if err := s.client.RemoveObject(ctx, container, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove object %q from bucket %q: %w", key, container, err)
	}
	return nil
}

func (s *MinioStorage) ListObjects(ctx context.Context, container string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		for obj := range s.client.ListObjects(ctx, container, minio.ListObjectsOptions{Recursive: true}) {
			if obj.Err != nil {
				yield(ObjectInfo{}, fmt.Errorf("failed to list objects in bucket %q: %w", container, obj.Err))
				return
			}
			if !yield(objectInfoFromMinio(obj), nil) {
				return
			}
		}
	}
}

func (s *MinioStorage) ObjectURL(container string, key string) string {
	return s.publicBase + "/" + url.PathEscape(container) + "/" + url.PathEscape(key)
}

// ListenCreated subscribes to object-created bucket notifications for the
// container and calls fn once per notification record. It blocks until ctx is
// done or the notification stream fails.
func (s *MinioStorage) ListenCreated(ctx context.Context, container string, fn func(key string, size int64)) error {
	events := []string{"s3:ObjectCreated:*"}
	for info := range s.client.ListenBucketNotification(ctx, container, "", "", events) {
		if info.Err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bucket notifications for %q: %w", container, info.Err)
		}

		for _, record := range info.Records {
			// Keys in S3 event records are URL encoded.
			key, err := url.QueryUnescape(record.S3.Object.Key)
			if err != nil {
				slog.Warn("Skipping notification with malformed key", "bucket", container, "key", record.S3.Object.Key, "err", err)
				continue
			}
			fn(key, record.S3.Object.Size)
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("bucket notifications for %q: stream closed", container)
}
