package storage

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"
)

// ErrNotFound is returned when the requested object does not exist in its
// container.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	CreatedAt   time.Time
	ETag        string
}

// ObjectStore defines the interface for a storage backend that manages opaque
// byte objects organized into flat containers and addressed by key.
//
// Implementations must be safe for concurrent use and hold no state beyond
// their connection configuration.
type ObjectStore interface {
	// EnsureContainer creates the container if it does not already exist.
	EnsureContainer(ctx context.Context, container string) error

	// PutObject stores the payload read from r under key. An existing object
	// with the same key is silently replaced.
	PutObject(ctx context.Context, container string, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error)

	// GetObject opens the payload stored under key. The caller must close the
	// returned reader.
	GetObject(ctx context.Context, container string, key string) (io.ReadCloser, ObjectInfo, error)

	// ObjectExists reports whether key is present in the container.
	ObjectExists(ctx context.Context, container string, key string) (bool, error)

	// StatObject returns the properties of the object stored under key.
	StatObject(ctx context.Context, container string, key string) (ObjectInfo, error)

	// DeleteObject removes the object stored under key.
	DeleteObject(ctx context.Context, container string, key string) error

	// ListObjects enumerates the container. The sequence is consumed once;
	// call ListObjects again to start over.
	ListObjects(ctx context.Context, container string) iter.Seq2[ObjectInfo, error]

	// ObjectURL returns the location URL of key within the container.
	ObjectURL(container string, key string) string
}
