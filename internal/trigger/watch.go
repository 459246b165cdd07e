package trigger

import (
	"context"
	"io"
	"log/slog"

	"github.com/eteran/filebox/pkg/storage"
)

// watchedStore publishes an ObjectCreated event after every successful write
// into one container.
type watchedStore struct {
	storage.ObjectStore
	container string
	publisher Publisher
}

// Watch wraps store so that each successful PutObject into container publishes
// one event. Writes into any other container pass through untouched, which
// keeps derivatives written by the pipeline from triggering it again.
func Watch(store storage.ObjectStore, container string, publisher Publisher) storage.ObjectStore {
	return &watchedStore{
		ObjectStore: store,
		container:   container,
		publisher:   publisher,
	}
}

func (s *watchedStore) PutObject(ctx context.Context, container string, key string, r io.Reader, size int64, contentType string) (storage.ObjectInfo, error) {
	info, err := s.ObjectStore.PutObject(ctx, container, key, r, size, contentType)
	if err != nil || container != s.container {
		return info, err
	}

	s.publisher.Publish(ObjectCreated{Container: container, Key: key, Size: info.Size})
	return info, nil
}

// CreationSource is an external feed of object-created notifications, such as
// S3 bucket notifications.
type CreationSource interface {
	ListenCreated(ctx context.Context, container string, fn func(key string, size int64)) error
}

// Listen forwards notifications from source into publisher until ctx is done.
func Listen(ctx context.Context, source CreationSource, container string, publisher Publisher) error {
	slog.Info("Listening for object-created notifications", "container", container)
	return source.ListenCreated(ctx, container, func(key string, size int64) {
		publisher.Publish(ObjectCreated{Container: container, Key: key, Size: size})
	})
}
