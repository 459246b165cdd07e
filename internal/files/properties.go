package files

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eteran/filebox/pkg/storage"
)

type propertyEntry struct {
	etag        string
	size        int64
	createdAt   time.Time
	contentType string
}

// PropertyCache memoizes per-object property lookups. An entry is only used
// while the listed object still has the ETag, size and timestamp it had when
// the entry was stored, so overwritten objects are looked up again.
type PropertyCache struct {
	store     storage.ObjectStore
	container string
	cache     *lru.Cache[string, propertyEntry]
}

// NewPropertyCache creates a cache holding up to size entries. A size of zero
// or less disables caching.
func NewPropertyCache(store storage.ObjectStore, container string, size int) *PropertyCache {
	pc := &PropertyCache{store: store, container: container}
	if size > 0 {
		// lru.New only errors on non-positive size which is guarded above.
		pc.cache, _ = lru.New[string, propertyEntry](size)
	}
	return pc
}

// ContentType resolves the content type of a listed object.
func (pc *PropertyCache) ContentType(ctx context.Context, listed storage.ObjectInfo) (string, error) {
	if pc.cache != nil {
		if entry, ok := pc.cache.Get(listed.Key); ok && entry.matches(listed) {
			return entry.contentType, nil
		}
	}

	props, err := pc.store.StatObject(ctx, pc.container, listed.Key)
	if err != nil {
		return "", err
	}

	pc.Remember(props)
	return props.ContentType, nil
}

// Remember stores the properties of an object that was just written or
// looked up.
func (pc *PropertyCache) Remember(info storage.ObjectInfo) {
	if pc.cache == nil {
		return
	}
	pc.cache.Add(info.Key, propertyEntry{
		etag:        info.ETag,
		size:        info.Size,
		createdAt:   info.CreatedAt,
		contentType: info.ContentType,
	})
}

// Forget drops any cached properties for key.
func (pc *PropertyCache) Forget(key string) {
	if pc.cache != nil {
		pc.cache.Remove(key)
	}
}

func (e propertyEntry) matches(info storage.ObjectInfo) bool {
	return e.etag == info.ETag && e.size == info.Size && e.createdAt.Equal(info.CreatedAt)
}
