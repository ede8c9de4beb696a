// Package memory keeps exports in-process for development and tests.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/JakeFAU/fetchcore/internal/storage"
)

// BlobStore stores exports in a map and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]stored
}

type stored struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

var _ storage.BlobStore = (*BlobStore)(nil)

// NewBlobStore creates an empty in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]stored)}
}

// Put copies data and returns memory://<key>.
func (s *BlobStore) Put(_ context.Context, obj storage.Object, data []byte) (string, error) {
	key, err := storage.CleanKey(obj.Key)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = stored{
		data:        append([]byte(nil), data...),
		contentType: obj.ContentType,
		metadata:    maps.Clone(obj.Metadata),
	}
	return "memory://" + key, nil
}

// Get returns a copy of the stored object.
func (s *BlobStore) Get(key string) (storage.Object, []byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[key]
	if !ok {
		return storage.Object{}, nil, false
	}
	return storage.Object{Key: key, ContentType: o.contentType, Metadata: maps.Clone(o.metadata)},
		append([]byte(nil), o.data...), true
}

// Keys lists stored keys in sorted order.
func (s *BlobStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.objects))
}
