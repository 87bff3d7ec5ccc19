package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory BlobStore for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]Blob)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[key] = Blob{Data: cp, ContentType: contentType}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(b.Data))
	copy(cp, b.Data)
	return &Blob{Data: cp, ContentType: b.ContentType}, nil
}

func (s *MemoryStore) Close() error { return nil }
