package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore implements BlobStore on the local filesystem. Each blob is
// a data file plus a metadata.json sidecar holding the content type.
type FileStore struct {
	basePath string
	mu       sync.RWMutex
}

type fileMeta struct {
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// NewFileStore creates a file-backed blob store rooted at basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create base path: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	dir, err := s.blobDir(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data"), data, 0644); err != nil {
		return fmt.Errorf("write data: %w", err)
	}

	meta, err := json.Marshal(fileMeta{ContentType: contentType, Size: int64(len(data))})
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), meta, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) (*Blob, error) {
	dir, err := s.blobDir(key)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(dir, "data"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read data: %w", err)
	}

	blob := &Blob{Data: data}
	if metaBytes, err := os.ReadFile(filepath.Join(dir, "metadata.json")); err == nil {
		var meta fileMeta
		if err := json.Unmarshal(metaBytes, &meta); err == nil {
			blob.ContentType = meta.ContentType
		}
	}
	return blob, nil
}

func (s *FileStore) Close() error { return nil }

// blobDir maps a key to a directory under basePath, rejecting keys
// that would escape it.
func (s *FileStore) blobDir(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty blob key")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.basePath, clean), nil
}
