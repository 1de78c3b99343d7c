package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps one <key>.json file per document under a base directory.
type LocalStore struct {
	basePath string
}

func NewLocalStore(basePath string) *LocalStore {
	return &LocalStore{basePath: basePath}
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.basePath, key+".json")
}

func (s *LocalStore) SaveJSON(_ context.Context, key string, doc []byte) error {
	if err := os.MkdirAll(s.basePath, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(s.path(key), doc, 0644); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

func (s *LocalStore) LoadJSON(_ context.Context, key string) ([]byte, error) {
	doc, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read document: %w", err)
	}
	return doc, nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("remove document: %w", err)
	}
	return nil
}

func (s *LocalStore) ListKeys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return keys, nil
}
