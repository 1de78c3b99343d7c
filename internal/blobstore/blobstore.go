package blobstore

import (
	"context"
	"errors"
	"log"
)

// ErrNotFound is returned when no document exists for a key.
var ErrNotFound = errors.New("document not found")

// ObjectStore is a durable key -> JSON-document store. Keys are opaque
// strings (automation ids); documents are serialized JSON.
type ObjectStore interface {
	SaveJSON(ctx context.Context, key string, doc []byte) error
	LoadJSON(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context) ([]string, error)
}

// Store combines an optional remote object store with a local fallback.
// The remote copy takes precedence for listing and loading; remote failures
// are logged and the local copy is used instead.
type Store struct {
	remote ObjectStore
	local  ObjectStore
}

// NewStore builds a Store. remote may be nil, in which case only the local
// store is used.
func NewStore(remote, local ObjectStore) *Store {
	return &Store{remote: remote, local: local}
}

// SaveJSON writes the document to the remote store when configured, falling
// back to the local store on remote failure.
func (s *Store) SaveJSON(ctx context.Context, key string, doc []byte) error {
	if s.remote != nil {
		if err := s.remote.SaveJSON(ctx, key, doc); err != nil {
			log.Printf("WARN: remote save %s failed, falling back to local: %v", key, err)
			return s.local.SaveJSON(ctx, key, doc)
		}
		return nil
	}
	return s.local.SaveJSON(ctx, key, doc)
}

// LoadJSON reads the document, preferring the remote copy.
func (s *Store) LoadJSON(ctx context.Context, key string) ([]byte, error) {
	if s.remote != nil {
		doc, err := s.remote.LoadJSON(ctx, key)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrNotFound) {
			log.Printf("WARN: remote load %s failed, trying local: %v", key, err)
		}
	}
	return s.local.LoadJSON(ctx, key)
}

// Delete removes the document from both stores. A missing document is not
// an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s.remote != nil {
		if err := s.remote.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			log.Printf("WARN: remote delete %s failed: %v", key, err)
		}
	}
	err := s.local.Delete(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ListKeys lists document keys, preferring the remote store.
func (s *Store) ListKeys(ctx context.Context) ([]string, error) {
	if s.remote != nil {
		keys, err := s.remote.ListKeys(ctx)
		if err == nil {
			return keys, nil
		}
		log.Printf("WARN: remote list failed, trying local: %v", err)
	}
	return s.local.ListKeys(ctx)
}
