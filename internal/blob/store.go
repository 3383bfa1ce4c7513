// Package blob defines the boundary to the attachment blob collaborator.
// The ledger core hands ciphertext across this interface and persists only
// the returned reference plus metadata.
package blob

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrBlobNotFound indicates the referenced blob does not exist.
var ErrBlobNotFound = errors.New("blob: not found")

// Store accepts opaque ciphertext and returns a retrievable file identifier.
// Delete lets callers reclaim ciphertext whose owning write never landed.
type Store interface {
	Put(ctx context.Context, fileName, fileType string, ciphertext []byte) (string, error)
	Get(ctx context.Context, fileID string) ([]byte, error)
	Delete(ctx context.Context, fileID string) error
}

type memoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore returns an in-process Store. Production deployments swap in
// an implementation backed by a real object store behind the same interface.
func NewMemoryStore() Store {
	return &memoryStore{blobs: make(map[string][]byte)}
}

func (s *memoryStore) Put(_ context.Context, _, _ string, ciphertext []byte) (string, error) {
	fileID, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	stored := append([]byte(nil), ciphertext...)
	s.mu.Lock()
	s.blobs[fileID.String()] = stored
	s.mu.Unlock()
	return fileID.String(), nil
}

func (s *memoryStore) Delete(_ context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[fileID]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, fileID)
	return nil
}

func (s *memoryStore) Get(_ context.Context, fileID string) ([]byte, error) {
	s.mu.RLock()
	stored, ok := s.blobs[fileID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	return append([]byte(nil), stored...), nil
}
