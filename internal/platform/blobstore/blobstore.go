// Package blobstore provides immutable, content-addressed storage for medical
// record files. It defines the Store interface, in-memory and LevelDB
// implementations, an IPFS HTTP client, and an Echo handler for downloads.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrNotFound         = errors.New("content not found")
	ErrStoreUnavailable = errors.New("content store unavailable")
	ErrFileTooLarge     = errors.New("file exceeds maximum allowed size")
	ErrEmptyContent     = errors.New("content is empty")
)

// MaxFileSize is the maximum allowed blob size in bytes (100 MB).
const MaxFileSize = 100 * 1024 * 1024

// Store puts and gets immutable blobs by content id.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
}

// ContentID is the hex SHA-256 digest of data. Identical bytes share an id.
func ContentID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validate(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyContent
	}
	if len(data) > MaxFileSize {
		return ErrFileTooLarge
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// InMemoryStore is a thread-safe, in-memory Store for testing/dev.
type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewInMemoryStore returns a ready-to-use InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{blobs: make(map[string][]byte)}
}

func (s *InMemoryStore) Put(_ context.Context, data []byte) (string, error) {
	if err := validate(data); err != nil {
		return "", err
	}
	id := ContentID(data)
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.blobs[id] = buf
	s.mu.Unlock()
	return id, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Len reports the number of stored blobs.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
