package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
)

const contentKeyPrefix = "content_"

// LevelDBStore keeps blobs in an embedded LevelDB database under
// "content_<id>" keys.
type LevelDBStore struct {
	db *leveldb.DB
}

func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open content db %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Put(_ context.Context, data []byte) (string, error) {
	if err := validate(data); err != nil {
		return "", err
	}
	id := ContentID(data)
	key := []byte(contentKeyPrefix + id)

	// content-addressed: an existing key already holds these bytes
	if ok, err := s.db.Has(key, nil); err == nil && ok {
		return id, nil
	}
	if err := s.db.Put(key, data, nil); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return id, nil
}

func (s *LevelDBStore) Get(_ context.Context, id string) ([]byte, error) {
	data, err := s.db.Get([]byte(contentKeyPrefix+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return data, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
