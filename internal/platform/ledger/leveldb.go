package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB key layout:
//
//	block_<number, zero padded>  -> block JSON
//	height_latest                -> number of blocks
const (
	blockKeyPrefix = "block_"
	heightKey      = "height_latest"
)

// LevelDBBackend stores blocks in an embedded LevelDB database.
type LevelDBBackend struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) the database at path.
func OpenLevelDB(path string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBBackend{db: db}, nil
}

func blockKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", blockKeyPrefix, n))
}

func (l *LevelDBBackend) height() (uint64, error) {
	v, err := l.db.Get([]byte(heightKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(v), 10, 64)
}

// Append writes the block and the new height atomically.
func (l *LevelDBBackend) Append(_ context.Context, b *Block) error {
	h, err := l.height()
	if err != nil {
		return fmt.Errorf("read height: %w", err)
	}
	if h != b.Number {
		return fmt.Errorf("append block %d: height is %d", b.Number, h)
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(blockKey(b.Number), data)
	batch.Put([]byte(heightKey), []byte(strconv.FormatUint(b.Number+1, 10)))
	if err := l.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write block %d: %w", b.Number, err)
	}
	return nil
}

// Blocks iterates the block_ prefix, which sorts by number.
func (l *LevelDBBackend) Blocks(_ context.Context) ([]*Block, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(blockKeyPrefix)), nil)
	defer iter.Release()

	var out []*Block
	for iter.Next() {
		var b Block
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		out = append(out, &b)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return out, nil
}

func (l *LevelDBBackend) Close() error {
	return l.db.Close()
}
