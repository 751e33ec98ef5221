package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Backend persists mined blocks. Blocks returns them in number order.
type Backend interface {
	Append(ctx context.Context, b *Block) error
	Blocks(ctx context.Context) ([]*Block, error)
	Close() error
}

// MemoryBackend keeps encoded blocks in memory. Intended for tests and
// single-process development.
type MemoryBackend struct {
	mu     sync.RWMutex
	blocks [][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Append(_ context.Context, b *Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(len(m.blocks)) != b.Number {
		return fmt.Errorf("append block %d: height is %d", b.Number, len(m.blocks))
	}
	m.blocks = append(m.blocks, data)
	return nil
}

func (m *MemoryBackend) Blocks(_ context.Context) ([]*Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Block, 0, len(m.blocks))
	for i, data := range m.blocks {
		var b Block
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("decode block %d: %w", i, err)
		}
		out = append(out, &b)
	}
	return out, nil
}

func (m *MemoryBackend) Close() error { return nil }
