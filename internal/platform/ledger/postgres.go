package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PostgresBackend stores blocks in the ledger_blocks table created by
// migrations/001_ledger.sql.
type PostgresBackend struct {
	db queryable
}

// NewPostgresBackend wraps a pgx pool or connection. The caller owns the pool.
func NewPostgresBackend(db queryable) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (p *PostgresBackend) Append(ctx context.Context, b *Block) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO ledger_blocks (number, hash, prev_hash, tx_id, method, sender, status, payload, mined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		int64(b.Number), b.Hash, b.PrevHash, b.Receipt.TxID, string(b.Tx.Method), b.Tx.From,
		int16(b.Receipt.Status), payload, b.Timestamp)
	if err != nil {
		return fmt.Errorf("insert block %d: %w", b.Number, err)
	}
	return nil
}

func (p *PostgresBackend) Blocks(ctx context.Context) ([]*Block, error) {
	rows, err := p.db.Query(ctx, `SELECT payload FROM ledger_blocks ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	var out []*Block
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		var b Block
		if err := json.Unmarshal(payload, &b); err != nil {
			return nil, fmt.Errorf("decode block: %w", err)
		}
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return out, nil
}

// Close is a no-op; the pool is closed by its owner.
func (p *PostgresBackend) Close() error { return nil }
