package records

import (
	"context"

	"github.com/medledger/medledger/internal/platform/identity"
	"github.com/medledger/medledger/internal/platform/ledger"
)

type Transactor interface {
	Transact(ctx context.Context, signer identity.Signer, method ledger.Method, args interface{}) (*ledger.Receipt, error)
}

type Reader interface {
	RecordsForPatient(ctx context.Context, patient string) ([]ledger.Record, error)
	ActiveRecords(ctx context.Context, patient string) ([]ledger.Record, error)
}

// ContentStore holds the record bytes.
type ContentStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
}
