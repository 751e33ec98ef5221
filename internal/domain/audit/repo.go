package audit

import (
	"context"

	"github.com/medledger/medledger/internal/platform/identity"
	"github.com/medledger/medledger/internal/platform/ledger"
)

type Transactor interface {
	Transact(ctx context.Context, signer identity.Signer, method ledger.Method, args interface{}) (*ledger.Receipt, error)
}

// Reader is the ledger's audit view plus its integrity checks.
type Reader interface {
	AuditTrail(ctx context.Context) ([]ledger.AuditEntry, error)
	AuditRoot(ctx context.Context) (string, error)
	AuditProof(ctx context.Context, seq uint64) (*ledger.AuditProof, error)
	Verify(ctx context.Context) (uint64, error)
}

// NameResolver turns an address into a presentation name.
type NameResolver interface {
	DisplayName(ctx context.Context, address string) string
}
