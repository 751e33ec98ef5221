package access

import (
	"context"

	"github.com/medledger/medledger/internal/platform/identity"
	"github.com/medledger/medledger/internal/platform/ledger"
)

type Transactor interface {
	Transact(ctx context.Context, signer identity.Signer, method ledger.Method, args interface{}) (*ledger.Receipt, error)
}

type Reader interface {
	IsAuthorized(ctx context.Context, doctor, patient string) (bool, error)
	AuthorizedPatients(ctx context.Context, doctor string) ([]string, error)
}
