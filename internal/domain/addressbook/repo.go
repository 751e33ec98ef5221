package addressbook

import (
	"context"

	"github.com/medledger/medledger/internal/platform/identity"
	"github.com/medledger/medledger/internal/platform/ledger"
)

type Transactor interface {
	Transact(ctx context.Context, signer identity.Signer, method ledger.Method, args interface{}) (*ledger.Receipt, error)
}

type Reader interface {
	Doctor(ctx context.Context, addr string) (*ledger.Party, error)
	Patient(ctx context.Context, addr string) (*ledger.Party, error)
	Doctors(ctx context.Context) ([]ledger.Party, error)
	Patients(ctx context.Context) ([]ledger.Party, error)
}
