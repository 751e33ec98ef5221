package addressbook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/medledger/medledger/internal/platform/identity"
	"github.com/medledger/medledger/internal/platform/ledger"
)

var (
	ErrPartyNotFound = errors.New("party not found")
	ErrInvalidParty  = errors.New("invalid party")
)

// Book resolves parties registered on the ledger.
type Book struct {
	tx     Transactor
	reader Reader
}

func NewBook(tx Transactor, reader Reader) *Book {
	return &Book{tx: tx, reader: reader}
}

// Register adds a party. Only the admin signer is accepted by the ledger.
func (b *Book) Register(ctx context.Context, admin identity.Signer, role Role, address, name string) (*ledger.Receipt, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidParty, role)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidParty)
	}
	if err := identity.ValidateAddress(address); err != nil {
		return nil, err
	}

	method := ledger.MethodRegisterDoctor
	if role == RolePatient {
		method = ledger.MethodRegisterPatient
	}
	return b.tx.Transact(ctx, admin, method, ledger.RegisterArgs{Address: address, Name: name, RoleLabel: role.Label()})
}

// Get returns the party registered at address under role.
func (b *Book) Get(ctx context.Context, role Role, address string) (*Party, error) {
	var (
		p   *ledger.Party
		err error
	)
	switch role {
	case RoleDoctor:
		p, err = b.reader.Doctor(ctx, address)
	case RolePatient:
		p, err = b.reader.Patient(ctx, address)
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidParty, role)
	}
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("%s %s: %w", role, address, ErrPartyNotFound)
	}
	if err != nil {
		return nil, err
	}
	return fromLedger(*p), nil
}

// List returns every party of role in registration order.
func (b *Book) List(ctx context.Context, role Role) ([]*Party, error) {
	var (
		parties []ledger.Party
		err     error
	)
	switch role {
	case RoleDoctor:
		parties, err = b.reader.Doctors(ctx)
	case RolePatient:
		parties, err = b.reader.Patients(ctx)
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidParty, role)
	}
	if err != nil {
		return nil, err
	}
	out := make([]*Party, 0, len(parties))
	for _, p := range parties {
		out = append(out, fromLedger(p))
	}
	return out, nil
}

// Lookup resolves a role and name to an address. Names match case-insensitively.
func (b *Book) Lookup(ctx context.Context, role Role, name string) (string, error) {
	parties, err := b.List(ctx, role)
	if err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	for _, p := range parties {
		if strings.EqualFold(p.Name, name) {
			return p.Address, nil
		}
	}
	return "", fmt.Errorf("%s %q: %w", role, name, ErrPartyNotFound)
}

// RoleOf reports which registry holds address. Doctors win if both do.
func (b *Book) RoleOf(ctx context.Context, address string) (Role, bool) {
	if _, err := b.reader.Doctor(ctx, address); err == nil {
		return RoleDoctor, true
	}
	if _, err := b.reader.Patient(ctx, address); err == nil {
		return RolePatient, true
	}
	return "", false
}

// DisplayName returns "Dr. <name>" for doctors, the name for patients and
// the raw address otherwise. Lookup failures fall back to the address.
func (b *Book) DisplayName(ctx context.Context, address string) string {
	if p, err := b.reader.Doctor(ctx, address); err == nil {
		return fromLedger(*p).DisplayName()
	}
	if p, err := b.reader.Patient(ctx, address); err == nil {
		return p.Name
	}
	return address
}
