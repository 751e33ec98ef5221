package access

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/platform/identity"
	"github.com/medledger/medledger/internal/platform/ledger"
)

type fixture struct {
	ctl     *Control
	admin   *identity.KeySigner
	doctor  *identity.KeySigner
	patient *identity.KeySigner
	ledger  *ledger.Ledger
}

func newSigner(t *testing.T) *identity.KeySigner {
	t.Helper()
	s, _, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return s
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	f := fixture{admin: newSigner(t), doctor: newSigner(t), patient: newSigner(t)}

	l, err := ledger.Open(ctx, ledger.NewMemoryBackend(), f.admin.Address(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	client := ledger.NewClient(l)
	if _, err := client.Transact(ctx, f.admin, ledger.MethodRegisterDoctor, ledger.RegisterArgs{Address: f.doctor.Address(), Name: "House"}); err != nil {
		t.Fatalf("register doctor: %v", err)
	}
	if _, err := client.Transact(ctx, f.admin, ledger.MethodRegisterPatient, ledger.RegisterArgs{Address: f.patient.Address(), Name: "Alice"}); err != nil {
		t.Fatalf("register patient: %v", err)
	}
	f.ledger = l
	f.ctl = NewControl(client, l, zerolog.Nop())
	return f
}

func TestGrantRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, pat := f.doctor.Address(), f.patient.Address()

	if f.ctl.IsAuthorized(ctx, doc, pat) {
		t.Fatal("expected no edge before grant")
	}

	if _, err := f.ctl.Grant(ctx, f.patient, doc, pat); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if !f.ctl.IsAuthorized(ctx, doc, pat) {
		t.Error("expected authorized after grant")
	}

	if _, err := f.ctl.Revoke(ctx, f.patient, doc, pat); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if f.ctl.IsAuthorized(ctx, doc, pat) {
		t.Error("expected unauthorized after revoke")
	}
}

func TestGrant_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, pat := f.doctor.Address(), f.patient.Address()

	for i := 0; i < 2; i++ {
		receipt, err := f.ctl.Grant(ctx, f.patient, doc, pat)
		if err != nil {
			t.Fatalf("Grant #%d: %v", i+1, err)
		}
		if !receipt.Succeeded() {
			t.Fatalf("Grant #%d: failed receipt", i+1)
		}
	}
	patients, err := f.ctl.AuthorizedPatients(ctx, doc)
	if err != nil {
		t.Fatalf("AuthorizedPatients: %v", err)
	}
	if len(patients) != 1 {
		t.Errorf("expected a single edge, got %v", patients)
	}

	for i := 0; i < 2; i++ {
		if _, err := f.ctl.Revoke(ctx, f.patient, doc, pat); err != nil {
			t.Fatalf("Revoke #%d: %v", i+1, err)
		}
	}
	if f.ctl.IsAuthorized(ctx, doc, pat) {
		t.Error("expected unauthorized after double revoke")
	}
}

func TestGrant_OnlyPatient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.ctl.Grant(ctx, f.doctor, f.doctor.Address(), f.patient.Address())
	if !errors.Is(err, ledger.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if receipt == nil || receipt.Succeeded() {
		t.Errorf("expected failed receipt, got %+v", receipt)
	}
	if f.ctl.IsAuthorized(ctx, f.doctor.Address(), f.patient.Address()) {
		t.Error("a rejected grant must not create an edge")
	}
}

func TestGrant_InvalidAddress(t *testing.T) {
	f := newFixture(t)
	before := f.ledger.Height(context.Background())
	if _, err := f.ctl.Grant(context.Background(), f.patient, "house", f.patient.Address()); !errors.Is(err, identity.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if f.ledger.Height(context.Background()) != before {
		t.Error("invalid input must not reach the ledger")
	}
}

type failingSigner struct{ identity.Signer }

func (failingSigner) Sign([]byte) ([]byte, error) { return nil, errors.New("hsm offline") }

func TestGrant_SigningFailure(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctl.Grant(context.Background(), failingSigner{f.patient}, f.doctor.Address(), f.patient.Address())
	if !errors.Is(err, ledger.ErrAuthorization) {
		t.Fatalf("expected ErrAuthorization, got %v", err)
	}
}

type brokenReader struct{}

func (brokenReader) IsAuthorized(context.Context, string, string) (bool, error) {
	return true, errors.New("node unreachable")
}

func (brokenReader) AuthorizedPatients(context.Context, string) ([]string, error) {
	return nil, errors.New("node unreachable")
}

func TestIsAuthorized_LookupFailureIsFalse(t *testing.T) {
	ctl := NewControl(nil, brokenReader{}, zerolog.Nop())
	if ctl.IsAuthorized(context.Background(), "0x01", "0x02") {
		t.Error("expected false when the lookup fails")
	}
	if _, err := ctl.AuthorizedPatients(context.Background(), "0x01"); err == nil {
		t.Error("expected AuthorizedPatients to surface the error")
	}
}

func TestAuthorizedPatients_Order(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := ledger.NewClient(f.ledger)

	second := newSigner(t)
	if _, err := client.Transact(ctx, f.admin, ledger.MethodRegisterPatient, ledger.RegisterArgs{Address: second.Address(), Name: "Bob"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	doc := f.doctor.Address()
	f.ctl.Grant(ctx, f.patient, doc, f.patient.Address())
	f.ctl.Grant(ctx, second, doc, second.Address())
	f.ctl.Revoke(ctx, f.patient, doc, f.patient.Address())

	patients, err := f.ctl.AuthorizedPatients(ctx, doc)
	if err != nil {
		t.Fatalf("AuthorizedPatients: %v", err)
	}
	if len(patients) != 1 || !identity.EqualAddress(patients[0], second.Address()) {
		t.Errorf("expected only Bob, got %v", patients)
	}

	if !f.ctl.IsAuthorized(ctx, doc, second.Address()) {
		t.Error("expected Bob's edge to stay granted")
	}
}
