package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/platform/identity"
	"github.com/medledger/medledger/internal/platform/ledger"
)

type mapNames map[string]string

func (m mapNames) DisplayName(_ context.Context, address string) string {
	if n, ok := m[strings.ToLower(address)]; ok {
		return n
	}
	return address
}

type fixture struct {
	log     *Log
	ledger  *ledger.Ledger
	admin   *identity.KeySigner
	doctor  *identity.KeySigner
	patient *identity.KeySigner
}

var t0 = time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)

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
	f := fixture{admin: newSigner(t), doctor: newSigner(t), patient: newSigner(t)}

	tick := 0
	clock := func() time.Time {
		at := t0.Add(time.Duration(tick) * time.Minute)
		tick++
		return at
	}
	l, err := ledger.Open(context.Background(), ledger.NewMemoryBackend(), f.admin.Address(), zerolog.Nop(), ledger.WithClock(clock))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	names := mapNames{
		strings.ToLower(f.doctor.Address()):  "Dr. House",
		strings.ToLower(f.patient.Address()): "Alice",
	}
	f.ledger = l
	f.log = NewLog(ledger.NewClient(l), l, names)
	return f
}

func (f fixture) appendAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	steps := []struct {
		signer  *identity.KeySigner
		kind    ActionKind
		subject string
		details string
	}{
		{f.admin, DoctorRegistered, f.doctor.Address(), "Registered new Doctor: House"},
		{f.patient, AccessGranted, f.doctor.Address(), "Patient granted access to doctor"},
		{f.patient, AccessRevoked, "0x00000000000000000000000000000000000000ff", "Patient revoked access from doctor"},
	}
	for _, s := range steps {
		if _, err := f.log.Append(ctx, s.signer, s.signer.Address(), s.kind, s.subject, s.details); err != nil {
			t.Fatalf("Append %s: %v", s.kind, err)
		}
	}
}

func TestAppend_UnknownAction(t *testing.T) {
	f := newFixture(t)
	_, err := f.log.Append(context.Background(), f.admin, f.admin.Address(), ActionKind("RECORD_DELETED"), "", "")
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	if f.ledger.Height(context.Background()) != 0 {
		t.Error("unknown actions must not reach the ledger")
	}
}

func TestAppend_ActorMustSign(t *testing.T) {
	f := newFixture(t)
	_, err := f.log.Append(context.Background(), f.doctor, f.patient.Address(), AccessGranted, f.doctor.Address(), "")
	if !errors.Is(err, ledger.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	all, _ := f.log.QueryAll(context.Background())
	if len(all) != 0 {
		t.Errorf("rejected append must not add an entry, got %d", len(all))
	}
}

func TestQueryAll_AppendOrder(t *testing.T) {
	f := newFixture(t)
	f.appendAll(t)

	all, err := f.log.QueryAll(context.Background())
	if err != nil {
		t.Fatalf("QueryAll: %v", err)
	}
	want := []ActionKind{DoctorRegistered, AccessGranted, AccessRevoked}
	if len(all) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(all))
	}
	for i, e := range all {
		if e.Action != want[i] || e.Seq != uint64(i) {
			t.Errorf("entry %d: got %s seq %d", i, e.Action, e.Seq)
		}
	}
	if !identity.EqualAddress(all[1].Actor, f.patient.Address()) || !identity.EqualAddress(all[1].Subject, f.doctor.Address()) {
		t.Errorf("unexpected actor/subject: %+v", all[1])
	}
}

func TestQueryRecent(t *testing.T) {
	f := newFixture(t)
	f.appendAll(t)
	ctx := context.Background()

	tests := []struct {
		n    int
		want []ActionKind
	}{
		{0, nil},
		{-1, nil},
		{2, []ActionKind{AccessGranted, AccessRevoked}},
		{10, []ActionKind{DoctorRegistered, AccessGranted, AccessRevoked}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d", tt.n), func(t *testing.T) {
			got, err := f.log.QueryRecent(ctx, tt.n)
			if err != nil {
				t.Fatalf("QueryRecent: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d entries, got %d", len(tt.want), len(got))
			}
			for i := range got {
				if got[i].Action != tt.want[i] {
					t.Errorf("entry %d: expected %s, got %s", i, tt.want[i], got[i].Action)
				}
			}
		})
	}
}

func TestExport(t *testing.T) {
	f := newFixture(t)
	f.appendAll(t)

	var buf bytes.Buffer
	if err := f.log.Export(context.Background(), &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	want := strings.Join([]string{
		"Actor: Alice -> Action: ACCESS_REVOKED - Date: 2024-03-05 14:09:09",
		"Actor: Alice -> Action: ACCESS_GRANTED - Subject: Dr. House - Date: 2024-03-05 14:08:09",
		"Actor: " + f.admin.Address() + " -> Action: DOCTOR_REGISTERED - Subject: Dr. House - Date: 2024-03-05 14:07:09",
	}, "\n") + "\n"
	if buf.String() != want {
		t.Errorf("unexpected export:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestFormatLine_UTC(t *testing.T) {
	l := NewLog(nil, nil, nil)
	loc := time.FixedZone("UTC+2", 2*60*60)
	e := Entry{Actor: "0xabc", Action: RecordAdded, Timestamp: time.Date(2024, 1, 1, 2, 0, 0, 0, loc)}
	if got := l.FormatLine(context.Background(), e); got != "Actor: 0xabc -> Action: RECORD_ADDED - Date: 2024-01-01 00:00:00" {
		t.Errorf("unexpected line %q", got)
	}
}

func TestResolveDisplayName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if got := f.log.ResolveDisplayName(ctx, f.doctor.Address()); got != "Dr. House" {
		t.Errorf("expected Dr. House, got %q", got)
	}
	if got := f.log.ResolveDisplayName(ctx, "0x1"); got != "0x1" {
		t.Errorf("expected raw address, got %q", got)
	}
	if got := NewLog(nil, nil, nil).ResolveDisplayName(ctx, "0x1"); got != "0x1" {
		t.Errorf("expected raw address without a resolver, got %q", got)
	}
}

func TestVerifyAndProof(t *testing.T) {
	f := newFixture(t)
	f.appendAll(t)
	ctx := context.Background()

	res, err := f.log.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid || res.Blocks != 3 || res.Entries != 3 || res.Root == "" {
		t.Errorf("unexpected integrity result %+v", res)
	}

	proof, err := f.log.Proof(ctx, 1)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	if proof.Root != res.Root {
		t.Errorf("proof root %s differs from %s", proof.Root, res.Root)
	}
	if !ledger.VerifyProof(proof.Leaf, proof.Steps, proof.Root) {
		t.Error("proof does not verify")
	}
	if _, err := f.log.Proof(ctx, 99); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

type tamperedReader struct{ Reader }

func (tamperedReader) Verify(context.Context) (uint64, error) {
	return 4, fmt.Errorf("%w: block 2 hash mismatch", ledger.ErrTampered)
}

func TestVerify_Tampered(t *testing.T) {
	f := newFixture(t)
	f.appendAll(t)
	l := NewLog(nil, tamperedReader{f.ledger}, nil)

	res, err := l.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid || !strings.Contains(res.Error, "block 2") {
		t.Errorf("expected tamper report, got %+v", res)
	}
}

func TestActionKind_Valid(t *testing.T) {
	for _, k := range []ActionKind{RecordAdded, RecordUpdated, AccessGranted, AccessRevoked, DoctorRegistered, PatientRegistered} {
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if ActionKind("record_added").Valid() {
		t.Error("action kinds are case-sensitive")
	}
}
