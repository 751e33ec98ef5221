package records

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/platform/blobstore"
	"github.com/medledger/medledger/internal/platform/identity"
	"github.com/medledger/medledger/internal/platform/ledger"
)

// -- Mocks --

// mockLedger appends createRecord calls to a per-patient list.
type mockLedger struct {
	records map[string][]ledger.Record
	reject  bool
	now     time.Time
}

func newMockLedger() *mockLedger {
	return &mockLedger{records: make(map[string][]ledger.Record), now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (m *mockLedger) Transact(_ context.Context, signer identity.Signer, method ledger.Method, args interface{}) (*ledger.Receipt, error) {
	if method != ledger.MethodCreateRecord {
		return nil, fmt.Errorf("unexpected method %s", method)
	}
	if m.reject {
		r := &ledger.Receipt{TxID: "0xfail", Status: ledger.StatusFailed, Error: "doctor is not authorized for patient"}
		return r, fmt.Errorf("%w: %s", ledger.ErrRejected, r.Error)
	}
	a := args.(ledger.RecordArgs)
	key := strings.ToLower(a.Patient)
	m.records[key] = append(m.records[key], ledger.Record{
		ContentID:       a.ContentID,
		MimeType:        a.MimeType,
		FileName:        a.FileName,
		Title:           a.Title,
		Description:     a.Description,
		CreatedAt:       m.now,
		Patient:         a.Patient,
		Doctor:          signer.Address(),
		Active:          true,
		PreviousVersion: a.PreviousVersion,
	})
	return &ledger.Receipt{TxID: "0xok", Status: ledger.StatusSuccess, Timestamp: m.now}, nil
}

func (m *mockLedger) RecordsForPatient(_ context.Context, patient string) ([]ledger.Record, error) {
	return m.records[strings.ToLower(patient)], nil
}

func (m *mockLedger) ActiveRecords(ctx context.Context, patient string) ([]ledger.Record, error) {
	return m.RecordsForPatient(ctx, patient)
}

// seed inserts a raw record, bypassing the content store.
func (m *mockLedger) seed(patient, doctor, cid, prev string) {
	key := strings.ToLower(patient)
	m.records[key] = append(m.records[key], ledger.Record{
		ContentID: cid, Patient: patient, Doctor: doctor, Active: true, PreviousVersion: prev, Title: cid,
	})
}

type downStore struct{}

func (downStore) Put(context.Context, []byte) (string, error) { return "", errors.New("connection refused") }
func (downStore) Get(context.Context, string) ([]byte, error) { return nil, errors.New("connection refused") }

const patient = "0x00000000000000000000000000000000000000a1"

func newSigner(t *testing.T) identity.Signer {
	t.Helper()
	s, _, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return s
}

func newTestStore() (*Store, *mockLedger, *blobstore.InMemoryStore) {
	l := newMockLedger()
	content := blobstore.NewInMemoryStore()
	return NewStore(l, l, content, zerolog.Nop()), l, content
}

func contentIDs(recs []*MedicalRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ContentID
	}
	return out
}

func titles(recs []*MedicalRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Title
	}
	return out
}

// -- Create / Update --

func TestCreate(t *testing.T) {
	s, _, content := newTestStore()
	doctor := newSigner(t)
	ctx := context.Background()

	rec, receipt, err := s.Create(ctx, doctor, patient, Upload{Data: []byte("scan"), FileName: "scan.png", Title: "Chest X-ray"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !receipt.Succeeded() {
		t.Errorf("expected successful receipt")
	}
	if rec.MimeType != DefaultMimeType {
		t.Errorf("expected default mime type, got %s", rec.MimeType)
	}
	if !rec.IsRoot() || !rec.Active {
		t.Errorf("expected active root record, got %+v", rec)
	}
	if rec.AuthorDoctor != doctor.Address() {
		t.Errorf("expected author %s, got %s", doctor.Address(), rec.AuthorDoctor)
	}
	if content.Len() != 1 {
		t.Errorf("expected blob in content store")
	}

	list, _ := s.ListForPatient(ctx, patient)
	if len(list) != 1 || list[0].ContentID != rec.ContentID {
		t.Errorf("unexpected listing %v", contentIDs(list))
	}
}

func TestCreate_RequiresTitle(t *testing.T) {
	s, _, content := newTestStore()
	if _, _, err := s.Create(context.Background(), newSigner(t), patient, Upload{Data: []byte("x")}); !errors.Is(err, ErrInvalidUpload) {
		t.Fatalf("expected ErrInvalidUpload for missing title, got %v", err)
	}
	if content.Len() != 0 {
		t.Error("validation failure must not upload content")
	}
}

func TestCreate_StoreUnavailable(t *testing.T) {
	l := newMockLedger()
	s := NewStore(l, l, downStore{}, zerolog.Nop())
	_, _, err := s.Create(context.Background(), newSigner(t), patient, Upload{Data: []byte("x"), Title: "t"})
	if !errors.Is(err, blobstore.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
	if len(l.records) != 0 {
		t.Error("ledger must not be written when the upload fails")
	}
}

func TestCreate_LedgerRejectedLeavesOrphan(t *testing.T) {
	s, l, content := newTestStore()
	l.reject = true
	_, receipt, err := s.Create(context.Background(), newSigner(t), patient, Upload{Data: []byte("x"), Title: "t"})
	if !errors.Is(err, ledger.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if receipt == nil || receipt.Succeeded() {
		t.Errorf("expected failed receipt, got %+v", receipt)
	}
	if content.Len() != 1 {
		t.Errorf("expected orphaned blob to remain, store has %d", content.Len())
	}
}

func TestUpdate_LinksPrevious(t *testing.T) {
	s, _, _ := newTestStore()
	doctor := newSigner(t)
	ctx := context.Background()

	v1, _, err := s.Create(ctx, doctor, patient, Upload{Data: []byte("v1"), Title: "Report"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	v2, _, err := s.Update(ctx, doctor, patient, v1.ContentID, Upload{Data: []byte("v2"), Title: "Report (rev)"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if v2.PreviousVersion != v1.ContentID {
		t.Errorf("expected previous %s, got %s", v1.ContentID, v2.PreviousVersion)
	}

	chain, err := s.ResolveChain(ctx, patient, v2.ContentID)
	if err != nil {
		t.Fatalf("ResolveChain: %v", err)
	}
	if len(chain) != 2 || chain[0].ContentID != v2.ContentID || chain[1].ContentID != v1.ContentID {
		t.Errorf("unexpected chain %v", contentIDs(chain))
	}
}

func TestUpdate_DoesNotCheckPrevious(t *testing.T) {
	s, _, _ := newTestStore()
	rec, _, err := s.Update(context.Background(), newSigner(t), patient, "never-existed", Upload{Data: []byte("x"), Title: "t"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.PreviousVersion != "never-existed" {
		t.Errorf("unexpected previous %s", rec.PreviousVersion)
	}
}

func TestUpdate_RequiresPrevious(t *testing.T) {
	s, _, _ := newTestStore()
	if _, _, err := s.Update(context.Background(), newSigner(t), patient, "", Upload{Data: []byte("x"), Title: "t"}); !errors.Is(err, ErrInvalidUpload) {
		t.Errorf("expected ErrInvalidUpload for empty previous version, got %v", err)
	}
}

// -- Chain resolution --

func TestResolveChain_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 25; trial++ {
		s, l, _ := newTestStore()
		depth := rng.Intn(8) + 1
		prev := ""
		for i := 0; i < depth; i++ {
			cid := fmt.Sprintf("t%d-v%d", trial, i)
			l.seed(patient, "0xdoc", cid, prev)
			// unrelated noise interleaved
			l.seed(patient, "0xdoc", fmt.Sprintf("t%d-noise%d", trial, i), "")
			prev = cid
		}

		chain, err := s.ResolveChain(context.Background(), patient, prev)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		if len(chain) != depth {
			t.Fatalf("trial %d: expected length %d, got %d", trial, depth, len(chain))
		}
		if chain[0].ContentID != prev {
			t.Errorf("trial %d: chain must start at head", trial)
		}
		if depth > 1 && chain[1].ContentID != chain[0].PreviousVersion {
			t.Errorf("trial %d: second element must be head's predecessor", trial)
		}
		if !chain[len(chain)-1].IsRoot() {
			t.Errorf("trial %d: chain must end at a root", trial)
		}
	}
}

func TestResolveChain_RootOnly(t *testing.T) {
	s, l, _ := newTestStore()
	l.seed(patient, "0xdoc", "root", "")
	chain, err := s.ResolveChain(context.Background(), patient, "root")
	if err != nil {
		t.Fatalf("ResolveChain: %v", err)
	}
	if len(chain) != 1 {
		t.Errorf("expected length 1, got %d", len(chain))
	}
}

func TestResolveChain_MissingPredecessor(t *testing.T) {
	s, l, _ := newTestStore()
	l.seed(patient, "0xdoc", "v2", "v1-gone")
	l.seed(patient, "0xdoc", "v3", "v2")

	ctx := context.Background()
	chain, err := s.ResolveChain(ctx, patient, "v3")
	if err != nil {
		t.Fatalf("partial chain must not be an error: %v", err)
	}
	if got := contentIDs(chain); len(got) != 2 || got[0] != "v3" || got[1] != "v2" {
		t.Errorf("unexpected partial chain %v", got)
	}

	all, _ := s.ListForPatient(ctx, patient)
	_, err = walkChain(all, "v3")
	if !errors.Is(err, ErrChainBroken) {
		t.Errorf("expected walkChain to report ErrChainBroken, got %v", err)
	}
}

func TestResolveChain_LaterPredecessorIgnored(t *testing.T) {
	s, l, _ := newTestStore()
	// a names c as predecessor, but c is only recorded after a
	l.seed(patient, "0xdoc", "a", "c")
	l.seed(patient, "0xdoc", "b", "a")
	l.seed(patient, "0xdoc", "c", "b")

	chain, err := s.ResolveChain(context.Background(), patient, "c")
	if err != nil {
		t.Fatalf("ResolveChain: %v", err)
	}
	if got := contentIDs(chain); strings.Join(got, ",") != "c,b,a" {
		t.Errorf("expected c,b,a, got %v", got)
	}
}

func TestResolveChain_SelfReference(t *testing.T) {
	s, _, _ := newTestStore()
	doctor := newSigner(t)
	ctx := context.Background()

	// identical bytes produce the same content id, so this version points at itself
	v1, _, _ := s.Create(ctx, doctor, patient, Upload{Data: []byte("same"), Title: "t"})
	s.Update(ctx, doctor, patient, v1.ContentID, Upload{Data: []byte("same"), Title: "t (rev)"})

	chain, err := s.ResolveChain(ctx, patient, v1.ContentID)
	if err != nil {
		t.Fatalf("ResolveChain: %v", err)
	}
	if got := titles(chain); strings.Join(got, ",") != "t (rev),t" {
		t.Errorf("expected t (rev),t, got %v", got)
	}

	heads, _ := s.Heads(ctx, patient)
	if got := titles(heads); strings.Join(got, ",") != "t (rev)" {
		t.Errorf("expected only the revision as head, got %v", got)
	}
}

func TestRevertToEarlierBytes(t *testing.T) {
	s, _, _ := newTestStore()
	doctor := newSigner(t)
	ctx := context.Background()

	a, _, _ := s.Create(ctx, doctor, patient, Upload{Data: []byte("v1"), Title: "Lab"})
	b, _, _ := s.Update(ctx, doctor, patient, a.ContentID, Upload{Data: []byte("v2"), Title: "Lab v2"})
	c, _, err := s.Update(ctx, doctor, patient, b.ContentID, Upload{Data: []byte("v1"), Title: "Lab v3"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if c.ContentID != a.ContentID {
		t.Fatalf("expected reverted bytes to share the content id")
	}

	heads, err := s.Heads(ctx, patient)
	if err != nil {
		t.Fatalf("Heads: %v", err)
	}
	if got := titles(heads); strings.Join(got, ",") != "Lab v3" {
		t.Errorf("expected Lab v3 as the only head, got %v", got)
	}

	chain, err := s.ResolveChain(ctx, patient, c.ContentID)
	if err != nil {
		t.Fatalf("ResolveChain: %v", err)
	}
	if got := titles(chain); strings.Join(got, ",") != "Lab v3,Lab v2,Lab" {
		t.Errorf("expected Lab v3,Lab v2,Lab, got %v", got)
	}
	if chain[1].ContentID != chain[0].PreviousVersion {
		t.Error("second element must be the head's predecessor")
	}
}

func TestDuplicateRootsThenUpdate(t *testing.T) {
	s, _, _ := newTestStore()
	doctor := newSigner(t)
	ctx := context.Background()

	first, _, _ := s.Create(ctx, doctor, patient, Upload{Data: []byte("scan"), Title: "Scan A"})
	second, _, _ := s.Create(ctx, doctor, patient, Upload{Data: []byte("scan"), Title: "Scan B"})
	if first.ContentID != second.ContentID {
		t.Fatalf("expected identical uploads to share the content id")
	}
	if _, _, err := s.Update(ctx, doctor, patient, second.ContentID, Upload{Data: []byte("scan, annotated"), Title: "Scan B v2"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	heads, err := s.Heads(ctx, patient)
	if err != nil {
		t.Fatalf("Heads: %v", err)
	}
	if got := titles(heads); strings.Join(got, ",") != "Scan A,Scan B v2" {
		t.Errorf("expected Scan A,Scan B v2, got %v", got)
	}

	chain, _ := s.ResolveChain(ctx, patient, first.ContentID)
	if got := titles(chain); strings.Join(got, ",") != "Scan B" {
		t.Errorf("head id resolves to its latest version, got %v", got)
	}
}

func TestResolveChain_UnknownHead(t *testing.T) {
	s, _, _ := newTestStore()
	if _, err := s.ResolveChain(context.Background(), patient, "nope"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

// -- Listing --

func TestListForDoctor_Subset(t *testing.T) {
	s, l, _ := newTestStore()
	l.seed(patient, "0xAbC0000000000000000000000000000000000001", "r1", "")
	l.seed(patient, "0x0000000000000000000000000000000000000002", "r2", "")
	l.seed(patient, "0xabc0000000000000000000000000000000000001", "r3", "r1")

	ctx := context.Background()
	all, _ := s.ListForPatient(ctx, patient)
	mine, err := s.ListForDoctor(ctx, patient, "0xABC0000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("ListForDoctor: %v", err)
	}
	if got := contentIDs(mine); strings.Join(got, ",") != "r1,r3" {
		t.Errorf("expected r1,r3, got %v", got)
	}

	inAll := make(map[string]bool)
	for _, r := range all {
		inAll[r.ContentID] = true
	}
	for _, r := range mine {
		if !inAll[r.ContentID] {
			t.Errorf("%s missing from patient listing", r.ContentID)
		}
		if !identity.EqualAddress(r.AuthorDoctor, "0xabc0000000000000000000000000000000000001") {
			t.Errorf("%s authored by %s", r.ContentID, r.AuthorDoctor)
		}
	}
}

func TestHeads(t *testing.T) {
	s, l, _ := newTestStore()
	l.seed(patient, "0xdoc", "a1", "")
	l.seed(patient, "0xdoc", "b1", "")
	l.seed(patient, "0xdoc", "a2", "a1")
	l.seed(patient, "0xdoc", "a3", "a2")

	heads, err := s.Heads(context.Background(), patient)
	if err != nil {
		t.Fatalf("Heads: %v", err)
	}
	if got := contentIDs(heads); strings.Join(got, ",") != "b1,a3" {
		t.Errorf("expected b1,a3, got %v", got)
	}
}

func TestFetchContent(t *testing.T) {
	s, _, _ := newTestStore()
	ctx := context.Background()
	rec, _, _ := s.Create(ctx, newSigner(t), patient, Upload{Data: []byte("report body"), Title: "t"})

	data, err := s.FetchContent(ctx, rec.ContentID)
	if err != nil {
		t.Fatalf("FetchContent: %v", err)
	}
	if string(data) != "report body" {
		t.Errorf("unexpected content %q", data)
	}
	if _, err := s.FetchContent(ctx, "missing"); !errors.Is(err, blobstore.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
