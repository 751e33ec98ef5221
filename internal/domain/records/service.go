package records

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/platform/blobstore"
	"github.com/medledger/medledger/internal/platform/identity"
	"github.com/medledger/medledger/internal/platform/ledger"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrInvalidUpload  = errors.New("invalid upload")
	// ErrChainBroken marks a version chain whose predecessor is missing.
	// ResolveChain logs it and returns the partial chain.
	ErrChainBroken = errors.New("version chain broken")
)

// Store manages versioned records: bytes go to the content store, the
// version index goes to the ledger.
type Store struct {
	tx      Transactor
	reader  Reader
	content ContentStore
	logger  zerolog.Logger
}

func NewStore(tx Transactor, reader Reader, content ContentStore, logger zerolog.Logger) *Store {
	return &Store{
		tx:      tx,
		reader:  reader,
		content: content,
		logger:  logger.With().Str("component", "records").Logger(),
	}
}

// Create stores a new root record for patient, signed by the author doctor.
func (s *Store) Create(ctx context.Context, signer identity.Signer, patient string, up Upload) (*MedicalRecord, *ledger.Receipt, error) {
	return s.write(ctx, signer, patient, "", up)
}

// Update stores a new version superseding previous. previous is not checked
// for existence or authorship.
func (s *Store) Update(ctx context.Context, signer identity.Signer, patient, previous string, up Upload) (*MedicalRecord, *ledger.Receipt, error) {
	if strings.TrimSpace(previous) == "" {
		return nil, nil, fmt.Errorf("%w: previous version is required", ErrInvalidUpload)
	}
	return s.write(ctx, signer, patient, previous, up)
}

func (s *Store) write(ctx context.Context, signer identity.Signer, patient, previous string, up Upload) (*MedicalRecord, *ledger.Receipt, error) {
	if strings.TrimSpace(up.Title) == "" {
		return nil, nil, fmt.Errorf("%w: title is required", ErrInvalidUpload)
	}
	if strings.TrimSpace(patient) == "" {
		return nil, nil, fmt.Errorf("%w: patient is required", ErrInvalidUpload)
	}
	if up.MimeType == "" {
		up.MimeType = DefaultMimeType
	}

	cid, err := s.content.Put(ctx, up.Data)
	if err != nil {
		if errors.Is(err, blobstore.ErrEmptyContent) || errors.Is(err, blobstore.ErrFileTooLarge) {
			return nil, nil, err
		}
		if !errors.Is(err, blobstore.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", blobstore.ErrStoreUnavailable, err)
		}
		return nil, nil, err
	}

	args := ledger.RecordArgs{
		Patient:         patient,
		ContentID:       cid,
		MimeType:        up.MimeType,
		FileName:        up.FileName,
		Title:           up.Title,
		Description:     up.Description,
		PreviousVersion: previous,
	}
	receipt, err := s.tx.Transact(ctx, signer, ledger.MethodCreateRecord, args)
	if err != nil {
		// the blob stays in the content store unreferenced
		s.logger.Debug().Str("content_id", cid).Err(err).Msg("ledger write failed after upload")
		return nil, receipt, err
	}

	rec := &MedicalRecord{
		ContentID:       cid,
		MimeType:        up.MimeType,
		FileName:        up.FileName,
		Title:           up.Title,
		Description:     up.Description,
		CreatedAt:       receipt.Timestamp,
		OwnerPatient:    patient,
		AuthorDoctor:    signer.Address(),
		Active:          true,
		PreviousVersion: previous,
	}
	return rec, receipt, nil
}

// ListForPatient returns every version for patient in ledger order.
func (s *Store) ListForPatient(ctx context.Context, patient string) ([]*MedicalRecord, error) {
	recs, err := s.reader.RecordsForPatient(ctx, patient)
	if err != nil {
		return nil, fmt.Errorf("list records for %s: %w", patient, err)
	}
	out := make([]*MedicalRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromLedger(r))
	}
	return out, nil
}

// ListActive returns the versions the ledger flags active.
func (s *Store) ListActive(ctx context.Context, patient string) ([]*MedicalRecord, error) {
	recs, err := s.reader.ActiveRecords(ctx, patient)
	if err != nil {
		return nil, fmt.Errorf("list active records for %s: %w", patient, err)
	}
	out := make([]*MedicalRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromLedger(r))
	}
	return out, nil
}

// ListForDoctor returns the versions of patient authored by doctor.
func (s *Store) ListForDoctor(ctx context.Context, patient, doctor string) ([]*MedicalRecord, error) {
	all, err := s.ListForPatient(ctx, patient)
	if err != nil {
		return nil, err
	}
	var out []*MedicalRecord
	for _, r := range all {
		if identity.EqualAddress(r.AuthorDoctor, doctor) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Heads returns versions that no later version supersedes, in ledger order.
// Identical bytes share a content id, so a predecessor reference resolves to
// the latest matching version recorded before the referencing one.
func (s *Store) Heads(ctx context.Context, patient string) ([]*MedicalRecord, error) {
	all, err := s.ListForPatient(ctx, patient)
	if err != nil {
		return nil, err
	}
	superseded := make([]bool, len(all))
	latest := make(map[string]int, len(all))
	for j, r := range all {
		if !r.IsRoot() {
			if i, ok := latest[r.PreviousVersion]; ok {
				superseded[i] = true
			}
		}
		latest[r.ContentID] = j
	}
	var out []*MedicalRecord
	for i, r := range all {
		if !superseded[i] {
			out = append(out, r)
		}
	}
	return out, nil
}

// ResolveChain returns head followed by each predecessor, newest first. The
// head is its latest version in ledger order and each predecessor is looked
// up among the versions recorded before the current one. A missing
// predecessor ends the walk with the partial chain.
func (s *Store) ResolveChain(ctx context.Context, patient, head string) ([]*MedicalRecord, error) {
	all, err := s.ListForPatient(ctx, patient)
	if err != nil {
		return nil, err
	}
	chain, err := walkChain(all, head)
	if errors.Is(err, ErrChainBroken) {
		s.logger.Warn().Err(err).Str("patient", patient).Str("head", head).Int("depth", len(chain)).Msg("returning partial version chain")
		return chain, nil
	}
	return chain, err
}

// walkChain expects all in ledger order. Positions strictly decrease along
// the walk, so it always terminates.
func walkChain(all []*MedicalRecord, head string) ([]*MedicalRecord, error) {
	positions := make(map[string][]int, len(all))
	for i, r := range all {
		positions[r.ContentID] = append(positions[r.ContentID], i)
	}
	latestBefore := func(cid string, limit int) (int, bool) {
		pos := positions[cid]
		for k := len(pos) - 1; k >= 0; k-- {
			if pos[k] < limit {
				return pos[k], true
			}
		}
		return 0, false
	}

	p, ok := latestBefore(head, len(all))
	if !ok {
		return nil, fmt.Errorf("%s: %w", head, ErrRecordNotFound)
	}

	var chain []*MedicalRecord
	for {
		cur := all[p]
		chain = append(chain, cur)

		prev := cur.PreviousVersion
		if prev == "" {
			return chain, nil
		}
		if p, ok = latestBefore(prev, p); !ok {
			return chain, fmt.Errorf("%w: predecessor %s of %s not found", ErrChainBroken, prev, cur.ContentID)
		}
	}
}

// FetchContent reads a record's bytes from the content store.
func (s *Store) FetchContent(ctx context.Context, contentID string) ([]byte, error) {
	return s.content.Get(ctx, contentID)
}
