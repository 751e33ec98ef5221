package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/platform/identity"
)

// Ledger validates, mines and persists transactions, one per block, and
// serves queries from the replayed state.
type Ledger struct {
	mu      sync.RWMutex
	backend Backend
	st      *state
	head    *Block
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the block timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Open replays the blocks held by backend and returns a ledger ready to accept
// transactions. admin is the only address allowed to register parties.
func Open(ctx context.Context, backend Backend, admin string, logger zerolog.Logger, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		backend: backend,
		st:      newState(admin),
		now:     time.Now,
		logger:  logger.With().Str("component", "ledger").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}

	blocks, err := backend.Blocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", err)
	}
	for _, b := range blocks {
		if err := l.replay(b); err != nil {
			return nil, err
		}
	}

	l.logger.Info().Int("blocks", len(blocks)).Str("admin", admin).Msg("ledger opened")
	return l, nil
}

func (l *Ledger) replay(b *Block) error {
	if err := checkLink(l.head, b); err != nil {
		return err
	}
	ruleErr := l.st.validate(&b.Tx)
	if (ruleErr == nil) != b.Receipt.Succeeded() {
		return fmt.Errorf("%w: block %d replays to a different outcome", ErrTampered, b.Number)
	}
	if ruleErr == nil {
		l.st.apply(&b.Tx, b.Timestamp, b.Number)
	}
	l.st.nonces[identity.NormalizeAddress(b.Tx.From)]++
	l.head = b
	return nil
}

// NonceAt returns the next nonce expected from addr.
func (l *Ledger) NonceAt(_ context.Context, addr string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.st.nonces[identity.NormalizeAddress(addr)], nil
}

// Submit mines tx into a new block. Bad signatures and stale nonces are
// refused without a block; rule violations are mined with a failed receipt.
func (l *Ledger) Submit(ctx context.Context, tx Tx) (*Receipt, error) {
	if !identity.EqualAddress(identity.AddressFromPublicKey(tx.PublicKey), tx.From) {
		return nil, fmt.Errorf("%w: public key does not match sender", ErrBadSignature)
	}
	if !identity.Verify(tx.PublicKey, tx.SigningPayload(), tx.Signature) {
		return nil, ErrBadSignature
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from := identity.NormalizeAddress(tx.From)
	if want := l.st.nonces[from]; tx.Nonce != want {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrNonceMismatch, want, tx.Nonce)
	}

	var (
		number   uint64
		prevHash string
	)
	if l.head != nil {
		number = l.head.Number + 1
		prevHash = l.head.Hash
	}

	b := &Block{
		Number:    number,
		Timestamp: l.now().UTC(),
		PrevHash:  prevHash,
		Tx:        tx,
	}
	ruleErr := l.st.validate(&tx)
	b.Receipt = Receipt{
		TxID:      tx.ID(),
		Status:    StatusSuccess,
		Block:     number,
		Timestamp: b.Timestamp,
	}
	if ruleErr != nil {
		b.Receipt.Status = StatusFailed
		b.Receipt.Error = ruleErr.Error()
	}
	b.Hash = b.ComputeHash()

	if err := l.backend.Append(ctx, b); err != nil {
		return nil, fmt.Errorf("persist block %d: %w", number, err)
	}

	if ruleErr == nil {
		l.st.apply(&tx, b.Timestamp, number)
	}
	l.st.nonces[from]++
	l.head = b

	l.logger.Debug().
		Uint64("block", number).
		Str("method", string(tx.Method)).
		Str("from", tx.From).
		Bool("success", ruleErr == nil).
		Msg("block mined")

	receipt := b.Receipt
	return &receipt, nil
}

// Height is the number of mined blocks.
func (l *Ledger) Height(_ context.Context) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.head == nil {
		return 0
	}
	return l.head.Number + 1
}

// Head returns the hash of the latest block, empty for an empty ledger.
func (l *Ledger) Head(_ context.Context) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.head == nil {
		return ""
	}
	return l.head.Hash
}

// Verify re-reads every stored block and checks hashes and links.
func (l *Ledger) Verify(ctx context.Context) (uint64, error) {
	blocks, err := l.backend.Blocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("load blocks: %w", err)
	}
	var prev *Block
	for _, b := range blocks {
		if err := checkLink(prev, b); err != nil {
			return uint64(len(blocks)), err
		}
		prev = b
	}
	return uint64(len(blocks)), nil
}

func checkLink(prev, b *Block) error {
	if b.ComputeHash() != b.Hash {
		return fmt.Errorf("%w: block %d hash mismatch", ErrTampered, b.Number)
	}
	if prev == nil {
		if b.Number != 0 || b.PrevHash != "" {
			return fmt.Errorf("%w: bad genesis block", ErrTampered)
		}
		return nil
	}
	if b.Number != prev.Number+1 || b.PrevHash != prev.Hash {
		return fmt.Errorf("%w: block %d does not link to %d", ErrTampered, b.Number, prev.Number)
	}
	return nil
}

// -- Queries --

// Doctor returns the registered doctor at addr.
func (l *Ledger) Doctor(_ context.Context, addr string) (*Party, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.st.doctors[identity.NormalizeAddress(addr)]
	if !ok {
		return nil, fmt.Errorf("doctor %s: %w", addr, ErrNotFound)
	}
	out := *p
	return &out, nil
}

// Patient returns the registered patient at addr.
func (l *Ledger) Patient(_ context.Context, addr string) (*Party, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.st.patients[identity.NormalizeAddress(addr)]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", addr, ErrNotFound)
	}
	out := *p
	return &out, nil
}

// Doctors lists doctors in registration order.
func (l *Ledger) Doctors(_ context.Context) ([]Party, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Party, 0, len(l.st.doctorOrder))
	for _, k := range l.st.doctorOrder {
		out = append(out, *l.st.doctors[k])
	}
	return out, nil
}

// Patients lists patients in registration order.
func (l *Ledger) Patients(_ context.Context) ([]Party, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Party, 0, len(l.st.patientOrder))
	for _, k := range l.st.patientOrder {
		out = append(out, *l.st.patients[k])
	}
	return out, nil
}

// RecordsForPatient returns every record version for patient in mining order.
func (l *Ledger) RecordsForPatient(_ context.Context, patient string) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	recs := l.st.records[identity.NormalizeAddress(patient)]
	out := make([]Record, len(recs))
	copy(out, recs)
	return out, nil
}

// ActiveRecords returns the records for patient flagged active.
func (l *Ledger) ActiveRecords(_ context.Context, patient string) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, r := range l.st.records[identity.NormalizeAddress(patient)] {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

// IsAuthorized reports the current state of the (doctor, patient) edge.
func (l *Ledger) IsAuthorized(_ context.Context, doctor, patient string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.st.access[identity.NormalizeAddress(doctor)][identity.NormalizeAddress(patient)], nil
}

// AuthorizedPatients returns patients currently granted to doctor, in first-grant order.
func (l *Ledger) AuthorizedPatients(_ context.Context, doctor string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	key := identity.NormalizeAddress(doctor)
	var out []string
	for _, p := range l.st.accessOrder[key] {
		if l.st.access[key][p] {
			out = append(out, l.st.patients[p].Address)
		}
	}
	return out, nil
}

// AuditTrail returns every audit entry in append order.
func (l *Ledger) AuditTrail(_ context.Context) ([]AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]AuditEntry, len(l.st.audit))
	copy(out, l.st.audit)
	return out, nil
}
