package audit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/medledger/medledger/internal/platform/identity"
	"github.com/medledger/medledger/internal/platform/ledger"
)

var ErrUnknownAction = errors.New("unknown audit action")

// TimeLayout is the timestamp format of exported lines, always UTC.
const TimeLayout = "2006-01-02 15:04:05"

// Log is the append-only audit trail kept on the ledger.
type Log struct {
	tx     Transactor
	reader Reader
	names  NameResolver
}

func NewLog(tx Transactor, reader Reader, names NameResolver) *Log {
	return &Log{tx: tx, reader: reader, names: names}
}

// Append records an action signed by the actor's own credential.
func (l *Log) Append(ctx context.Context, signer identity.Signer, actor string, kind ActionKind, subject, details string) (*ledger.Receipt, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}
	return l.tx.Transact(ctx, signer, ledger.MethodAppendAudit, ledger.AuditArgs{
		Actor:   actor,
		Action:  string(kind),
		Subject: subject,
		Details: details,
	})
}

// QueryAll returns every entry in append order.
func (l *Log) QueryAll(ctx context.Context) ([]Entry, error) {
	trail, err := l.reader.AuditTrail(ctx)
	if err != nil {
		return nil, fmt.Errorf("read audit trail: %w", err)
	}
	out := make([]Entry, len(trail))
	for i, e := range trail {
		out[i] = fromLedger(e)
	}
	return out, nil
}

// QueryRecent returns the last n entries, still in append order.
func (l *Log) QueryRecent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return []Entry{}, nil
	}
	all, err := l.QueryAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// ResolveDisplayName is the best-effort presentation name for address.
func (l *Log) ResolveDisplayName(ctx context.Context, address string) string {
	if l.names == nil || address == "" {
		return address
	}
	return l.names.DisplayName(ctx, address)
}

// FormatLine renders one entry for export. The subject segment is only
// written when the subject resolves to a registered name.
func (l *Log) FormatLine(ctx context.Context, e Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Actor: %s -> Action: %s", l.ResolveDisplayName(ctx, e.Actor), e.Action)
	if e.Subject != "" {
		if name := l.ResolveDisplayName(ctx, e.Subject); name != e.Subject {
			fmt.Fprintf(&b, " - Subject: %s", name)
		}
	}
	fmt.Fprintf(&b, " - Date: %s", e.Timestamp.UTC().Format(TimeLayout))
	return b.String()
}

// Export writes the trail newest-first, one line per entry.
func (l *Log) Export(ctx context.Context, w io.Writer) error {
	entries, err := l.QueryAll(ctx)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	for i := len(entries) - 1; i >= 0; i-- {
		if _, err := fmt.Fprintln(bw, l.FormatLine(ctx, entries[i])); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
	}
	return bw.Flush()
}

// Verify checks the ledger hash chain and reports the audit Merkle root.
// A broken chain is reported in the result, not as an error.
func (l *Log) Verify(ctx context.Context) (*Integrity, error) {
	blocks, verr := l.reader.Verify(ctx)
	entries, err := l.reader.AuditTrail(ctx)
	if err != nil {
		return nil, fmt.Errorf("read audit trail: %w", err)
	}
	root, err := l.reader.AuditRoot(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit root: %w", err)
	}
	res := &Integrity{Valid: verr == nil, Blocks: blocks, Entries: len(entries), Root: root}
	if verr != nil {
		if !errors.Is(verr, ledger.ErrTampered) {
			return nil, verr
		}
		res.Error = verr.Error()
	}
	return res, nil
}

// Proof returns a Merkle inclusion proof for the entry at seq.
func (l *Log) Proof(ctx context.Context, seq uint64) (*ledger.AuditProof, error) {
	return l.reader.AuditProof(ctx, seq)
}
