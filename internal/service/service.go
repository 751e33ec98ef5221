// Package service composes the address book, record store, access control
// and audit log into the use-cases exposed over HTTP and the CLI. Every
// committed mutation is followed by exactly one audit append signed by the
// initiating actor; that append is best-effort.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/domain/access"
	"github.com/medledger/medledger/internal/domain/addressbook"
	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/records"
	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/platform/events"
	"github.com/medledger/medledger/internal/platform/identity"
	"github.com/medledger/medledger/internal/platform/ledger"
	"github.com/medledger/medledger/pkg/metrics"
)

var (
	ErrForbidden = errors.New("forbidden")
	ErrNoSession = errors.New("no session")
)

// DefaultRecentLimit is how many audit lines RecentActivity returns.
const DefaultRecentLimit = 5

// Result is the outcome of a mutating use-case.
type Result struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	TxID      string `json:"tx_id,omitempty"`
	ContentID string `json:"content_id,omitempty"`
	Reason    string `json:"reason,omitempty"`

	// Err is the underlying failure, for status mapping.
	Err error `json:"-"`
}

type AuditLog interface {
	Append(ctx context.Context, signer identity.Signer, actor string, kind audit.ActionKind, subject, details string) (*ledger.Receipt, error)
	QueryAll(ctx context.Context) ([]audit.Entry, error)
	QueryRecent(ctx context.Context, n int) ([]audit.Entry, error)
	FormatLine(ctx context.Context, e audit.Entry) string
	Export(ctx context.Context, w io.Writer) error
	Verify(ctx context.Context) (*audit.Integrity, error)
	Proof(ctx context.Context, seq uint64) (*ledger.AuditProof, error)
}

type RecordService struct {
	book    *addressbook.Book
	records *records.Store
	access  *access.Control
	audit   AuditLog

	events      events.Publisher
	metrics     *metrics.Collector
	logger      zerolog.Logger
	recentLimit int
}

type Option func(*RecordService)

func WithLogger(l zerolog.Logger) Option {
	return func(s *RecordService) { s.logger = l }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *RecordService) { s.events = p }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *RecordService) { s.metrics = m }
}

func WithRecentLimit(n int) Option {
	return func(s *RecordService) {
		if n > 0 {
			s.recentLimit = n
		}
	}
}

func New(book *addressbook.Book, recs *records.Store, ctl *access.Control, log AuditLog, opts ...Option) *RecordService {
	s := &RecordService{
		book:        book,
		records:     recs,
		access:      ctl,
		audit:       log,
		events:      events.NopPublisher{},
		logger:      zerolog.Nop(),
		recentLimit: DefaultRecentLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewCollector("medledger", prometheus.NewRegistry())
	}
	s.logger = s.logger.With().Str("component", "record_service").Logger()
	return s
}

// commit describes a mutation that has already been mined successfully.
type commit struct {
	signer  identity.Signer
	actor   string
	kind    audit.ActionKind
	subject string
	details string
	txID    string
	content string
}

// afterCommit appends the audit entry and publishes the event. Neither
// failure reaches the caller; both are logged and counted. The transaction is
// already mined, so a cancelled request must not drop its audit entry.
func (s *RecordService) afterCommit(ctx context.Context, c commit) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.audit.Append(ctx, c.signer, c.actor, c.kind, c.subject, c.details); err != nil {
		s.metrics.AuditAppendFailuresTotal.Inc()
		s.logger.Error().Err(err).
			Str("actor", c.actor).
			Str("action", string(c.kind)).
			Str("subject", c.subject).
			Str("tx_id", c.txID).
			Msg("audit append failed")
	} else {
		s.metrics.AuditEntriesTotal.Inc()
	}

	evt := events.New(string(c.kind), c.actor, c.subject, c.txID)
	evt.ContentID = c.content
	if err := s.events.Publish(ctx, evt); err != nil {
		s.metrics.EventPublishFailures.Inc()
		s.logger.Warn().Err(err).Str("event_id", evt.ID).Str("kind", evt.Kind).Msg("event publish failed")
	}
}

// failure builds the Result for a use-case that did not commit. A mined
// but failed transaction reports "Transaction failed!" like every other
// rejection; anything else is reported under prefix.
func (s *RecordService) failure(op, prefix string, receipt *ledger.Receipt, err error) Result {
	res := Result{Err: err}
	if errors.Is(err, ledger.ErrRejected) {
		s.metrics.LedgerTxTotal.WithLabelValues(op, "rejected").Inc()
		res.Message = "Transaction failed!"
		if receipt != nil {
			res.TxID = receipt.TxID
			res.Reason = receipt.Error
		}
		return res
	}
	if !errors.Is(err, ErrForbidden) && !errors.Is(err, ErrNoSession) {
		s.metrics.LedgerTxTotal.WithLabelValues(op, "error").Inc()
	}
	res.Message = fmt.Sprintf("%s: %v", prefix, err)
	return res
}

func session(ctx context.Context, sess *auth.Session) (*auth.Session, error) {
	if sess != nil {
		return sess, nil
	}
	if s, ok := auth.SessionFromContext(ctx); ok {
		return s, nil
	}
	return nil, ErrNoSession
}

func requireRole(sess *auth.Session, role string) error {
	if !sess.Is(role) {
		return fmt.Errorf("%w: %s role required", ErrForbidden, role)
	}
	return nil
}

// -- Registration --

// Register adds a doctor or patient. Only the admin may register; the admin
// is the audit actor.
func (s *RecordService) Register(ctx context.Context, sess *auth.Session, role addressbook.Role, address, name string) Result {
	const prefix = "Registration failed"
	sess, err := session(ctx, sess)
	if err == nil {
		err = requireRole(sess, auth.RoleAdmin)
	}
	if err != nil {
		return s.failure("register", prefix, nil, err)
	}

	receipt, err := s.book.Register(ctx, sess.Signer, role, address, name)
	if err != nil {
		return s.failure("register", prefix, receipt, err)
	}
	s.metrics.LedgerTxTotal.WithLabelValues("register", "success").Inc()

	kind := audit.DoctorRegistered
	if role == addressbook.RolePatient {
		kind = audit.PatientRegistered
	}
	s.afterCommit(ctx, commit{
		signer:  sess.Signer,
		actor:   sess.Address,
		kind:    kind,
		subject: address,
		details: fmt.Sprintf("Registered new %s: %s", role, strings.TrimSpace(name)),
		txID:    receipt.TxID,
	})
	return Result{Success: true, Message: "Registration successful!", TxID: receipt.TxID}
}

// -- Records --

// UploadRecord stores a new root record for patient authored by the session doctor.
func (s *RecordService) UploadRecord(ctx context.Context, sess *auth.Session, patient string, up records.Upload) Result {
	const prefix = "Error uploading file"
	sess, err := session(ctx, sess)
	if err == nil {
		err = requireRole(sess, auth.RoleDoctor)
	}
	if err != nil {
		return s.failure("upload_record", prefix, nil, err)
	}

	rec, receipt, err := s.records.Create(ctx, sess.Signer, patient, up)
	if err != nil {
		return s.failure("upload_record", prefix, receipt, err)
	}
	s.metrics.LedgerTxTotal.WithLabelValues("upload_record", "success").Inc()
	s.metrics.RecordsCreatedTotal.WithLabelValues("create").Inc()

	s.afterCommit(ctx, commit{
		signer:  sess.Signer,
		actor:   sess.Address,
		kind:    audit.RecordAdded,
		subject: patient,
		details: "Added new medical record: " + rec.Title,
		txID:    receipt.TxID,
		content: rec.ContentID,
	})
	return Result{Success: true, Message: "File uploaded successfully!", TxID: receipt.TxID, ContentID: rec.ContentID}
}

// UpdateRecord stores a new version superseding previous. The previous
// version is not checked for authorship.
func (s *RecordService) UpdateRecord(ctx context.Context, sess *auth.Session, patient, previous string, up records.Upload) Result {
	const prefix = "Error updating record"
	sess, err := session(ctx, sess)
	if err == nil {
		err = requireRole(sess, auth.RoleDoctor)
	}
	if err != nil {
		return s.failure("update_record", prefix, nil, err)
	}

	rec, receipt, err := s.records.Update(ctx, sess.Signer, patient, previous, up)
	if err != nil {
		return s.failure("update_record", prefix, receipt, err)
	}
	s.metrics.LedgerTxTotal.WithLabelValues("update_record", "success").Inc()
	s.metrics.RecordsCreatedTotal.WithLabelValues("update").Inc()

	s.afterCommit(ctx, commit{
		signer:  sess.Signer,
		actor:   sess.Address,
		kind:    audit.RecordUpdated,
		subject: patient,
		details: "Updated medical record: " + rec.Title,
		txID:    receipt.TxID,
		content: rec.ContentID,
	})
	return Result{Success: true, Message: "Record updated successfully!", TxID: receipt.TxID, ContentID: rec.ContentID}
}

// -- Access --

// GrantAccess lets the session patient authorize doctor.
func (s *RecordService) GrantAccess(ctx context.Context, sess *auth.Session, doctor, patient string) Result {
	return s.changeAccess(ctx, sess, doctor, patient, true)
}

// RevokeAccess lets the session patient withdraw doctor's authorization.
func (s *RecordService) RevokeAccess(ctx context.Context, sess *auth.Session, doctor, patient string) Result {
	return s.changeAccess(ctx, sess, doctor, patient, false)
}

func (s *RecordService) changeAccess(ctx context.Context, sess *auth.Session, doctor, patient string, grant bool) Result {
	op, prefix, okMsg := "revoke_access", "Error revoking access", "Access revoked successfully!"
	kind, details := audit.AccessRevoked, "Patient revoked access from doctor"
	if grant {
		op, prefix, okMsg = "grant_access", "Error granting access", "Access granted successfully!"
		kind, details = audit.AccessGranted, "Patient granted access to doctor"
	}

	sess, err := session(ctx, sess)
	if err == nil {
		err = requireRole(sess, auth.RolePatient)
	}
	if err == nil && !identity.EqualAddress(sess.Address, patient) {
		err = fmt.Errorf("%w: patients can only change access to their own records", ErrForbidden)
	}
	if err != nil {
		return s.failure(op, prefix, nil, err)
	}

	var receipt *ledger.Receipt
	if grant {
		receipt, err = s.access.Grant(ctx, sess.Signer, doctor, patient)
	} else {
		receipt, err = s.access.Revoke(ctx, sess.Signer, doctor, patient)
	}
	if err != nil {
		return s.failure(op, prefix, receipt, err)
	}
	s.metrics.LedgerTxTotal.WithLabelValues(op, "success").Inc()
	s.metrics.AccessChangesTotal.WithLabelValues(string(kind)).Inc()

	s.afterCommit(ctx, commit{
		signer:  sess.Signer,
		actor:   sess.Address,
		kind:    kind,
		subject: doctor,
		details: details,
		txID:    receipt.TxID,
	})
	return Result{Success: true, Message: okMsg, TxID: receipt.TxID}
}
