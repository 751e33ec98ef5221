package service

import (
	"context"
	"fmt"
	"io"

	"github.com/medledger/medledger/internal/domain/addressbook"
	"github.com/medledger/medledger/internal/domain/audit"
	"github.com/medledger/medledger/internal/domain/records"
	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/platform/identity"
	"github.com/medledger/medledger/internal/platform/ledger"
)

// PatientView is an authorized patient with its registered name.
type PatientView struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// canReadPatient allows the patient itself and any doctor the patient has
// currently authorized.
func (s *RecordService) canReadPatient(ctx context.Context, sess *auth.Session, patient string) error {
	switch sess.Role {
	case auth.RolePatient:
		if identity.EqualAddress(sess.Address, patient) {
			return nil
		}
	case auth.RoleDoctor:
		if s.access.IsAuthorized(ctx, sess.Address, patient) {
			return nil
		}
	}
	return fmt.Errorf("%w: no access to records of %s", ErrForbidden, patient)
}

func (s *RecordService) readPatient(ctx context.Context, sess *auth.Session, patient string) error {
	sess, err := session(ctx, sess)
	if err != nil {
		return err
	}
	return s.canReadPatient(ctx, sess, patient)
}

// Parties lists registered doctors or patients. Any session may read them.
func (s *RecordService) Parties(ctx context.Context, sess *auth.Session, role addressbook.Role) ([]*addressbook.Party, error) {
	if _, err := session(ctx, sess); err != nil {
		return nil, err
	}
	return s.book.List(ctx, role)
}

// ListForPatient returns every record version of patient in ledger order.
func (s *RecordService) ListForPatient(ctx context.Context, sess *auth.Session, patient string) ([]*records.MedicalRecord, error) {
	if err := s.readPatient(ctx, sess, patient); err != nil {
		return nil, err
	}
	return s.records.ListForPatient(ctx, patient)
}

// ListForDoctor returns patient's versions authored by doctor.
func (s *RecordService) ListForDoctor(ctx context.Context, sess *auth.Session, patient, doctor string) ([]*records.MedicalRecord, error) {
	if err := s.readPatient(ctx, sess, patient); err != nil {
		return nil, err
	}
	return s.records.ListForDoctor(ctx, patient, doctor)
}

// CurrentVersions returns the versions not superseded by another.
func (s *RecordService) CurrentVersions(ctx context.Context, sess *auth.Session, patient string) ([]*records.MedicalRecord, error) {
	if err := s.readPatient(ctx, sess, patient); err != nil {
		return nil, err
	}
	return s.records.Heads(ctx, patient)
}

// ResolveChain returns the version history of head, newest first.
func (s *RecordService) ResolveChain(ctx context.Context, sess *auth.Session, patient, head string) ([]*records.MedicalRecord, error) {
	if err := s.readPatient(ctx, sess, patient); err != nil {
		return nil, err
	}
	return s.records.ResolveChain(ctx, patient, head)
}

// FetchContent returns the bytes of one of patient's record versions.
func (s *RecordService) FetchContent(ctx context.Context, sess *auth.Session, patient, contentID string) (*records.MedicalRecord, []byte, error) {
	if err := s.readPatient(ctx, sess, patient); err != nil {
		return nil, nil, err
	}
	all, err := s.records.ListForPatient(ctx, patient)
	if err != nil {
		return nil, nil, err
	}
	var rec *records.MedicalRecord
	for _, r := range all {
		if r.ContentID == contentID {
			rec = r
			break
		}
	}
	if rec == nil {
		return nil, nil, fmt.Errorf("%s: %w", contentID, records.ErrRecordNotFound)
	}
	data, err := s.records.FetchContent(ctx, contentID)
	if err != nil {
		return nil, nil, err
	}
	return rec, data, nil
}

// IsAuthorized is readable by either side of the edge.
func (s *RecordService) IsAuthorized(ctx context.Context, sess *auth.Session, doctor, patient string) (bool, error) {
	sess, err := session(ctx, sess)
	if err != nil {
		return false, err
	}
	if !identity.EqualAddress(sess.Address, doctor) && !identity.EqualAddress(sess.Address, patient) {
		return false, fmt.Errorf("%w: only the doctor or the patient may read this edge", ErrForbidden)
	}
	return s.access.IsAuthorized(ctx, doctor, patient), nil
}

// AuthorizedPatients lists the patients that currently authorize doctor,
// with their names. Readable by the doctor and the admin.
func (s *RecordService) AuthorizedPatients(ctx context.Context, sess *auth.Session, doctor string) ([]PatientView, error) {
	sess, err := session(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !sess.Is(auth.RoleAdmin) && !identity.EqualAddress(sess.Address, doctor) {
		return nil, fmt.Errorf("%w: doctors can only list their own patients", ErrForbidden)
	}

	addrs, err := s.access.AuthorizedPatients(ctx, doctor)
	if err != nil {
		return nil, err
	}
	out := make([]PatientView, 0, len(addrs))
	for _, a := range addrs {
		view := PatientView{Address: a, Name: a}
		if p, err := s.book.Get(ctx, addressbook.RolePatient, a); err == nil {
			view.Name = p.Name
		} else {
			s.logger.Debug().Err(err).Str("patient", a).Msg("authorized patient has no registry entry")
		}
		out = append(out, view)
	}
	return out, nil
}

// -- Audit --

func (s *RecordService) AuditTrail(ctx context.Context, sess *auth.Session) ([]audit.Entry, error) {
	if _, err := session(ctx, sess); err != nil {
		return nil, err
	}
	return s.audit.QueryAll(ctx)
}

// RecentActivity renders the newest audit entries, newest first.
func (s *RecordService) RecentActivity(ctx context.Context, sess *auth.Session) ([]string, error) {
	if _, err := session(ctx, sess); err != nil {
		return nil, err
	}
	entries, err := s.audit.QueryRecent(ctx, s.recentLimit)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		lines = append(lines, s.audit.FormatLine(ctx, entries[i]))
	}
	return lines, nil
}

func (s *RecordService) ExportAudit(ctx context.Context, sess *auth.Session, w io.Writer) error {
	if _, err := session(ctx, sess); err != nil {
		return err
	}
	return s.audit.Export(ctx, w)
}

// VerifyAudit checks the ledger hash chain. Admin only.
func (s *RecordService) VerifyAudit(ctx context.Context, sess *auth.Session) (*audit.Integrity, error) {
	sess, err := session(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := requireRole(sess, auth.RoleAdmin); err != nil {
		return nil, err
	}
	return s.audit.Verify(ctx)
}

// AuditProof returns the inclusion proof for entry seq.
func (s *RecordService) AuditProof(ctx context.Context, sess *auth.Session, seq uint64) (*ledger.AuditProof, error) {
	if _, err := session(ctx, sess); err != nil {
		return nil, err
	}
	return s.audit.Proof(ctx, seq)
}
