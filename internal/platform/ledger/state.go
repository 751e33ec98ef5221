package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/medledger/medledger/internal/platform/identity"
)

// state is the materialized view produced by replaying blocks in order.
// Maps are keyed by normalized (lowercase) address.
type state struct {
	admin string

	doctors      map[string]*Party
	doctorOrder  []string
	patients     map[string]*Party
	patientOrder []string

	records map[string][]Record

	access      map[string]map[string]bool
	accessOrder map[string][]string

	audit  []AuditEntry
	nonces map[string]uint64
}

func newState(admin string) *state {
	return &state{
		admin:       identity.NormalizeAddress(admin),
		doctors:     make(map[string]*Party),
		patients:    make(map[string]*Party),
		records:     make(map[string][]Record),
		access:      make(map[string]map[string]bool),
		accessOrder: make(map[string][]string),
		nonces:      make(map[string]uint64),
	}
}

// validate checks the ledger rules for tx without touching state.
func (s *state) validate(tx *Tx) error {
	from := identity.NormalizeAddress(tx.From)

	switch tx.Method {
	case MethodRegisterDoctor, MethodRegisterPatient:
		var a RegisterArgs
		if err := decodeArgs(tx, &a); err != nil {
			return err
		}
		if from != s.admin {
			return errNotAdmin
		}
		if strings.TrimSpace(a.Address) == "" {
			return errEmptyAddress
		}
		if strings.TrimSpace(a.Name) == "" {
			return errEmptyName
		}
		registry := s.doctors
		if tx.Method == MethodRegisterPatient {
			registry = s.patients
		}
		if _, ok := registry[identity.NormalizeAddress(a.Address)]; ok {
			return errAlreadyRegistered
		}
		return nil

	case MethodCreateRecord:
		var a RecordArgs
		if err := decodeArgs(tx, &a); err != nil {
			return err
		}
		if strings.TrimSpace(a.ContentID) == "" {
			return errMissingContent
		}
		if _, ok := s.doctors[from]; !ok {
			return errNotDoctor
		}
		patient := identity.NormalizeAddress(a.Patient)
		if _, ok := s.patients[patient]; !ok {
			return errNotPatient
		}
		if !s.access[from][patient] {
			return errNoAccess
		}
		return nil

	case MethodGrantAccess, MethodRevokeAccess:
		var a AccessArgs
		if err := decodeArgs(tx, &a); err != nil {
			return err
		}
		patient := identity.NormalizeAddress(a.Patient)
		if from != patient {
			return errNotSelf
		}
		if _, ok := s.patients[patient]; !ok {
			return errNotPatient
		}
		if _, ok := s.doctors[identity.NormalizeAddress(a.Doctor)]; !ok {
			return errDoctorUnknown
		}
		return nil

	case MethodAppendAudit:
		var a AuditArgs
		if err := decodeArgs(tx, &a); err != nil {
			return err
		}
		if identity.NormalizeAddress(a.Actor) != from {
			return errActorMismatch
		}
		return nil
	}

	return fmt.Errorf("%w: %s", ErrUnknownMethod, tx.Method)
}

// apply mutates state for a transaction that already passed validate.
func (s *state) apply(tx *Tx, at time.Time, block uint64) {
	switch tx.Method {
	case MethodRegisterDoctor, MethodRegisterPatient:
		var a RegisterArgs
		_ = decodeArgs(tx, &a)
		key := identity.NormalizeAddress(a.Address)
		if tx.Method == MethodRegisterDoctor {
			s.doctors[key] = &Party{Address: a.Address, Name: a.Name, Role: RoleDoctor, RoleLabel: a.RoleLabel, RegisteredAt: at}
			s.doctorOrder = append(s.doctorOrder, key)
		} else {
			s.patients[key] = &Party{Address: a.Address, Name: a.Name, Role: RolePatient, RoleLabel: a.RoleLabel, RegisteredAt: at}
			s.patientOrder = append(s.patientOrder, key)
		}

	case MethodCreateRecord:
		var a RecordArgs
		_ = decodeArgs(tx, &a)
		key := identity.NormalizeAddress(a.Patient)
		s.records[key] = append(s.records[key], Record{
			ContentID:       a.ContentID,
			MimeType:        a.MimeType,
			FileName:        a.FileName,
			Title:           a.Title,
			Description:     a.Description,
			CreatedAt:       at,
			Patient:         a.Patient,
			Doctor:          tx.From,
			Active:          true,
			PreviousVersion: a.PreviousVersion,
		})

	case MethodGrantAccess, MethodRevokeAccess:
		var a AccessArgs
		_ = decodeArgs(tx, &a)
		doctor := identity.NormalizeAddress(a.Doctor)
		patient := identity.NormalizeAddress(a.Patient)
		edges, ok := s.access[doctor]
		if !ok {
			edges = make(map[string]bool)
			s.access[doctor] = edges
		}
		if _, seen := edges[patient]; !seen {
			s.accessOrder[doctor] = append(s.accessOrder[doctor], patient)
		}
		edges[patient] = tx.Method == MethodGrantAccess

	case MethodAppendAudit:
		var a AuditArgs
		_ = decodeArgs(tx, &a)
		s.audit = append(s.audit, AuditEntry{
			Seq:       uint64(len(s.audit)),
			Actor:     a.Actor,
			Action:    a.Action,
			Subject:   a.Subject,
			Details:   a.Details,
			Timestamp: at,
			Block:     block,
		})
	}
}

func decodeArgs(tx *Tx, v interface{}) error {
	if err := json.Unmarshal(tx.Args, v); err != nil {
		return fmt.Errorf("%w: %v", errBadArgs, err)
	}
	return nil
}
