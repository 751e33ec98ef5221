package audit

import (
	"time"

	"github.com/medledger/medledger/internal/platform/ledger"
)

// ActionKind is the fixed vocabulary of audited actions.
type ActionKind string

const (
	RecordAdded       ActionKind = "RECORD_ADDED"
	RecordUpdated     ActionKind = "RECORD_UPDATED"
	AccessGranted     ActionKind = "ACCESS_GRANTED"
	AccessRevoked     ActionKind = "ACCESS_REVOKED"
	DoctorRegistered  ActionKind = "DOCTOR_REGISTERED"
	PatientRegistered ActionKind = "PATIENT_REGISTERED"
)

var validKinds = map[ActionKind]bool{
	RecordAdded:       true,
	RecordUpdated:     true,
	AccessGranted:     true,
	AccessRevoked:     true,
	DoctorRegistered:  true,
	PatientRegistered: true,
}

func (k ActionKind) Valid() bool { return validKinds[k] }

// Entry is one immutable audit row. Seq is the append position.
type Entry struct {
	Seq       uint64     `json:"seq"`
	Actor     string     `json:"actor"`
	Action    ActionKind `json:"action"`
	Subject   string     `json:"subject"`
	Details   string     `json:"details"`
	Timestamp time.Time  `json:"timestamp"`
	Block     uint64     `json:"block"`
}

func fromLedger(e ledger.AuditEntry) Entry {
	return Entry{
		Seq:       e.Seq,
		Actor:     e.Actor,
		Action:    ActionKind(e.Action),
		Subject:   e.Subject,
		Details:   e.Details,
		Timestamp: e.Timestamp,
		Block:     e.Block,
	}
}

// Integrity is the result of a tamper check.
type Integrity struct {
	Valid   bool   `json:"valid"`
	Blocks  uint64 `json:"blocks"`
	Entries int    `json:"entries"`
	Root    string `json:"root"`
	Error   string `json:"error,omitempty"`
}
