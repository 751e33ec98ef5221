package records

import (
	"time"

	"github.com/medledger/medledger/internal/platform/ledger"
)

// DefaultMimeType is used when an upload does not declare one.
const DefaultMimeType = "application/octet-stream"

// MedicalRecord is one immutable version of a patient's record. An empty
// PreviousVersion marks the root of a version chain.
type MedicalRecord struct {
	ContentID       string    `json:"content_id"`
	MimeType        string    `json:"mime_type"`
	FileName        string    `json:"file_name"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"created_at"`
	OwnerPatient    string    `json:"owner_patient"`
	AuthorDoctor    string    `json:"author_doctor"`
	Active          bool      `json:"active"`
	PreviousVersion string    `json:"previous_version,omitempty"`
}

func (r *MedicalRecord) IsRoot() bool { return r.PreviousVersion == "" }

// Upload carries a new version's bytes and descriptive fields.
type Upload struct {
	Data        []byte
	MimeType    string
	FileName    string
	Title       string
	Description string
}

func fromLedger(r ledger.Record) *MedicalRecord {
	return &MedicalRecord{
		ContentID:       r.ContentID,
		MimeType:        r.MimeType,
		FileName:        r.FileName,
		Title:           r.Title,
		Description:     r.Description,
		CreatedAt:       r.CreatedAt,
		OwnerPatient:    r.Patient,
		AuthorDoctor:    r.Doctor,
		Active:          r.Active,
		PreviousVersion: r.PreviousVersion,
	}
}
