package addressbook

import (
	"time"

	"github.com/medledger/medledger/internal/platform/ledger"
)

type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// Label is the role label stored alongside a registration ("Doctor", "Patient").
func (r Role) Label() string {
	switch r {
	case RoleDoctor:
		return "Doctor"
	case RolePatient:
		return "Patient"
	}
	return string(r)
}

func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

type Party struct {
	Address      string    `json:"address"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	RoleLabel    string    `json:"role_label"`
	RegisteredAt time.Time `json:"registered_at"`
}

// DisplayName is "Dr. <name>" for doctors and the bare name otherwise.
func (p *Party) DisplayName() string {
	if p.Role == RoleDoctor {
		return "Dr. " + p.Name
	}
	return p.Name
}

func fromLedger(p ledger.Party) *Party {
	return &Party{
		Address:      p.Address,
		Name:         p.Name,
		Role:         Role(p.Role),
		RoleLabel:    p.RoleLabel,
		RegisteredAt: p.RegisteredAt,
	}
}
