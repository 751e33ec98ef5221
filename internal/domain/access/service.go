package access

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/platform/identity"
	"github.com/medledger/medledger/internal/platform/ledger"
)

// Control manages doctor/patient authorization edges. Grants and revokes are
// signed by the patient; the ledger rejects anyone else and makes repeats
// no-ops, so Control does not track edge state itself.
type Control struct {
	tx     Transactor
	reader Reader
	logger zerolog.Logger
}

func NewControl(tx Transactor, reader Reader, logger zerolog.Logger) *Control {
	return &Control{tx: tx, reader: reader, logger: logger.With().Str("component", "access").Logger()}
}

// Grant authorizes doctor for patient.
func (c *Control) Grant(ctx context.Context, signer identity.Signer, doctor, patient string) (*ledger.Receipt, error) {
	return c.change(ctx, signer, ledger.MethodGrantAccess, doctor, patient)
}

// Revoke withdraws doctor's authorization for patient.
func (c *Control) Revoke(ctx context.Context, signer identity.Signer, doctor, patient string) (*ledger.Receipt, error) {
	return c.change(ctx, signer, ledger.MethodRevokeAccess, doctor, patient)
}

func (c *Control) change(ctx context.Context, signer identity.Signer, method ledger.Method, doctor, patient string) (*ledger.Receipt, error) {
	if err := identity.ValidateAddress(doctor); err != nil {
		return nil, fmt.Errorf("doctor: %w", err)
	}
	if err := identity.ValidateAddress(patient); err != nil {
		return nil, fmt.Errorf("patient: %w", err)
	}
	return c.tx.Transact(ctx, signer, method, ledger.AccessArgs{Doctor: doctor, Patient: patient})
}

// IsAuthorized reports whether the edge is currently granted. A missing
// edge and a failed lookup both read as false.
func (c *Control) IsAuthorized(ctx context.Context, doctor, patient string) bool {
	ok, err := c.reader.IsAuthorized(ctx, doctor, patient)
	if err != nil {
		c.logger.Warn().Err(err).Str("doctor", doctor).Str("patient", patient).Msg("authorization lookup failed")
		return false
	}
	return ok
}

// AuthorizedPatients lists the patients currently granted to doctor.
func (c *Control) AuthorizedPatients(ctx context.Context, doctor string) ([]string, error) {
	patients, err := c.reader.AuthorizedPatients(ctx, doctor)
	if err != nil {
		return nil, fmt.Errorf("authorized patients for %s: %w", doctor, err)
	}
	return patients, nil
}
