package ledger

import "errors"

var (
	// ErrRejected is returned when a mined transaction has a failed receipt.
	ErrRejected = errors.New("transaction failed")
	// ErrAuthorization covers signing and nonce resolution failures.
	ErrAuthorization = errors.New("authorization error")
	ErrBadSignature  = errors.New("invalid transaction signature")
	ErrNonceMismatch = errors.New("nonce mismatch")
	ErrUnknownMethod = errors.New("unknown method")
	ErrNotFound      = errors.New("not found")
	ErrTampered      = errors.New("ledger integrity check failed")
)

// rule violations, surfaced as receipt errors
var (
	errNotAdmin          = errors.New("only the admin can register parties")
	errAlreadyRegistered = errors.New("address already registered")
	errEmptyName         = errors.New("name is required")
	errEmptyAddress      = errors.New("address is required")
	errNotDoctor         = errors.New("sender is not a registered doctor")
	errNotPatient        = errors.New("patient is not registered")
	errDoctorUnknown     = errors.New("doctor is not registered")
	errNoAccess          = errors.New("doctor is not authorized for patient")
	errNotSelf           = errors.New("only the patient can change access")
	errActorMismatch     = errors.New("audit actor must be the sender")
	errMissingContent    = errors.New("content id is required")
	errBadArgs           = errors.New("malformed call arguments")
)
