// Package ledger implements the append-only, hash-chained transaction ledger
// that holds the party registry, medical record index, access edges and the
// audit trail. Every state transition is a signed transaction mined into its
// own block.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Method names a state transition the ledger understands.
type Method string

const (
	MethodRegisterDoctor  Method = "registerDoctor"
	MethodRegisterPatient Method = "registerPatient"
	MethodCreateRecord    Method = "createRecord"
	MethodGrantAccess     Method = "grantAccess"
	MethodRevokeAccess    Method = "revokeAccess"
	MethodAppendAudit     Method = "appendAudit"
)

// Status is the outcome recorded in a receipt.
type Status uint8

const (
	StatusFailed  Status = 0
	StatusSuccess Status = 1
)

// Tx is a signed state-transition request.
type Tx struct {
	From      string          `json:"from"`
	Nonce     uint64          `json:"nonce"`
	Method    Method          `json:"method"`
	Args      json.RawMessage `json:"args"`
	PublicKey []byte          `json:"public_key"`
	Signature []byte          `json:"signature"`
}

// SigningPayload is the byte string covered by the signature.
func (tx *Tx) SigningPayload() []byte {
	b, _ := json.Marshal(struct {
		From   string          `json:"from"`
		Nonce  uint64          `json:"nonce"`
		Method Method          `json:"method"`
		Args   json.RawMessage `json:"args"`
	}{tx.From, tx.Nonce, tx.Method, tx.Args})
	return b
}

// ID is the transaction hash.
func (tx *Tx) ID() string {
	h := sha256.New()
	h.Write(tx.SigningPayload())
	h.Write(tx.Signature)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// Receipt reports how a mined transaction ended.
type Receipt struct {
	TxID      string    `json:"tx_id"`
	Status    Status    `json:"status"`
	Block     uint64    `json:"block"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

func (r *Receipt) Succeeded() bool { return r != nil && r.Status == StatusSuccess }

// Block wraps exactly one transaction.
type Block struct {
	Number    uint64    `json:"number"`
	Timestamp time.Time `json:"timestamp"`
	PrevHash  string    `json:"prev_hash"`
	Tx        Tx        `json:"tx"`
	Receipt   Receipt   `json:"receipt"`
	Hash      string    `json:"hash"`
}

// ComputeHash hashes the block header and its transaction outcome.
func (b *Block) ComputeHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%s|%s|%d|%s", b.Number, b.Timestamp.UnixNano(), b.PrevHash, b.Tx.ID(), b.Receipt.Status, b.Receipt.Error)
	return hex.EncodeToString(h.Sum(nil))
}

// Role distinguishes the two party registries.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// Party is a registered doctor or patient.
type Party struct {
	Address      string    `json:"address"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	RoleLabel    string    `json:"role_label"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Record is the ledger's view of one record version.
type Record struct {
	ContentID       string    `json:"content_id"`
	MimeType        string    `json:"mime_type"`
	FileName        string    `json:"file_name"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"created_at"`
	Patient         string    `json:"patient"`
	Doctor          string    `json:"doctor"`
	Active          bool      `json:"active"`
	PreviousVersion string    `json:"previous_version"`
}

// AuditEntry is one row of the on-ledger audit trail.
type AuditEntry struct {
	Seq       uint64    `json:"seq"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Subject   string    `json:"subject"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
	Block     uint64    `json:"block"`
}

// Hash is the Merkle leaf for the entry.
func (e AuditEntry) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%d", e.Seq, e.Actor, e.Action, e.Subject, e.Details, e.Timestamp.UnixNano())
	return hex.EncodeToString(h.Sum(nil))
}

// Call arguments, JSON-encoded into Tx.Args.

type RegisterArgs struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	RoleLabel string `json:"role_label"`
}

type RecordArgs struct {
	Patient         string `json:"patient"`
	ContentID       string `json:"content_id"`
	MimeType        string `json:"mime_type"`
	FileName        string `json:"file_name"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	PreviousVersion string `json:"previous_version"`
}

type AccessArgs struct {
	Doctor  string `json:"doctor"`
	Patient string `json:"patient"`
}

type AuditArgs struct {
	Actor   string `json:"actor"`
	Action  string `json:"action"`
	Subject string `json:"subject"`
	Details string `json:"details"`
}
