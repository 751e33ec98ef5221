// Package identity maps private-key credentials to ledger addresses and signs
// transaction payloads on behalf of their holder.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

var (
	ErrInvalidKey     = errors.New("invalid private key")
	ErrInvalidAddress = errors.New("invalid address")
)

// Signer is the capability to sign ledger payloads for one address.
type Signer interface {
	Address() string
	PublicKey() []byte
	Sign(payload []byte) ([]byte, error)
}

// KeySigner signs with an in-memory ed25519 key.
type KeySigner struct {
	priv ed25519.PrivateKey
	addr string
}

// ParsePrivateKey decodes a hex-encoded 32-byte seed. A leading "0x" is accepted.
func ParsePrivateKey(s string) (*KeySigner, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	return newKeySigner(ed25519.NewKeyFromSeed(seed)), nil
}

// GenerateKey creates a fresh signer and returns it with its hex seed.
func GenerateKey() (*KeySigner, string, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	return newKeySigner(priv), "0x" + hex.EncodeToString(priv.Seed()), nil
}

func newKeySigner(priv ed25519.PrivateKey) *KeySigner {
	return &KeySigner{
		priv: priv,
		addr: AddressFromPublicKey(priv.Public().(ed25519.PublicKey)),
	}
}

func (k *KeySigner) Address() string { return k.addr }

func (k *KeySigner) PublicKey() []byte {
	return []byte(k.priv.Public().(ed25519.PublicKey))
}

func (k *KeySigner) Sign(payload []byte) ([]byte, error) {
	if len(k.priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	return ed25519.Sign(k.priv, payload), nil
}

// AddressFromPublicKey returns "0x" followed by the last 20 bytes of the
// keccak-256 digest of pub, lowercase hex.
func AddressFromPublicKey(pub []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub)
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[len(sum)-20:])
}

// Verify reports whether sig is a valid signature of payload by pub.
func Verify(pub, payload, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}

// NormalizeAddress lowercases an address for use as a map key.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// EqualAddress compares two addresses case-insensitively.
func EqualAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ValidateAddress checks the 0x-prefixed 40 hex digit form.
func ValidateAddress(addr string) error {
	if len(addr) != 42 || !(strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X")) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	if _, err := hex.DecodeString(addr[2:]); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return nil
}
