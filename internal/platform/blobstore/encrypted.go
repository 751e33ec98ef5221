package blobstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// ErrDecrypt is returned when stored content cannot be opened with any known key.
var ErrDecrypt = errors.New("content decryption failed")

// sealedMagic prefixes every blob written by EncryptedStore, followed by one
// key-version byte, the GCM nonce and the ciphertext.
var sealedMagic = []byte("MLE1")

// Keyring holds the current content key and older keys kept for reading.
type Keyring struct {
	mu         sync.RWMutex
	current    cipher.AEAD
	currentVer byte
	previous   map[byte]cipher.AEAD
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("content key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func NewKeyring(currentKey []byte, version byte) (*Keyring, error) {
	aead, err := newAEAD(currentKey)
	if err != nil {
		return nil, err
	}
	return &Keyring{current: aead, currentVer: version, previous: map[byte]cipher.AEAD{}}, nil
}

// AddPreviousKey registers a retired key so blobs sealed with it stay readable.
func (k *Keyring) AddPreviousKey(key []byte, version byte) error {
	aead, err := newAEAD(key)
	if err != nil {
		return fmt.Errorf("key v%d: %w", version, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.previous[version] = aead
	return nil
}

func (k *Keyring) CurrentVersion() byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.currentVer
}

// ParseKeyring reads "version:hexkey" pairs separated by commas. The first
// pair is the current key.
func ParseKeyring(keys string) (*Keyring, error) {
	var ring *Keyring
	for i, part := range strings.Split(keys, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		verStr, keyHex, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("content key %d: want version:hexkey", i)
		}
		ver, err := strconv.ParseUint(strings.TrimPrefix(verStr, "v"), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("content key %d: invalid version %q", i, verStr)
		}
		key, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("content key %d: %w", i, err)
		}
		if ring == nil {
			if ring, err = NewKeyring(key, byte(ver)); err != nil {
				return nil, err
			}
			continue
		}
		if err := ring.AddPreviousKey(key, byte(ver)); err != nil {
			return nil, err
		}
	}
	if ring == nil {
		return nil, fmt.Errorf("no content keys configured")
	}
	return ring, nil
}

func (k *Keyring) seal(data []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	nonce := make([]byte, k.current.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, len(sealedMagic)+1+len(nonce)+len(data)+k.current.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, k.currentVer)
	out = append(out, nonce...)
	return k.current.Seal(out, nonce, data, sealedMagic), nil
}

func (k *Keyring) open(blob []byte) ([]byte, error) {
	if len(blob) < len(sealedMagic)+1 || string(blob[:len(sealedMagic)]) != string(sealedMagic) {
		return nil, fmt.Errorf("%w: not a sealed blob", ErrDecrypt)
	}
	ver := blob[len(sealedMagic)]
	body := blob[len(sealedMagic)+1:]

	k.mu.RLock()
	aead := k.current
	if ver != k.currentVer {
		aead = k.previous[ver]
	}
	k.mu.RUnlock()
	if aead == nil {
		return nil, fmt.Errorf("%w: no key for version %d", ErrDecrypt, ver)
	}

	if len(body) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	nonce, ct := body[:aead.NonceSize()], body[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, sealedMagic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

// EncryptedStore seals blobs with AES-256-GCM before handing them to the
// wrapped store. Content ids address the sealed bytes, so the same file
// uploaded twice gets two ids. Rotating keys never rewrites stored blobs:
// ledger records reference content ids, which are immutable.
type EncryptedStore struct {
	inner Store
	keys  *Keyring
}

func NewEncryptedStore(inner Store, keys *Keyring) *EncryptedStore {
	return &EncryptedStore{inner: inner, keys: keys}
}

func (s *EncryptedStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := validate(data); err != nil {
		return "", err
	}
	sealed, err := s.keys.seal(data)
	if err != nil {
		return "", err
	}
	return s.inner.Put(ctx, sealed)
}

func (s *EncryptedStore) Get(ctx context.Context, id string) ([]byte, error) {
	blob, err := s.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.keys.open(blob)
}
