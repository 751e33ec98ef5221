package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/medledger/medledger/internal/platform/identity"
)

// Submitter is the write side of a ledger.
type Submitter interface {
	NonceAt(ctx context.Context, addr string) (uint64, error)
	Submit(ctx context.Context, tx Tx) (*Receipt, error)
}

// Client builds, signs and submits transactions. Nonce lookup through
// receipt is serialized per signing address; different addresses proceed
// in parallel.
type Client struct {
	ledger Submitter

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewClient(s Submitter) *Client {
	return &Client{ledger: s, locks: make(map[string]*sync.Mutex)}
}

func (c *Client) lockFor(addr string) *sync.Mutex {
	key := identity.NormalizeAddress(addr)
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[key]
	if !ok {
		m = &sync.Mutex{}
		c.locks[key] = m
	}
	return m
}

// Transact signs a call to method with signer and waits for its receipt.
// A failed receipt is returned together with an error wrapping ErrRejected.
func (c *Client) Transact(ctx context.Context, signer identity.Signer, method Method, args interface{}) (*Receipt, error) {
	if signer == nil {
		return nil, fmt.Errorf("%w: no signer", ErrAuthorization)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", method, err)
	}

	from := signer.Address()
	lock := c.lockFor(from)
	lock.Lock()
	defer lock.Unlock()

	nonce, err := c.ledger.NonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve nonce for %s: %w", ErrAuthorization, from, err)
	}

	tx := Tx{
		From:      from,
		Nonce:     nonce,
		Method:    method,
		Args:      raw,
		PublicKey: signer.PublicKey(),
	}
	sig, err := signer.Sign(tx.SigningPayload())
	if err != nil {
		return nil, fmt.Errorf("%w: sign %s: %w", ErrAuthorization, method, err)
	}
	tx.Signature = sig

	receipt, err := c.ledger.Submit(ctx, tx)
	if err != nil {
		if isSubmissionAuthError(err) {
			return nil, fmt.Errorf("%w: %w", ErrAuthorization, err)
		}
		return nil, fmt.Errorf("submit %s: %w", method, err)
	}
	if !receipt.Succeeded() {
		return receipt, fmt.Errorf("%w: %s", ErrRejected, receipt.Error)
	}
	return receipt, nil
}

func isSubmissionAuthError(err error) bool {
	return errors.Is(err, ErrBadSignature) || errors.Is(err, ErrNonceMismatch)
}
