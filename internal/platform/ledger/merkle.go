package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// AuditProof shows that one audit entry is included under Root.
type AuditProof struct {
	Seq   uint64      `json:"seq"`
	Leaf  string      `json:"leaf"`
	Root  string      `json:"root"`
	Steps []ProofStep `json:"steps"`
}

func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// merkleLayers builds every level of the tree; an odd node pairs with itself.
func merkleLayers(leaves []string) [][]string {
	if len(leaves) == 0 {
		return nil
	}
	layers := [][]string{leaves}
	layer := leaves
	for len(layer) > 1 {
		next := make([]string, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			right := layer[i]
			if i+1 < len(layer) {
				right = layer[i+1]
			}
			next = append(next, hashPair(layer[i], right))
		}
		layers = append(layers, next)
		layer = next
	}
	return layers
}

// MerkleRoot returns the root over leaves, empty for no leaves.
func MerkleRoot(leaves []string) string {
	layers := merkleLayers(leaves)
	if layers == nil {
		return ""
	}
	return layers[len(layers)-1][0]
}

// MerkleProof returns the sibling path for leaves[idx].
func MerkleProof(leaves []string, idx int) ([]ProofStep, error) {
	if idx < 0 || idx >= len(leaves) {
		return nil, fmt.Errorf("leaf %d: %w", idx, ErrNotFound)
	}
	layers := merkleLayers(leaves)
	var steps []ProofStep
	for _, row := range layers[:len(layers)-1] {
		sib := idx ^ 1
		if sib >= len(row) {
			sib = idx
		}
		steps = append(steps, ProofStep{Hash: row[sib], Left: sib < idx})
		idx /= 2
	}
	return steps, nil
}

// VerifyProof recomputes the root from leaf and steps.
func VerifyProof(leaf string, steps []ProofStep, root string) bool {
	cur := leaf
	for _, s := range steps {
		if s.Left {
			cur = hashPair(s.Hash, cur)
		} else {
			cur = hashPair(cur, s.Hash)
		}
	}
	return cur == root
}

func auditLeaves(entries []AuditEntry) []string {
	leaves := make([]string, len(entries))
	for i, e := range entries {
		leaves[i] = e.Hash()
	}
	return leaves
}

// AuditRoot is the Merkle root over the current audit trail.
func (l *Ledger) AuditRoot(ctx context.Context) (string, error) {
	entries, err := l.AuditTrail(ctx)
	if err != nil {
		return "", err
	}
	return MerkleRoot(auditLeaves(entries)), nil
}

// AuditProof proves inclusion of the entry with the given sequence number.
func (l *Ledger) AuditProof(ctx context.Context, seq uint64) (*AuditProof, error) {
	entries, err := l.AuditTrail(ctx)
	if err != nil {
		return nil, err
	}
	if seq >= uint64(len(entries)) {
		return nil, fmt.Errorf("audit entry %d: %w", seq, ErrNotFound)
	}
	leaves := auditLeaves(entries)
	steps, err := MerkleProof(leaves, int(seq))
	if err != nil {
		return nil, err
	}
	return &AuditProof{
		Seq:   seq,
		Leaf:  leaves[seq],
		Root:  MerkleRoot(leaves),
		Steps: steps,
	}, nil
}
