package ledger

import (
	"fmt"

	"github.com/zeebo/blake3"
)

// Merkle membership proofs over the global output ordering. The tree is
// a complete binary tree over the first TreeSize outputs, padded to the
// next power of two with a fixed empty-leaf hash. The server only
// supplies proof material; clients recompute the implied root themselves
// and compare it against a root they already trust.

// Domain-separation prefixes for node hashing.
var (
	leafDomain  = []byte("shardveil-merkle-leaf")
	innerDomain = []byte("shardveil-merkle-node")
	emptyDomain = []byte("shardveil-merkle-empty")
)

// MembershipProof is the material needed to recompute the root for one
// output. Siblings are ordered bottom-up.
type MembershipProof struct {
	Index    uint64   `cramberry:"1"`
	TreeSize uint64   `cramberry:"2"`
	Siblings [][]byte `cramberry:"3"`
}

// TxOutHash returns the leaf hash of an output record.
func TxOutHash(txOut *TxOut) [32]byte {
	h := blake3.New()
	h.Write(leafDomain)
	h.Write(txOut.PublicKey[:])
	h.Write(txOut.Data)

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// MembershipProof builds the sibling-hash path for the output at the
// given global index against the tree over the first treeSize outputs.
// treeSize of zero means the current output count.
func (l *Ledger) MembershipProof(index, treeSize uint64) (*MembershipProof, error) {
	if treeSize == 0 {
		treeSize = l.NumTxOuts()
	}

	if index >= treeSize {
		return nil, fmt.Errorf("tx out %d outside tree of size %d: %w", index, treeSize, ErrNotFound)
	}

	leaves, err := l.leafHashes(treeSize)
	if err != nil {
		return nil, err
	}

	width := nextPow2(treeSize)
	level := make([][32]byte, width)
	copy(level, leaves)
	for i := treeSize; i < width; i++ {
		level[i] = emptyLeafHash()
	}

	proof := &MembershipProof{Index: index, TreeSize: treeSize}
	pos := index

	for len(level) > 1 {
		sibling := level[pos^1]
		proof.Siblings = append(proof.Siblings, append([]byte{}, sibling[:]...))

		next := make([][32]byte, len(level)/2)
		for i := range next {
			next[i] = innerHash(level[2*i], level[2*i+1])
		}

		level = next
		pos /= 2
	}

	return proof, nil
}

// Root returns the merkle root over the first treeSize outputs.
// treeSize of zero means the current output count.
func (l *Ledger) Root(treeSize uint64) ([32]byte, error) {
	if treeSize == 0 {
		treeSize = l.NumTxOuts()
	}

	leaves, err := l.leafHashes(treeSize)
	if err != nil {
		return [32]byte{}, err
	}

	width := nextPow2(treeSize)
	level := make([][32]byte, width)
	copy(level, leaves)
	for i := treeSize; i < width; i++ {
		level[i] = emptyLeafHash()
	}

	for len(level) > 1 {
		next := make([][32]byte, len(level)/2)
		for i := range next {
			next[i] = innerHash(level[2*i], level[2*i+1])
		}
		level = next
	}

	return level[0], nil
}

// ImpliedRoot recomputes the root a proof implies for the given leaf
// hash. The caller compares it against a trusted root; the server never
// asserts validity.
func ImpliedRoot(leafHash [32]byte, proof *MembershipProof) ([32]byte, error) {
	width := nextPow2(proof.TreeSize)
	depth := 0
	for w := width; w > 1; w /= 2 {
		depth++
	}

	if len(proof.Siblings) != depth {
		return [32]byte{}, fmt.Errorf("proof has %d siblings, want %d", len(proof.Siblings), depth)
	}

	node := leafHash
	pos := proof.Index

	for _, raw := range proof.Siblings {
		if len(raw) != 32 {
			return [32]byte{}, fmt.Errorf("sibling hash has %d bytes, want 32", len(raw))
		}

		var sibling [32]byte
		copy(sibling[:], raw)

		if pos%2 == 0 {
			node = innerHash(node, sibling)
		} else {
			node = innerHash(sibling, node)
		}

		pos /= 2
	}

	return node, nil
}

// leafHashes reads the first treeSize outputs and hashes them.
func (l *Ledger) leafHashes(treeSize uint64) ([][32]byte, error) {
	if treeSize > l.NumTxOuts() {
		return nil, fmt.Errorf("tree size %d exceeds output count %d", treeSize, l.NumTxOuts())
	}

	leaves := make([][32]byte, treeSize)

	for i := uint64(0); i < treeSize; i++ {
		txOut, err := l.GetTxOut(i)
		if err != nil {
			return nil, err
		}

		leaves[i] = TxOutHash(txOut)
	}

	return leaves, nil
}

// innerHash hashes two child nodes.
func innerHash(left, right [32]byte) [32]byte {
	h := blake3.New()
	h.Write(innerDomain)
	h.Write(left[:])
	h.Write(right[:])

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// emptyLeafHash is the padding hash for positions past TreeSize.
func emptyLeafHash() [32]byte {
	h := blake3.New()
	h.Write(emptyDomain)

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// nextPow2 rounds n up to a power of two (minimum 1).
func nextPow2(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p *= 2
	}

	return p
}
