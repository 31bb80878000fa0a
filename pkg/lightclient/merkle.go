package lightclient

import (
	"crypto/sha256"

	"github.com/attestantio/go-eth2-client/spec/phase0"
)

// Merkleize computes the SSZ merkle root of the chunks, padding with zero
// chunks up to the next power of two.
func Merkleize(chunks [][32]byte) phase0.Root {
	n := 1
	for n < len(chunks) {
		n *= 2
	}

	layer := make([][32]byte, n)
	copy(layer, chunks)

	for len(layer) > 1 {
		next := make([][32]byte, len(layer)/2)

		for i := range next {
			next[i] = hashPair(layer[2*i], layer[2*i+1])
		}

		layer = next
	}

	return phase0.Root(layer[0])
}

// VerifyBranch checks a merkle proof: leaf at generalized position (depth,
// index) against root.
func VerifyBranch(leaf phase0.Root, branch []phase0.Root, depth int, index uint64, root phase0.Root) bool {
	if len(branch) < depth {
		return false
	}

	node := [32]byte(leaf)

	for i := 0; i < depth; i++ {
		sibling := [32]byte(branch[i])

		if (index>>uint(i))&1 == 1 {
			node = hashPair(sibling, node)
		} else {
			node = hashPair(node, sibling)
		}
	}

	return phase0.Root(node) == root
}

func hashPair(a, b [32]byte) [32]byte {
	h := sha256.New()
	h.Write(a[:])
	h.Write(b[:])

	var out [32]byte

	copy(out[:], h.Sum(nil))

	return out
}
