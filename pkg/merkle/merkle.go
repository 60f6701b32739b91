// Package merkle implements the single pairwise SHA-256 fold shared by the
// ledger's event root (spec.md §4.2) and storage's chunk root (§4.4): sort
// leaves lexicographically, then repeatedly hash adjacent pairs together,
// pairing an odd trailing leaf with itself.
//
// This intentionally does not domain-separate leaf and internal node
// hashes — see DESIGN.md for why that hardening is documented but not
// applied here.
package merkle

import (
	"crypto/sha256"
	"sort"

	"github.com/ApocalCrk/dvel/pkg/primitives"
)

// Fold computes the root over leaves. The caller must not pass an empty
// slice; callers with an "absent when empty" contract (ledger, storage)
// check that before calling Fold.
func Fold(leaves []primitives.Hash) primitives.Hash {
	sorted := make([]primitives.Hash, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	level := sorted
	for len(level) > 1 {
		next := make([]primitives.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i == len(level)-1 {
				next = append(next, foldPair(level[i], level[i]))
				continue
			}
			next = append(next, foldPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

func foldPair(a, b primitives.Hash) primitives.Hash {
	var buf [2 * primitives.HashSize]byte
	copy(buf[:primitives.HashSize], a[:])
	copy(buf[primitives.HashSize:], b[:])
	return sha256.Sum256(buf[:])
}
