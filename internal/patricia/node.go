// Copyright 2024 The sequencer-sub008 Authors
// This file is part of the sequencer-sub008 library.
//
// The sequencer-sub008 library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The sequencer-sub008 library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the sequencer-sub008 library. If not, see <http://www.gnu.org/licenses/>.

// Package patricia implements the sparse binary Merkle-Patricia forest and
// committer of §4.A: three tries (contracts, classes, per-contract storage)
// sharing one skeleton-build / fill-and-hash algorithm.
//
// Grounded on ethercoreorg-go-ethereum/trie/committer.go's recursive
// commit-children-then-parent shape (see DESIGN.md), generalized from
// go-ethereum's 16-ary hex trie to the binary Edge/Binary/Leaf node set the
// Starknet Patricia trie uses.
package patricia

import (
	"github.com/starkware-libs/sequencer-sub008/internal/felt"
)

// Kind tags a node variant (§3).
type Kind int

const (
	KindBinary Kind = iota
	KindEdge
	KindLeaf
	// KindUnmodified never appears in anything the engine writes; it is a
	// skeleton-only placeholder for an unvisited sibling subtree (invariant
	// v: "the engine never writes UnmodifiedSubtree nodes").
	KindUnmodified
)

// Node is one of Binary{Left,Right}, Edge{Path,Length,Bottom}, Leaf{Value},
// or UnmodifiedSubtree{Hash} (§3).
type Node struct {
	Kind Kind

	Left  felt.Felt // Binary
	Right felt.Felt // Binary

	Path   []uint8   // Edge: path_bits, MSB-first, len(Path) == Length
	Length int       // Edge: length >= 1 (invariant iii)
	Bottom felt.Felt // Edge: hash of the node reached after consuming Path

	Value felt.Felt // Leaf

	Hash felt.Felt // Unmodified subtree's cached hash
}

func pathToFelt(path []uint8) felt.Felt {
	acc := felt.Zero
	two := felt.FromUint64(2)
	for _, b := range path {
		acc = acc.Mul(two)
		if b != 0 {
			acc = acc.Add(felt.One)
		}
	}
	return acc
}

// LeafHasher computes the node hash of a Leaf's value. The committer builds
// no Leaf nodes and passes nil: leaf values reach it already hashed (storage
// and classes leaves are the value itself, and the Forest hashes a
// contract's {nonce, storage_root, class_hash} triple before committing).
type LeafHasher func(value felt.Felt) felt.Felt

// Hash computes a node's hash per §3: Binary = H(left,right), Edge =
// H(bottom,path)+length, Leaf is leaf-type specific, Unmodified reuses its
// cached hash.
func (n *Node) computeHash(leafHash LeafHasher) felt.Felt {
	switch n.Kind {
	case KindBinary:
		return felt.PoseidonHash2(n.Left, n.Right)
	case KindEdge:
		base := felt.PoseidonHash2(n.Bottom, pathToFelt(n.Path))
		return base.Add(felt.FromUint64(uint64(n.Length)))
	case KindLeaf:
		return leafHash(n.Value)
	case KindUnmodified:
		return n.Hash
	default:
		panic("patricia: unknown node kind")
	}
}

// empty is the sentinel hash for "no node here"; it is never a valid
// Poseidon output in practice (it's the felt additive identity) and is used
// the way go-ethereum uses a nil/empty root hash.
var empty = felt.Zero

func isEmpty(h felt.Felt) bool { return h.Eq(empty) }
