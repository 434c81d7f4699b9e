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

package patricia

import (
	"fmt"
	"sort"

	"github.com/starkware-libs/sequencer-sub008/internal/errutil"
	"github.com/starkware-libs/sequencer-sub008/internal/felt"
)

// TrieID names one of the forest's tries: "contracts", "classes", or
// "storage:<address-hex>" for a per-contract storage trie.
type TrieID string

// Reader fetches a previously-committed inner (Binary/Edge) node by hash.
// Leaves are never stored as separate entries: a leaf's "hash" is its value,
// so no lookup is needed to reach one (§3: the engine only ever persists
// Binary and Edge nodes).
type Reader interface {
	GetNode(id TrieID, hash felt.Felt) (*Node, error)
}

// change is one leaf modification, keyed by its 251-bit trie index.
type change struct {
	Index  felt.Felt
	Value  felt.Felt
	Delete bool
}

func bitAt(index felt.Felt, depth int) uint8 {
	return uint8(index.Bit(uint(Bits - 1 - depth)))
}

// dedupAndSort sorts changes by index (phase 1: "sorted indices") and
// rejects two changes at the same index with contradictory values
// (LeafConflict).
func dedupAndSort(raw []change) ([]change, error) {
	sorted := make([]change, len(raw))
	copy(sorted, raw)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index.Cmp(sorted[j].Index) < 0 })

	out := sorted[:0:0]
	for i := 0; i < len(sorted); i++ {
		c := sorted[i]
		if len(out) > 0 && out[len(out)-1].Index.Eq(c.Index) {
			prev := out[len(out)-1]
			if prev.Delete != c.Delete || (!prev.Delete && !prev.Value.Eq(c.Value)) {
				return nil, errutil.New(errutil.InvalidInput,
					fmt.Sprintf("patricia: conflicting writes at index %s", c.Index.Hex()))
			}
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// committer carries the per-call state threaded through the recursive
// descent: the reader, the trie being committed, and the set of newly
// produced inner nodes to persist.
type committer struct {
	reader  Reader
	id      TrieID
	written map[felt.Felt]*Node
}

func (c *committer) store(n *Node) felt.Felt {
	h := n.computeHash(nil)
	c.written[h] = n
	return h
}

// unchangedTail reconstructs the hash of an edge's remaining (unmodified)
// suffix without touching the reader: it is a pure function of path+bottom,
// identical to what was already on disk, so no MissingPreimage risk exists
// here — only the now-obsolete longer edge at the split point is replaced.
func (c *committer) unchangedTail(path []uint8, bottom felt.Felt) (felt.Felt, *Node) {
	if len(path) == 0 {
		return bottom, nil
	}
	n := &Node{Kind: KindEdge, Path: append([]uint8{}, path...), Length: len(path), Bottom: bottom}
	return c.store(n), n
}

// extendEdge prefixes a one-or-more-bit path onto a child result, merging
// with the child if it is itself an Edge (invariant iv: a leaf below depth
// 251 must be reached by exactly one Edge whose length is the full
// remaining depth, never a chain of edges).
func (c *committer) extendEdge(prefix []uint8, childHash felt.Felt, childNode *Node) (felt.Felt, *Node) {
	if isEmpty(childHash) {
		return empty, nil
	}
	if childNode != nil && childNode.Kind == KindEdge {
		merged := append(append([]uint8{}, prefix...), childNode.Path...)
		n := &Node{Kind: KindEdge, Path: merged, Length: len(merged), Bottom: childNode.Bottom}
		return c.store(n), n
	}
	n := &Node{Kind: KindEdge, Path: append([]uint8{}, prefix...), Length: len(prefix), Bottom: childHash}
	return c.store(n), n
}

// combine builds the Binary node at depth out of its two children, or
// collapses to a single Edge when one side vanished (invariant ii: no
// Binary node has an empty child).
func (c *committer) combine(leftHash felt.Felt, leftNode *Node, rightHash felt.Felt, rightNode *Node) (felt.Felt, *Node) {
	switch {
	case isEmpty(leftHash) && isEmpty(rightHash):
		return empty, nil
	case isEmpty(leftHash):
		return c.extendEdge([]uint8{1}, rightHash, rightNode)
	case isEmpty(rightHash):
		return c.extendEdge([]uint8{0}, leftHash, leftNode)
	default:
		n := &Node{Kind: KindBinary, Left: leftHash, Right: rightHash}
		return c.store(n), n
	}
}

func partition(changes []change, depth int) (left, right []change) {
	for _, ch := range changes {
		if bitAt(ch.Index, depth) == 0 {
			left = append(left, ch)
		} else {
			right = append(right, ch)
		}
	}
	return left, right
}

// apply is the single recursive descent implementing all four phases of
// §4.A at once: it fetches only the nodes on the path to a modified leaf
// (original skeleton build), rewrites the path bottom-up as it unwinds
// (updated skeleton), and returns the new hash directly (fill & hash),
// entirely skipping any subtree with zero changes under it — which is how
// "the engine never writes UnmodifiedSubtree nodes" (invariant v) holds:
// those subtrees are never even visited.
func (c *committer) apply(curHash felt.Felt, depth int, changes []change) (felt.Felt, *Node, error) {
	if len(changes) == 0 {
		return curHash, nil, nil
	}
	if depth == Bits {
		ch := changes[0]
		if ch.Delete {
			return empty, nil, nil
		}
		return ch.Value, nil, nil
	}

	var node *Node
	if !isEmpty(curHash) {
		n, err := c.reader.GetNode(c.id, curHash)
		if err != nil {
			return felt.Zero, nil, errutil.Wrap(errutil.MissingPreimage, err,
				fmt.Sprintf("patricia: missing node %s in trie %q", curHash.Hex(), c.id))
		}
		node = n
	}

	switch {
	case node == nil:
		left, right := partition(changes, depth)
		lh, ln, err := c.apply(empty, depth+1, left)
		if err != nil {
			return felt.Zero, nil, err
		}
		rh, rn, err := c.apply(empty, depth+1, right)
		if err != nil {
			return felt.Zero, nil, err
		}
		h, n := c.combine(lh, ln, rh, rn)
		return h, n, nil

	case node.Kind == KindBinary:
		left, right := partition(changes, depth)
		lh, ln, err := c.apply(node.Left, depth+1, left)
		if err != nil {
			return felt.Zero, nil, err
		}
		rh, rn, err := c.apply(node.Right, depth+1, right)
		if err != nil {
			return felt.Zero, nil, err
		}
		h, n := c.combine(lh, ln, rh, rn)
		return h, n, nil

	case node.Kind == KindEdge:
		h, n, err := c.splitEdge(node.Path, node.Bottom, depth, changes)
		return h, n, err

	default:
		return felt.Zero, nil, errutil.New(errutil.Fatal, "patricia: unexpected node kind reached mid-descent")
	}
}

// splitEdge walks an Edge's path bit by bit, looking for the first position
// where at least one incoming change disagrees with the stored path. Once
// found, the edge forks there: the agreeing changes (plus whatever of the
// original edge nothing modifies) continue down the old bit, the
// disagreeing changes populate a fresh subtree down the other bit.
func (c *committer) splitEdge(path []uint8, bottom felt.Felt, posDepth int, changes []change) (felt.Felt, *Node, error) {
	if len(path) == 0 {
		return c.apply(bottom, posDepth, changes)
	}
	bit := path[0]
	var matching, diverging []change
	for _, ch := range changes {
		if bitAt(ch.Index, posDepth) == bit {
			matching = append(matching, ch)
		} else {
			diverging = append(diverging, ch)
		}
	}

	if len(diverging) == 0 {
		h, n, err := c.splitEdge(path[1:], bottom, posDepth+1, matching)
		if err != nil {
			return felt.Zero, nil, err
		}
		h, n = c.extendEdge([]uint8{bit}, h, n)
		return h, n, nil
	}

	var matchHash felt.Felt
	var matchNode *Node
	if len(matching) == 0 {
		matchHash, matchNode = c.unchangedTail(path[1:], bottom)
	} else {
		h, n, err := c.splitEdge(path[1:], bottom, posDepth+1, matching)
		if err != nil {
			return felt.Zero, nil, err
		}
		matchHash, matchNode = h, n
	}

	divHash, divNode, err := c.apply(empty, posDepth+1, diverging)
	if err != nil {
		return felt.Zero, nil, err
	}

	var leftHash, rightHash felt.Felt
	var leftNode, rightNode *Node
	if bit == 0 {
		leftHash, leftNode = matchHash, matchNode
		rightHash, rightNode = divHash, divNode
	} else {
		leftHash, leftNode = divHash, divNode
		rightHash, rightNode = matchHash, matchNode
	}
	h, n := c.combine(leftHash, leftNode, rightHash, rightNode)
	return h, n, nil
}

// CommitResult is the outcome of committing one trie: the new root hash and
// every new inner node the caller must persist.
type CommitResult struct {
	NewRoot felt.Felt
	Written map[felt.Felt]*Node
}

// CommitTrie applies a set of leaf writes (already bearing their final
// leaf-hash value — composing a contract's {nonce,storage_root,class_hash}
// into one felt is the Forest's job, not this generic engine's) to one trie
// and returns its new root plus the new nodes to write.
func CommitTrie(reader Reader, id TrieID, prevRoot felt.Felt, writes []LeafWrite) (CommitResult, error) {
	raw := make([]change, len(writes))
	for i, w := range writes {
		raw[i] = change{Index: w.Index, Value: w.Value, Delete: w.Delete}
	}
	sorted, err := dedupAndSort(raw)
	if err != nil {
		return CommitResult{}, err
	}
	c := &committer{reader: reader, id: id, written: make(map[felt.Felt]*Node)}
	root, _, err := c.apply(prevRoot, 0, sorted)
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{NewRoot: root, Written: c.written}, nil
}

// LeafWrite is one pending leaf modification handed to CommitTrie.
type LeafWrite struct {
	Index  felt.Felt
	Value  felt.Felt
	Delete bool
}

// ReadLeaf performs a point query (§4.A read_leaf) descending from a root to
// a single index without modifying anything.
func ReadLeaf(reader Reader, id TrieID, root felt.Felt, index felt.Felt) (felt.Felt, bool, error) {
	cur := root
	depth := 0
	for depth < Bits {
		if isEmpty(cur) {
			return felt.Felt{}, false, nil
		}
		node, err := reader.GetNode(id, cur)
		if err != nil {
			return felt.Felt{}, false, errutil.Wrap(errutil.MissingPreimage, err,
				fmt.Sprintf("patricia: missing node %s in trie %q", cur.Hex(), id))
		}
		switch node.Kind {
		case KindBinary:
			if bitAt(index, depth) == 0 {
				cur = node.Left
			} else {
				cur = node.Right
			}
			depth++
		case KindEdge:
			for i, want := range node.Path {
				if bitAt(index, depth+i) != want {
					return felt.Felt{}, false, nil
				}
			}
			depth += node.Length
			cur = node.Bottom
		default:
			return felt.Felt{}, false, errutil.New(errutil.Fatal, "patricia: unexpected node kind in read path")
		}
	}
	if isEmpty(cur) {
		return felt.Felt{}, false, nil
	}
	return cur, true, nil
}
