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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starkware-libs/sequencer-sub008/internal/felt"
)

// memStore is an in-memory Reader+Store for tests: a plain hash->Node map.
type memStore struct {
	nodes map[felt.Felt]*Node
}

func newMemStore() *memStore { return &memStore{nodes: make(map[felt.Felt]*Node)} }

func (s *memStore) GetNode(id TrieID, hash felt.Felt) (*Node, error) {
	n, ok := s.nodes[hash]
	if !ok {
		return nil, errMissing(hash)
	}
	return n, nil
}

func (s *memStore) PutNodes(id TrieID, nodes map[felt.Felt]*Node) error {
	for h, n := range nodes {
		s.nodes[h] = n
	}
	return nil
}

type missingErr struct{ hash felt.Felt }

func (e missingErr) Error() string { return "node not found: " + e.hash.Hex() }
func errMissing(h felt.Felt) error { return missingErr{hash: h} }

func leafIndex(v uint64) felt.Felt { return felt.FromUint64(v) }

func TestCommitTrie_ThreeLeaves(t *testing.T) {
	store := newMemStore()
	writes := []LeafWrite{
		{Index: leafIndex(35), Value: felt.FromUint64(1)},
		{Index: leafIndex(36), Value: felt.FromUint64(2)},
		{Index: leafIndex(63), Value: felt.FromUint64(3)},
	}

	res, err := CommitTrie(store, "t", felt.Zero, writes)
	require.NoError(t, err)
	require.False(t, res.NewRoot.IsZero())
	require.NoError(t, store.PutNodes("t", res.Written))

	for _, w := range writes {
		got, found, err := ReadLeaf(store, "t", res.NewRoot, w.Index)
		require.NoError(t, err)
		require.True(t, found)
		require.True(t, got.Eq(w.Value))
	}

	missing, found, err := ReadLeaf(store, "t", res.NewRoot, leafIndex(99))
	require.NoError(t, err)
	require.False(t, found)
	require.True(t, missing.IsZero())
}

// TestCommitTrie_ThreeLeavesMatchesKnownAnswerVector is S5's known-answer
// half: the same three-leaf set {35: 1, 36: 2, 63: 3} committed against the
// original implementation's patricia_merkle_tree test suite
// (committer/src/patricia_merkle_tree/.../tree_test.rs) produces the pinned
// root 0xe8899e8c731a35f5e9ce4c4bc32aabadcc81c5cdcc1aeba74fa7509046c338; this
// is the one place the whole node-hashing/commit pipeline is checked against
// an externally-produced value rather than only against itself.
func TestCommitTrie_ThreeLeavesMatchesKnownAnswerVector(t *testing.T) {
	store := newMemStore()
	res, err := CommitTrie(store, "t", felt.Zero, []LeafWrite{
		{Index: leafIndex(35), Value: felt.FromUint64(1)},
		{Index: leafIndex(36), Value: felt.FromUint64(2)},
		{Index: leafIndex(63), Value: felt.FromUint64(3)},
	})
	require.NoError(t, err)
	require.Equal(t, "0xe8899e8c731a35f5e9ce4c4bc32aabadcc81c5cdcc1aeba74fa7509046c338", res.NewRoot.Hex())
}

// TestCommitTrie_TrivialReapplicationIsIdempotent is S5: re-applying the
// same value to an already-committed leaf must leave the root unchanged.
func TestCommitTrie_TrivialReapplicationIsIdempotent(t *testing.T) {
	store := newMemStore()
	writes := []LeafWrite{
		{Index: leafIndex(35), Value: felt.FromUint64(1)},
		{Index: leafIndex(36), Value: felt.FromUint64(2)},
		{Index: leafIndex(63), Value: felt.FromUint64(3)},
	}
	res1, err := CommitTrie(store, "t", felt.Zero, writes)
	require.NoError(t, err)
	require.NoError(t, store.PutNodes("t", res1.Written))

	res2, err := CommitTrie(store, "t", res1.NewRoot, []LeafWrite{
		{Index: leafIndex(35), Value: felt.FromUint64(1)},
	})
	require.NoError(t, err)
	require.True(t, res1.NewRoot.Eq(res2.NewRoot), "trivial reapplication must not change the root")
}

func TestCommitTrie_DeleteCollapsesToEmpty(t *testing.T) {
	store := newMemStore()
	res, err := CommitTrie(store, "t", felt.Zero, []LeafWrite{
		{Index: leafIndex(7), Value: felt.FromUint64(42)},
	})
	require.NoError(t, err)
	require.NoError(t, store.PutNodes("t", res.Written))

	res2, err := CommitTrie(store, "t", res.NewRoot, []LeafWrite{
		{Index: leafIndex(7), Delete: true},
	})
	require.NoError(t, err)
	require.True(t, res2.NewRoot.IsZero())
}

func TestCommitTrie_ConflictingWritesRejected(t *testing.T) {
	store := newMemStore()
	_, err := CommitTrie(store, "t", felt.Zero, []LeafWrite{
		{Index: leafIndex(1), Value: felt.FromUint64(1)},
		{Index: leafIndex(1), Value: felt.FromUint64(2)},
	})
	require.Error(t, err)
}

func TestCommitTrie_InsertionOrderDoesNotAffectRoot(t *testing.T) {
	store1 := newMemStore()
	res1, err := CommitTrie(store1, "t", felt.Zero, []LeafWrite{
		{Index: leafIndex(35), Value: felt.FromUint64(1)},
		{Index: leafIndex(36), Value: felt.FromUint64(2)},
		{Index: leafIndex(63), Value: felt.FromUint64(3)},
	})
	require.NoError(t, err)

	store2 := newMemStore()
	res2, err := CommitTrie(store2, "t", felt.Zero, []LeafWrite{
		{Index: leafIndex(63), Value: felt.FromUint64(3)},
		{Index: leafIndex(35), Value: felt.FromUint64(1)},
		{Index: leafIndex(36), Value: felt.FromUint64(2)},
	})
	require.NoError(t, err)
	require.True(t, res1.NewRoot.Eq(res2.NewRoot))
}

func TestCommitTrie_SequentialEqualsBatch(t *testing.T) {
	batchStore := newMemStore()
	batch, err := CommitTrie(batchStore, "t", felt.Zero, []LeafWrite{
		{Index: leafIndex(35), Value: felt.FromUint64(1)},
		{Index: leafIndex(36), Value: felt.FromUint64(2)},
		{Index: leafIndex(63), Value: felt.FromUint64(3)},
	})
	require.NoError(t, err)

	seqStore := newMemStore()
	r, err := CommitTrie(seqStore, "t", felt.Zero, []LeafWrite{{Index: leafIndex(35), Value: felt.FromUint64(1)}})
	require.NoError(t, err)
	require.NoError(t, seqStore.PutNodes("t", r.Written))
	r, err = CommitTrie(seqStore, "t", r.NewRoot, []LeafWrite{{Index: leafIndex(36), Value: felt.FromUint64(2)}})
	require.NoError(t, err)
	require.NoError(t, seqStore.PutNodes("t", r.Written))
	r, err = CommitTrie(seqStore, "t", r.NewRoot, []LeafWrite{{Index: leafIndex(63), Value: felt.FromUint64(3)}})
	require.NoError(t, err)

	require.True(t, batch.NewRoot.Eq(r.NewRoot))
}
