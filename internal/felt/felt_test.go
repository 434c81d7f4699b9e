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

package felt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArithmeticRoundTrip(t *testing.T) {
	t.Parallel()

	a := FromUint64(41)
	b := FromUint64(1)
	require.True(t, a.Add(b).Eq(FromUint64(42)))
	require.True(t, a.Add(b).Sub(b).Eq(a))
	require.True(t, a.Mul(Zero).IsZero())
	require.True(t, One.Mul(a).Eq(a))
}

func TestCmpOrdersByValue(t *testing.T) {
	t.Parallel()

	small, big := FromUint64(3), FromUint64(9)
	require.Negative(t, small.Cmp(big))
	require.Positive(t, big.Cmp(small))
	require.Zero(t, small.Cmp(FromUint64(3)))
}

func TestHexRoundTrip(t *testing.T) {
	t.Parallel()

	f := FromUint64(0xdeadbeef)
	parsed, err := FromHex(f.Hex())
	require.NoError(t, err)
	require.True(t, f.Eq(parsed))
}

// TestPoseidonDeterministicAndSensitiveToInput checks the general shape of
// the permutation; the actual known-answer vector (Poseidon feeding into a
// real committed trie root, pinned against the original implementation's
// test suite) lives in internal/patricia's
// TestCommitTrie_ThreeLeavesMatchesKnownAnswerVector, since a raw Poseidon
// KAT for this exact width-3/rate-2 parameterization isn't published
// standalone anywhere in the pack.
func TestPoseidonDeterministicAndSensitiveToInput(t *testing.T) {
	t.Parallel()

	a, b, c := FromUint64(35), FromUint64(36), FromUint64(63)

	h1 := PoseidonHash2(a, b)
	h2 := PoseidonHash2(a, b)
	require.True(t, h1.Eq(h2), "poseidon must be a pure function of its inputs")

	h3 := PoseidonHash2(a, c)
	require.False(t, h1.Eq(h3), "different inputs must (overwhelmingly) hash differently")

	n1 := PoseidonHashN([]Felt{a, b, c})
	n2 := PoseidonHashN([]Felt{a, b, c})
	require.True(t, n1.Eq(n2))

	n3 := PoseidonHashN([]Felt{a, b})
	require.False(t, n1.Eq(n3), "commitment must depend on every absorbed element")
}
