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
	junocrypto "github.com/NethermindEth/juno/core/crypto"
	junofelt "github.com/NethermindEth/juno/core/felt"
)

// Poseidon is the commitment hash used throughout the committer and
// consensus layers. No pack dependency implements the Starknet Poseidon
// parameterization over the Stark field from Felt arithmetic directly
// (gnark-crypto's Poseidon variants are bound to the curves it supports,
// none of which is the Stark curve), so rather than hand-rolling the round
// constants and MDS matrix, this package delegates to
// github.com/NethermindEth/juno/core/crypto, a production Starknet client's
// implementation carrying the published round-constant table and the real
// Cauchy MDS matrix. Conversion to and from juno's own felt type is a
// straight big-endian byte round-trip, so Felt stays this package's only
// field-element representation everywhere else.
func toJuno(f Felt) *junofelt.Felt {
	b := f.Bytes()
	var jf junofelt.Felt
	jf.SetBytes(b[:])
	return &jf
}

func fromJuno(jf *junofelt.Felt) Felt {
	b := jf.Bytes()
	return FromBytesBE(b[:])
}

// PoseidonHash2 computes H(a, b) as used for Binary trie-node hashing.
func PoseidonHash2(a, b Felt) Felt {
	return fromJuno(junocrypto.Poseidon(toJuno(a), toJuno(b)))
}

// PoseidonHashN computes a commitment over an arbitrary-length sequence of
// field elements, used for the canonical state-diff commitment and proposal
// content id.
func PoseidonHashN(elems []Felt) Felt {
	if len(elems) == 0 {
		return Zero
	}
	js := make([]*junofelt.Felt, len(elems))
	for i, e := range elems {
		js[i] = toJuno(e)
	}
	return fromJuno(junocrypto.PoseidonArray(js...))
}
