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

// Package felt implements the Starknet prime-field element: a 252-bit value
// reduced modulo the Stark prime, backed by a fixed-width 256-bit integer in
// the same spirit go-ethereum backs EVM words with uint256.Int rather than
// math/big.
package felt

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Bits is the number of significant bits a felt can carry (§3 Edge.length ≤ 251,
// i.e. depth 251 below the root with the root itself at depth 0, spanning 2^251 leaves).
const Bits = 251

// modulus is the Stark field prime: 2^251 + 17*2^192 + 1.
var modulus = func() *uint256.Int {
	m, err := uint256.FromHex("0x800000000000011000000000000000000000000000000000000000000000001")
	if err != nil {
		panic("felt: modulus literal does not fit in 256 bits: " + err.Error())
	}
	return m
}()

// Felt is an element of the Stark prime field, always kept in canonical
// (reduced) form.
type Felt struct {
	inner uint256.Int
}

// Zero is the additive identity.
var Zero = Felt{}

// One is the multiplicative identity.
var One = FromUint64(1)

// FromUint64 builds a Felt from a small unsigned integer.
func FromUint64(v uint64) Felt {
	var f Felt
	f.inner.SetUint64(v)
	return f
}

// FromBytesBE builds a Felt from a big-endian byte slice, reducing mod p.
func FromBytesBE(b []byte) Felt {
	var f Felt
	f.inner.SetBytes(b)
	f.inner.Mod(&f.inner, modulus)
	return f
}

// FromHex parses a "0x..."-prefixed hex string, reducing mod p.
func FromHex(s string) (Felt, error) {
	v, err := uint256.FromHex(s)
	if err != nil {
		return Felt{}, fmt.Errorf("felt: parsing %q: %w", s, err)
	}
	var f Felt
	f.inner.Mod(v, modulus)
	return f, nil
}

// Bytes returns the canonical 32-byte big-endian encoding.
func (f Felt) Bytes() [32]byte {
	return f.inner.Bytes32()
}

// Hex returns a "0x"-prefixed hex string with no leading zeros (beyond a
// single required digit), matching Starknet felt display conventions.
func (f Felt) Hex() string {
	return f.inner.Hex()
}

func (f Felt) String() string { return f.Hex() }

// Add returns f+g mod p.
func (f Felt) Add(g Felt) Felt {
	var r Felt
	r.inner.AddMod(&f.inner, &g.inner, modulus)
	return r
}

// Sub returns f-g mod p.
func (f Felt) Sub(g Felt) Felt {
	// uint256 has no modular subtraction primitive; negate g mod p (p-g, or 0
	// when g is 0) and add, keeping everything inside the field.
	var neg, r Felt
	if g.inner.IsZero() {
		neg.inner.Clear()
	} else {
		neg.inner.Sub(modulus, &g.inner)
	}
	r.inner.AddMod(&f.inner, &neg.inner, modulus)
	return r
}

// Mul returns f*g mod p.
func (f Felt) Mul(g Felt) Felt {
	var r Felt
	r.inner.MulMod(&f.inner, &g.inner, modulus)
	return r
}

// Eq reports whether f and g are the same field element.
func (f Felt) Eq(g Felt) bool { return f.inner.Eq(&g.inner) }

// IsZero reports whether f is the additive identity.
func (f Felt) IsZero() bool { return f.inner.IsZero() }

// Cmp orders two felts by their canonical integer value; used for the
// deterministic tie-break in mempool ordering (tx_hash asc) and for sorting
// state-diff keys into canonical form.
func (f Felt) Cmp(g Felt) int { return f.inner.Cmp(&g.inner) }

// Bit returns the i-th least-significant bit, used to walk a trie path from
// the root (bit Bits-1) down to the leaf (bit 0).
func (f Felt) Bit(i uint) uint {
	if f.inner.Bit(i) {
		return 1
	}
	return 0
}
