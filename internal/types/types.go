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

// Package types holds the wire/domain types shared across every component:
// transactions, blocks, votes, proposals and state diffs (§3).
package types

import (
	"sort"

	"github.com/starkware-libs/sequencer-sub008/internal/felt"
)

// Height is a monotonic, contiguous block number.
type Height uint64

// Next returns the state_number view immediately after this height (§4.F).
func (h Height) Next() Height { return h + 1 }

// Address, ClassHash, CompiledClassHash, TxHash and BlockHash are all felt
// aliases; Starknet does not distinguish their wire encoding.
type (
	Address           = felt.Felt
	ClassHash         = felt.Felt
	CompiledClassHash = felt.Felt
	TxHash            = felt.Felt
	BlockHash         = felt.Felt
	StorageKey        = felt.Felt
	StorageValue      = felt.Felt
	Nonce             = uint64
)

// TxVariant tags the transaction kind (§3).
type TxVariant int

const (
	InvokeV0 TxVariant = iota
	InvokeV1
	InvokeV3
	DeclareV0
	DeclareV1
	DeclareV2
	DeclareV3
	DeployAccountV1
	DeployAccountV3
	L1Handler
)

// ResourceBounds mirrors the per-resource (L1 gas / L2 gas) bound a v3
// transaction carries.
type ResourceBounds struct {
	MaxAmount     uint64
	MaxPricePerUnit uint64
}

// Transaction is a tagged variant over every transaction kind in §3. Fields
// not meaningful to a given variant are left zero.
type Transaction struct {
	Hash          TxHash
	Variant       TxVariant
	SenderAddress Address
	TxNonce       Nonce
	Signature     []felt.Felt
	Version       uint8

	Tip             uint64
	MaxL2GasPrice   uint64
	ResourceBounds  map[string]ResourceBounds
	ClassHash       ClassHash // Declare
	CompiledClassHash CompiledClassHash
}

// RejectedReason supplements spec.md's bare []TxHash rejection list with why
// a transaction did not make it into the committed block (grounded on
// blockifier's concurrency scheduler distinguishing reverted vs dropped).
type RejectedReason int

const (
	RejectedReverted RejectedReason = iota
	RejectedInsufficientResources
)

// RejectedTx pairs a hash with the reason it was not committed.
type RejectedTx struct {
	Hash   TxHash
	Reason RejectedReason
}

// StateDiff is the per-block delta applied to the forest (§3).
type StateDiff struct {
	DeployedContracts          map[Address]ClassHash
	StorageDiffs               map[Address]map[StorageKey]StorageValue
	DeclaredClasses            map[ClassHash]CompiledClassHash
	DeprecatedDeclaredClasses  []ClassHash
	Nonces                     map[Address]Nonce
}

// NewStateDiff returns an empty, ready-to-use StateDiff.
func NewStateDiff() *StateDiff {
	return &StateDiff{
		DeployedContracts: make(map[Address]ClassHash),
		StorageDiffs:      make(map[Address]map[StorageKey]StorageValue),
		DeclaredClasses:   make(map[ClassHash]CompiledClassHash),
		Nonces:             make(map[Address]Nonce),
	}
}

// sortedFelts returns ks sorted by canonical felt value, used everywhere
// canonical serialization needs deterministic key order.
func sortedFelts(ks []felt.Felt) []felt.Felt {
	out := make([]felt.Felt, len(ks))
	copy(out, ks)
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Canonical serializes the diff into a flat felt sequence with
// deployed/declared maps sorted by key, ready for PoseidonHashN (§3: "A diff
// is canonical when deployed/declared maps are sorted by key").
func (d *StateDiff) Canonical() []felt.Felt {
	var out []felt.Felt

	deployedKeys := make([]felt.Felt, 0, len(d.DeployedContracts))
	for a := range d.DeployedContracts {
		deployedKeys = append(deployedKeys, a)
	}
	for _, a := range sortedFelts(deployedKeys) {
		out = append(out, a, d.DeployedContracts[a])
	}

	storageAddrs := make([]felt.Felt, 0, len(d.StorageDiffs))
	for a := range d.StorageDiffs {
		storageAddrs = append(storageAddrs, a)
	}
	for _, a := range sortedFelts(storageAddrs) {
		out = append(out, a)
		keys := make([]felt.Felt, 0, len(d.StorageDiffs[a]))
		for k := range d.StorageDiffs[a] {
			keys = append(keys, k)
		}
		for _, k := range sortedFelts(keys) {
			out = append(out, k, d.StorageDiffs[a][k])
		}
	}

	declaredKeys := make([]felt.Felt, 0, len(d.DeclaredClasses))
	for c := range d.DeclaredClasses {
		declaredKeys = append(declaredKeys, c)
	}
	for _, c := range sortedFelts(declaredKeys) {
		out = append(out, c, d.DeclaredClasses[c])
	}

	for _, c := range sortedFelts(d.DeprecatedDeclaredClasses) {
		out = append(out, c)
	}

	nonceAddrs := make([]felt.Felt, 0, len(d.Nonces))
	for a := range d.Nonces {
		nonceAddrs = append(nonceAddrs, a)
	}
	for _, a := range sortedFelts(nonceAddrs) {
		out = append(out, a, felt.FromUint64(d.Nonces[a]))
	}

	return out
}

// Commitment is the Poseidon hash over the diff's canonical serialization.
func (d *StateDiff) Commitment() felt.Felt {
	return felt.PoseidonHashN(d.Canonical())
}

// BlockHeader identifies a block (§3).
type BlockHeader struct {
	Height     Height
	BlockHash  BlockHash
	ParentHash BlockHash
	Timestamp  int64
	Proposer   Address
}

// BlockBody carries the ordered transaction list of a block.
type BlockBody struct {
	Transactions []Transaction
}
