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

package blockstream

import (
	"github.com/starkware-libs/sequencer-sub008/internal/errutil"
	"github.com/starkware-libs/sequencer-sub008/internal/types"
)

// StateDiffChunk is one wire chunk of a block's state diff; a full diff
// is the merge of every chunk delivered for that block (§4.G).
type StateDiffChunk struct {
	DeployedContracts         map[types.Address]types.ClassHash
	StorageDiffs              map[types.Address]map[types.StorageKey]types.StorageValue
	DeclaredClasses           map[types.ClassHash]types.CompiledClassHash
	DeprecatedDeclaredClasses []types.ClassHash
	Nonces                    map[types.Address]types.Nonce
}

func (c StateDiffChunk) empty() bool {
	return len(c.DeployedContracts) == 0 && len(c.StorageDiffs) == 0 &&
		len(c.DeclaredClasses) == 0 && len(c.DeprecatedDeclaredClasses) == 0 &&
		len(c.Nonces) == 0
}

// DeliveredClass is one class handed over during sync, tagged with
// whether it is a Cairo-0 (deprecated) or Cairo-1 class.
type DeliveredClass struct {
	Hash       types.ClassHash
	Deprecated bool
}

// The six parse/validation failures of §4.G. Each is reported to the
// offending peer by the caller, which then retries the block elsewhere.
var (
	ErrEmptyStateDiffPart        = errutil.New(errutil.ProtocolViolation, "blockstream: empty state-diff part")
	ErrWrongStateDiffLength      = errutil.New(errutil.ProtocolViolation, "blockstream: state-diff chunk count does not match header")
	ErrConflictingStateDiffParts = errutil.New(errutil.ProtocolViolation, "blockstream: two chunks wrote the same field")
	ErrClassNotInStateDiff       = errutil.New(errutil.ProtocolViolation, "blockstream: delivered class not referenced in state diff")
	ErrDuplicateClass            = errutil.New(errutil.ProtocolViolation, "blockstream: class delivered twice for the same block")
	ErrNotEnoughClasses          = errutil.New(errutil.ProtocolViolation, "blockstream: fewer classes delivered than declared")
)

// MergeStateDiffChunks merges declaredLength chunks into one StateDiff,
// enforcing §4.G's state-diff parse rules.
func MergeStateDiffChunks(declaredLength int, chunks []StateDiffChunk) (*types.StateDiff, error) {
	if len(chunks) != declaredLength {
		return nil, ErrWrongStateDiffLength
	}

	diff := types.NewStateDiff()
	seenDeployed := make(map[types.Address]bool)
	seenStorage := make(map[types.Address]map[types.StorageKey]bool)
	seenDeclared := make(map[types.ClassHash]bool)
	seenDeprecated := make(map[types.ClassHash]bool)
	seenNonce := make(map[types.Address]bool)

	for _, chunk := range chunks {
		if chunk.empty() {
			return nil, ErrEmptyStateDiffPart
		}
		for addr, classHash := range chunk.DeployedContracts {
			if seenDeployed[addr] {
				return nil, ErrConflictingStateDiffParts
			}
			seenDeployed[addr] = true
			diff.DeployedContracts[addr] = classHash
		}
		for addr, kv := range chunk.StorageDiffs {
			if seenStorage[addr] == nil {
				seenStorage[addr] = make(map[types.StorageKey]bool)
			}
			if diff.StorageDiffs[addr] == nil {
				diff.StorageDiffs[addr] = make(map[types.StorageKey]types.StorageValue)
			}
			for k, v := range kv {
				if seenStorage[addr][k] {
					return nil, ErrConflictingStateDiffParts
				}
				seenStorage[addr][k] = true
				diff.StorageDiffs[addr][k] = v
			}
		}
		for classHash, compiledHash := range chunk.DeclaredClasses {
			if seenDeclared[classHash] {
				return nil, ErrConflictingStateDiffParts
			}
			seenDeclared[classHash] = true
			diff.DeclaredClasses[classHash] = compiledHash
		}
		for _, classHash := range chunk.DeprecatedDeclaredClasses {
			if seenDeprecated[classHash] {
				return nil, ErrConflictingStateDiffParts
			}
			seenDeprecated[classHash] = true
			diff.DeprecatedDeclaredClasses = append(diff.DeprecatedDeclaredClasses, classHash)
		}
		for addr, nonce := range chunk.Nonces {
			if seenNonce[addr] {
				return nil, ErrConflictingStateDiffParts
			}
			seenNonce[addr] = true
			diff.Nonces[addr] = nonce
		}
	}

	return diff, nil
}

// ValidateClasses enforces §4.G's class-delivery rules against a merged
// state diff.
func ValidateClasses(diff *types.StateDiff, delivered []DeliveredClass) error {
	want := len(diff.DeclaredClasses) + len(diff.DeprecatedDeclaredClasses)
	if len(delivered) < want {
		return ErrNotEnoughClasses
	}

	deprecatedSet := make(map[types.ClassHash]bool, len(diff.DeprecatedDeclaredClasses))
	for _, c := range diff.DeprecatedDeclaredClasses {
		deprecatedSet[c] = true
	}

	seen := make(map[types.ClassHash]bool, len(delivered))
	for _, c := range delivered {
		if seen[c.Hash] {
			return ErrDuplicateClass
		}
		seen[c.Hash] = true

		_, declared := diff.DeclaredClasses[c.Hash]
		_, deprecated := deprecatedSet[c.Hash]
		if !declared && !deprecated {
			return ErrClassNotInStateDiff
		}
	}
	return nil
}
