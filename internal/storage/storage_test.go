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

package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starkware-libs/sequencer-sub008/internal/felt"
	"github.com/starkware-libs/sequencer-sub008/internal/types"
)

func open(t *testing.T) *Facade {
	t.Helper()
	f, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// TestFacade_R2StateNumberIsNextHeight: a reader asking for state_number =
// h.next() sees exactly the values written by block h's diff, and a
// reader asking for state_number = h sees the pre-block values.
func TestFacade_R2StateNumberIsNextHeight(t *testing.T) {
	f := open(t)
	addr := felt.FromUint64(1)

	diff := types.NewStateDiff()
	diff.Nonces[addr] = 5
	diff.DeployedContracts[addr] = felt.FromUint64(42)
	diff.StorageDiffs[addr] = map[felt.Felt]felt.Felt{felt.FromUint64(7): felt.FromUint64(99)}

	require.NoError(t, f.QueueHeader(0, types.BlockHeader{Height: 0}))
	require.NoError(t, f.QueueBody(0, types.BlockBody{}))
	require.NoError(t, f.QueueStateDiff(0, diff))
	require.NoError(t, f.FlushBatch())

	nonceBefore, err := f.GetNonceAt(0, addr)
	require.NoError(t, err)
	require.Equal(t, types.Nonce(0), nonceBefore)

	nonceAfter, err := f.GetNonceAt(types.Height(0).Next(), addr)
	require.NoError(t, err)
	require.Equal(t, types.Nonce(5), nonceAfter)

	classAfter, err := f.GetClassHashAt(types.Height(0).Next(), addr)
	require.NoError(t, err)
	require.True(t, classAfter.Eq(felt.FromUint64(42)))

	storageAfter, err := f.GetStorageAt(types.Height(0).Next(), addr, felt.FromUint64(7))
	require.NoError(t, err)
	require.True(t, storageAfter.Eq(felt.FromUint64(99)))

	require.Equal(t, types.Height(1), f.GetHeaderMarker())
}

func TestFacade_FlushIsInvisibleBeforeCommit(t *testing.T) {
	f := open(t)
	require.NoError(t, f.QueueHeader(0, types.BlockHeader{Height: 0}))

	_, err := f.GetBlockHeader(0)
	require.Error(t, err)

	require.NoError(t, f.QueueBody(0, types.BlockBody{}))
	require.NoError(t, f.QueueStateDiff(0, types.NewStateDiff()))
	require.NoError(t, f.FlushBatch())

	hdr, err := f.GetBlockHeader(0)
	require.NoError(t, err)
	require.Equal(t, types.Height(0), hdr.Height)
}

func TestFacade_QueueHeaderSkippingHeightFails(t *testing.T) {
	f := open(t)
	err := f.QueueHeader(1, types.BlockHeader{Height: 1})
	require.Error(t, err)
	var mismatch *MarkerMismatch
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, types.Height(0), mismatch.Expected)
	require.Equal(t, types.Height(1), mismatch.Found)
}

func TestFacade_RevertBlockRemovesTip(t *testing.T) {
	f := open(t)
	require.NoError(t, f.QueueHeader(0, types.BlockHeader{Height: 0}))
	require.NoError(t, f.QueueBody(0, types.BlockBody{}))
	require.NoError(t, f.QueueStateDiff(0, types.NewStateDiff()))
	require.NoError(t, f.FlushBatch())

	require.NoError(t, f.RevertBlock(0))
	require.Equal(t, types.Height(0), f.GetHeaderMarker())

	_, err := f.GetBlockHeader(0)
	require.Error(t, err)
}

func TestFacade_RevertBlockRejectsNonTip(t *testing.T) {
	f := open(t)
	require.NoError(t, f.QueueHeader(0, types.BlockHeader{Height: 0}))
	require.NoError(t, f.QueueBody(0, types.BlockBody{}))
	require.NoError(t, f.QueueStateDiff(0, types.NewStateDiff()))
	require.NoError(t, f.FlushBatch())

	require.NoError(t, f.QueueHeader(1, types.BlockHeader{Height: 1}))
	require.NoError(t, f.QueueBody(1, types.BlockBody{}))
	require.NoError(t, f.QueueStateDiff(1, types.NewStateDiff()))
	require.NoError(t, f.FlushBatch())

	err := f.RevertBlock(0)
	require.Error(t, err)
}
