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

package batcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starkware-libs/sequencer-sub008/internal/felt"
	"github.com/starkware-libs/sequencer-sub008/internal/mempool"
	"github.com/starkware-libs/sequencer-sub008/internal/types"
)

func newFakeExecutor() Executor {
	diff := types.NewStateDiff()
	return Executor{
		Reset: func() { diff = types.NewStateDiff() },
		ApplyTx: func(tx types.Transaction) (bool, types.RejectedReason, error) {
			diff.Nonces[tx.SenderAddress] = tx.TxNonce + 1
			return true, 0, nil
		},
		StateDiff: func() *types.StateDiff { return diff },
	}
}

func startMempool(t *testing.T, txs ...types.Transaction) *mempool.Server {
	t.Helper()
	mp := mempool.New(1000, 64, 0, mempool.ReplacementPolicy{})
	for i, tx := range txs {
		require.NoError(t, mp.AddTx(tx, 0))
		_ = i
	}
	srv := mempool.NewServer(mp)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)
	return srv
}

func TestBuildBlockProposal_StreamsAndCommits(t *testing.T) {
	sender := felt.FromUint64(1)
	tx := types.Transaction{Hash: felt.FromUint64(100), SenderAddress: sender, TxNonce: 0, Tip: 5, MaxL2GasPrice: 5}
	srv := startMempool(t, tx)

	b := New(srv.GetTxsHandle, newFakeExecutor(), 10)
	b.StartHeight(1)

	sink := make(chan types.Transaction, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	proposal, err := b.BuildBlockProposal(ctx, 1, 1, time.Now().Add(100*time.Millisecond), sink)
	require.NoError(t, err)
	require.Len(t, proposal.Txs, 1)
	require.False(t, proposal.Commitment.IsZero())
	require.Equal(t, Ready, b.Phase())

	close(sink)
	var streamed []types.Transaction
	for tx := range sink {
		streamed = append(streamed, tx)
	}
	require.Len(t, streamed, 1)
}

func TestBeginProposal_RejectsConcurrentProposal(t *testing.T) {
	srv := startMempool(t)
	b := New(srv.GetTxsHandle, newFakeExecutor(), 10)
	b.StartHeight(1)

	b.mu.Lock()
	b.phase = Building
	b.mu.Unlock()

	_, err := b.beginProposal(1, 2)
	require.Error(t, err)
}

func TestStartHeight_AbortsInFlightProposal(t *testing.T) {
	srv := startMempool(t)
	b := New(srv.GetTxsHandle, newFakeExecutor(), 10)
	b.StartHeight(1)

	ctx := context.Background()
	sink := make(chan types.Transaction, 4)

	done := make(chan error, 1)
	go func() {
		_, err := b.BuildBlockProposal(ctx, 1, 1, time.Now().Add(5*time.Second), sink)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.StartHeight(2)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("BuildBlockProposal did not observe height change")
	}
}

func TestValidateProposal_MatchesCommitment(t *testing.T) {
	sender := felt.FromUint64(1)
	tx := types.Transaction{Hash: felt.FromUint64(100), SenderAddress: sender, TxNonce: 0, Tip: 5, MaxL2GasPrice: 5}
	srv := startMempool(t)

	builder := New(srv.GetTxsHandle, newFakeExecutor(), 10)
	builder.StartHeight(1)
	diff := types.NewStateDiff()
	diff.Nonces[sender] = 1
	expected := diff.Commitment()

	validator := New(srv.GetTxsHandle, newFakeExecutor(), 10)
	validator.StartHeight(1)
	_, matches, err := validator.ValidateProposal(1, 1, []types.Transaction{tx}, expected)
	require.NoError(t, err)
	require.True(t, matches)
}
