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

package consensus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starkware-libs/sequencer-sub008/internal/felt"
	"github.com/starkware-libs/sequencer-sub008/internal/shc"
	"github.com/starkware-libs/sequencer-sub008/internal/types"
)

func buildContent(nonce types.Address, n types.Nonce) ProposalContent {
	diff := types.NewStateDiff()
	diff.Nonces[nonce] = n
	return ProposalContent{
		Header:    types.BlockHeader{Height: 0},
		Body:      types.BlockBody{},
		StateDiff: diff,
	}
}

// TestDriver_SingleValidatorDecidesAndAdvances exercises the whole
// Start->RequestProposal->SubmitProposal->ReceiveProposal->Decision->
// next-height chain with one validator (quorum 1), so a validator's own
// precommit is the decisive one.
func TestDriver_SingleValidatorDecidesAndAdvances(t *testing.T) {
	self := felt.FromUint64(7)

	var mu sync.Mutex
	var committed []*types.StateDiff
	var appended int
	var requestedRounds []shc.Round

	effects := Effects{
		CommitBlock: func(diff *types.StateDiff) error {
			mu.Lock()
			defer mu.Unlock()
			committed = append(committed, diff)
			return nil
		},
		AppendBlock: func(h types.BlockHeader, b types.BlockBody, d *types.StateDiff) error {
			mu.Lock()
			defer mu.Unlock()
			appended++
			return nil
		},
		BroadcastProposal: func(r shc.Round) {
			mu.Lock()
			defer mu.Unlock()
			requestedRounds = append(requestedRounds, r)
		},
	}

	d := New([]shc.ValidatorID{self}, self, RoleValidator, Timeouts{
		Propose: time.Second, Prevote: time.Second, Precommit: time.Second,
	}, effects)

	d.StartHeight(0)

	mu.Lock()
	require.Len(t, requestedRounds, 1)
	mu.Unlock()

	content := buildContent(felt.FromUint64(1), 1)
	commitment := content.StateDiff.Commitment()
	d.SubmitProposal(content)

	err := d.ReceiveProposal(
		shc.ProposalInit{Height: 0, Round: 0, Proposer: self},
		shc.ProposalFin{ContentID: commitment},
	)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, committed, 1)
	require.True(t, committed[0].Commitment().Eq(commitment))
	require.Equal(t, 1, appended)
	require.Equal(t, types.Height(1), d.Height())
}

// TestDriver_ObserverNeverBroadcasts checks that an Observer runs the same
// state machine but suppresses every outgoing action.
func TestDriver_ObserverNeverBroadcasts(t *testing.T) {
	self := felt.FromUint64(3)
	var broadcasts int
	effects := Effects{
		BroadcastVote:     func(v shc.Vote) { broadcasts++ },
		BroadcastProposal: func(r shc.Round) { broadcasts++ },
	}
	d := New([]shc.ValidatorID{self, felt.FromUint64(4)}, self, RoleObserver, Timeouts{
		Propose: time.Second, Prevote: time.Second, Precommit: time.Second,
	}, effects)
	d.StartHeight(0)
	require.Equal(t, 0, broadcasts)
}

func TestDriver_ObserveHeightTriggersResync(t *testing.T) {
	self := felt.FromUint64(1)
	var resyncTarget types.Height
	resynced := false
	effects := Effects{
		Resync: func(target types.Height) error {
			resynced = true
			resyncTarget = target
			return nil
		},
	}
	d := New([]shc.ValidatorID{self}, self, RoleValidator, Timeouts{}, effects)
	d.StartHeight(0)

	require.NoError(t, d.ObserveHeight(5))
	require.True(t, resynced)
	require.Equal(t, types.Height(5), resyncTarget)
	require.Equal(t, types.Height(6), d.Height())
}
