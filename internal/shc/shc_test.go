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

package shc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starkware-libs/sequencer-sub008/internal/felt"
	"github.com/starkware-libs/sequencer-sub008/internal/types"
)

func v(n uint64) ValidatorID { return felt.FromUint64(n) }

func actionsOf(kind string, actions []Action) int {
	n := 0
	for _, a := range actions {
		switch kind {
		case "broadcast":
			if a.BroadcastVote != nil {
				n++
			}
		case "request":
			if a.RequestProposal != nil {
				n++
			}
		}
	}
	return n
}

// TestSHC_S4HappyPath: 4 validators, proposer v0; all prevote and
// precommit B; decide(B) returns with all four precommits.
func TestSHC_S4HappyPath(t *testing.T) {
	validators := []ValidatorID{v(0), v(1), v(2), v(3)}
	content := felt.FromUint64(999)

	machines := make(map[uint64]*SHC)
	for i := uint64(0); i < 4; i++ {
		m := New(types.Height(0), validators, v(i))
		actions := m.Start()
		if i == 0 {
			require.Equal(t, 1, actionsOf("request", actions))
		}
		machines[i] = m
	}

	init := ProposalInit{Height: 0, Round: 0, Proposer: v(0)}
	fin := ProposalFin{ContentID: content}

	var prevotes []Vote
	for i := uint64(0); i < 4; i++ {
		actions, err := machines[i].ReceiveProposal(init, fin)
		require.NoError(t, err)
		for _, a := range actions {
			if a.BroadcastVote != nil {
				prevotes = append(prevotes, a.BroadcastVote.Vote)
			}
		}
	}
	require.Len(t, prevotes, 4)

	var precommits []Vote
	for i := uint64(0); i < 4; i++ {
		for _, pv := range prevotes {
			actions, equiv, err := machines[i].ReceiveVote(pv)
			require.NoError(t, err)
			require.Nil(t, equiv)
			for _, a := range actions {
				if a.BroadcastVote != nil {
					precommits = append(precommits, a.BroadcastVote.Vote)
				}
			}
		}
	}
	require.Len(t, precommits, 4)

	for i := uint64(0); i < 4; i++ {
		for _, pc := range precommits {
			_, equiv, err := machines[i].ReceiveVote(pc)
			require.NoError(t, err)
			require.Nil(t, equiv)
		}
	}

	for i := uint64(0); i < 4; i++ {
		d := machines[i].Decision()
		require.NotNil(t, d, "validator %d should have decided", i)
		require.True(t, d.ContentID.Eq(content))
		require.Len(t, d.Precommits, 4)
	}
}

// TestSHC_P3Equivocation: a second distinct vote from the same validator
// at the same (h, r, kind) is reported, the first is retained.
func TestSHC_P3Equivocation(t *testing.T) {
	validators := []ValidatorID{v(0), v(1), v(2), v(3)}
	m := New(types.Height(1), validators, v(1))
	m.Start()

	first := Vote{Height: 1, Round: 0, Kind: Prevote, Validator: v(2), ContentID: felt.FromUint64(1)}
	second := Vote{Height: 1, Round: 0, Kind: Prevote, Validator: v(2), ContentID: felt.FromUint64(2)}

	_, equiv, err := m.ReceiveVote(first)
	require.NoError(t, err)
	require.Nil(t, equiv)

	_, equiv, err = m.ReceiveVote(second)
	require.NoError(t, err)
	require.NotNil(t, equiv)
	require.True(t, equiv.Validator.Eq(v(2)))
	require.True(t, equiv.First.ContentID.Eq(felt.FromUint64(1)))
	require.True(t, equiv.Second.ContentID.Eq(felt.FromUint64(2)))

	stored := m.prevotes[0][v(2)]
	require.True(t, stored.ContentID.Eq(felt.FromUint64(1)), "first vote must be retained")
}

func TestSHC_RepeatedIdenticalVoteIsIgnored(t *testing.T) {
	validators := []ValidatorID{v(0), v(1), v(2), v(3)}
	m := New(types.Height(1), validators, v(1))
	m.Start()

	vote := Vote{Height: 1, Round: 0, Kind: Prevote, Validator: v(2), ContentID: felt.FromUint64(1)}
	_, equiv, err := m.ReceiveVote(vote)
	require.NoError(t, err)
	require.Nil(t, equiv)
	_, equiv, err = m.ReceiveVote(vote)
	require.NoError(t, err)
	require.Nil(t, equiv)
}

func TestSHC_ProposeTimeoutCastsNilPrevote(t *testing.T) {
	validators := []ValidatorID{v(0), v(1), v(2), v(3)}
	m := New(types.Height(1), validators, v(1))
	m.Start()

	actions := m.Timeout(TimeoutEvent{Round: 0, Phase: StatePropose})
	require.Equal(t, StatePrevote, m.State())
	found := false
	for _, a := range actions {
		if a.BroadcastVote != nil {
			found = true
			require.True(t, a.BroadcastVote.Vote.isNil())
		}
	}
	require.True(t, found)
}

func TestSHC_StaleTimeoutIgnored(t *testing.T) {
	validators := []ValidatorID{v(0), v(1), v(2), v(3)}
	m := New(types.Height(1), validators, v(1))
	m.Start()
	m.Timeout(TimeoutEvent{Round: 0, Phase: StatePropose})
	require.Equal(t, StatePrevote, m.State())

	actions := m.Timeout(TimeoutEvent{Round: 0, Phase: StatePropose})
	require.Nil(t, actions)
	require.Equal(t, StatePrevote, m.State())
}
