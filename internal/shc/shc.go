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

// Package shc runs one Tendermint height (§4.E). It is deliberately not a
// goroutine with internal timers: every transition, including timeouts, is
// fed in through Step as an explicit message, and the caller (internal/
// consensus) owns the real clock. This is the §9 redesign-flag answer to
// "deep async chains with cancellation tokens" — an explicit state machine
// plus cooperative, message-driven cancellation instead of implicit
// cancellation by dropping a task handle.
package shc

import (
	"sort"

	tmtypes "github.com/tendermint/tendermint/types"

	"github.com/starkware-libs/sequencer-sub008/internal/errutil"
	"github.com/starkware-libs/sequencer-sub008/internal/felt"
	"github.com/starkware-libs/sequencer-sub008/internal/types"
)

// ValidatorID is a 252-bit field element; ordering is numerical (§4.E).
type ValidatorID = felt.Felt

// Round is a consensus round within one height.
type Round uint32

// VoteKind reuses Tendermint's own SignedMsgType enum for prevote/precommit
// rather than inventing a parallel one, since the vote semantics this
// package implements are the same ones that type already tags.
type VoteKind = tmtypes.SignedMsgType

const (
	Prevote   = tmtypes.PrevoteType
	Precommit = tmtypes.PrecommitType
)

// State is a phase of the per-proposal state machine (§4.E).
type State int

const (
	StatePropose State = iota
	StatePrevote
	StatePrecommit
	StateDecided
)

// ProposalInit announces who is proposing for (h, r).
type ProposalInit struct {
	Height   types.Height
	Round    Round
	Proposer ValidatorID
}

// ProposalFin is the commitment the proposer's content stream must hash to.
type ProposalFin struct {
	ContentID felt.Felt
}

// Vote is one prevote or precommit. A nil vote (no content seen/agreed)
// carries the zero ContentID.
type Vote struct {
	Height    types.Height
	Round     Round
	Kind      VoteKind
	Validator ValidatorID
	ContentID felt.Felt
}

func (v Vote) isNil() bool { return v.ContentID.IsZero() }

func (v Vote) sameAs(o Vote) bool {
	return v.Height == o.Height && v.Round == o.Round && v.Kind == o.Kind && v.ContentID.Eq(o.ContentID)
}

// Equivocation is reported when a validator casts two distinct votes for
// the same (height, round, kind); the first vote is retained (P3).
type Equivocation struct {
	Validator ValidatorID
	First     Vote
	Second    Vote
}

// TimeoutPhase names which timer fired; Step ignores a timeout whose round
// or phase no longer matches the current state (it is stale).
type TimeoutEvent struct {
	Round Round
	Phase State
}

// ScheduleTimer asks the driver to arm a real timer; the driver is
// responsible for delivering a TimeoutEvent back into Step when it fires,
// and for dropping it if the round/phase has since moved on.
type ScheduleTimer struct {
	Phase State
	Round Round
}

// BroadcastVote asks the driver to send a vote to every peer.
type BroadcastVote struct {
	Vote Vote
}

// RequestProposal tells the driver that this node is the proposer for the
// current round and must build proposal content (via the batcher) and
// then call SubmitProposal.
type RequestProposal struct {
	Round Round
}

// StartRebroadcast/StopRebroadcast bracket the periodic re-emission of the
// local precommit while in Precommit (§4.E "Rebroadcast").
type StartRebroadcast struct{ Vote Vote }
type StopRebroadcast struct{}

// Action is the sum type of everything Step asks the driver to do.
type Action struct {
	ScheduleTimer    *ScheduleTimer
	BroadcastVote    *BroadcastVote
	RequestProposal  *RequestProposal
	StartRebroadcast *StartRebroadcast
	StopRebroadcast  *StopRebroadcast
}

// Decision is emitted exactly once, when 2/3+ precommits agree on one id.
// Matching precommits that arrive after the decision are appended to
// Precommits.
type Decision struct {
	Round      Round
	ContentID  felt.Felt
	Precommits []Vote
}

// SHC runs a single height.
type SHC struct {
	height     types.Height
	validators []ValidatorID
	self       ValidatorID

	round Round
	state State

	proposals map[Round]ProposalInit
	contentID map[Round]felt.Felt // set once ProposalFin for that round is known

	prevotes   map[Round]map[ValidatorID]Vote
	precommits map[Round]map[ValidatorID]Vote

	decided *Decision
}

// New starts a fresh SHC at round 0 for the given height and validator
// set; validators are sorted by numerical value (§4.E).
func New(height types.Height, validators []ValidatorID, self ValidatorID) *SHC {
	sorted := make([]ValidatorID, len(validators))
	copy(sorted, validators)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })
	return &SHC{
		height:     height,
		validators: sorted,
		self:       self,
		state:      StatePropose,
		proposals:  make(map[Round]ProposalInit),
		contentID:  make(map[Round]felt.Felt),
		prevotes:   make(map[Round]map[ValidatorID]Vote),
		precommits: make(map[Round]map[ValidatorID]Vote),
	}
}

// Proposer returns the proposer for (h, r): validators[(h+r) mod n] (§4.E).
func (s *SHC) Proposer(r Round) ValidatorID {
	n := len(s.validators)
	idx := (uint64(s.height) + uint64(r)) % uint64(n)
	return s.validators[idx]
}

func quorum(n int) int {
	f := (n - 1) / 3
	return 2*f + 1
}

// Start emits the round-0 entry actions (§4.E "Timers are scheduled on
// state entry").
func (s *SHC) Start() []Action {
	return s.enterRound(0)
}

func (s *SHC) enterRound(r Round) []Action {
	s.round = r
	s.state = StatePropose
	actions := []Action{{ScheduleTimer: &ScheduleTimer{Phase: StatePropose, Round: r}}}
	if s.Proposer(r).Eq(s.self) {
		actions = append(actions, Action{RequestProposal: &RequestProposal{Round: r}})
	}
	return actions
}

// ReceiveProposal records a proposer's (Init, Fin) pair and, if still in
// Propose for that round, casts our prevote.
func (s *SHC) ReceiveProposal(init ProposalInit, fin ProposalFin) ([]Action, error) {
	if init.Height != s.height {
		return nil, errutil.New(errutil.ProtocolViolation, "shc: proposal for wrong height")
	}
	if !init.Proposer.Eq(s.Proposer(init.Round)) {
		return nil, errutil.New(errutil.ProtocolViolation, "shc: proposal from non-proposer")
	}
	s.proposals[init.Round] = init
	s.contentID[init.Round] = fin.ContentID

	var actions []Action
	if init.Round == s.round && s.state == StatePropose {
		actions = append(actions, s.castPrevote(fin.ContentID)...)
	}
	actions = append(actions, s.tryAdvanceFromPrevotes(init.Round)...)
	return actions, nil
}

func (s *SHC) castPrevote(contentID felt.Felt) []Action {
	s.state = StatePrevote
	v := Vote{Height: s.height, Round: s.round, Kind: Prevote, Validator: s.self, ContentID: contentID}
	s.recordVote(v)
	return []Action{
		{BroadcastVote: &BroadcastVote{Vote: v}},
		{ScheduleTimer: &ScheduleTimer{Phase: StatePrevote, Round: s.round}},
	}
}

func (s *SHC) castPrecommit(contentID felt.Felt) []Action {
	s.state = StatePrecommit
	v := Vote{Height: s.height, Round: s.round, Kind: Precommit, Validator: s.self, ContentID: contentID}
	s.recordVote(v)
	return []Action{
		{BroadcastVote: &BroadcastVote{Vote: v}},
		{ScheduleTimer: &ScheduleTimer{Phase: StatePrecommit, Round: s.round}},
		{StartRebroadcast: &StartRebroadcast{Vote: v}},
	}
}

func (s *SHC) recordVote(v Vote) {
	var table map[Round]map[ValidatorID]Vote
	if v.Kind == Prevote {
		table = s.prevotes
	} else {
		table = s.precommits
	}
	m, ok := table[v.Round]
	if !ok {
		m = make(map[ValidatorID]Vote)
		table[v.Round] = m
	}
	m[v.Validator] = v
}

// ReceiveVote processes a peer vote, detecting equivocation (§4.E, P3): at
// most one vote per (h, r, kind) per validator is accepted; a second
// distinct vote is reported but does not replace the first. A repeat of
// the same vote is ignored.
func (s *SHC) ReceiveVote(v Vote) ([]Action, *Equivocation, error) {
	if v.Height != s.height {
		return nil, nil, errutil.New(errutil.ProtocolViolation, "shc: vote for wrong height")
	}

	var table map[Round]map[ValidatorID]Vote
	if v.Kind == Prevote {
		table = s.prevotes
	} else {
		table = s.precommits
	}
	m, ok := table[v.Round]
	if !ok {
		m = make(map[ValidatorID]Vote)
		table[v.Round] = m
	}

	if existing, ok := m[v.Validator]; ok {
		if existing.sameAs(v) {
			return nil, nil, nil
		}
		return nil, &Equivocation{Validator: v.Validator, First: existing, Second: v}, nil
	}
	m[v.Validator] = v

	if s.decided != nil && v.Kind == Precommit && v.Round == s.decided.Round && v.ContentID.Eq(s.decided.ContentID) {
		s.decided.Precommits = append(s.decided.Precommits, v)
		return nil, nil, nil
	}

	if v.Round != s.round {
		return nil, nil, nil
	}
	if v.Kind == Prevote {
		return s.tryAdvanceFromPrevotes(v.Round), nil, nil
	}
	return s.tryAdvanceFromPrecommits(v.Round), nil, nil
}

func (s *SHC) tryAdvanceFromPrevotes(r Round) []Action {
	if r != s.round || s.state == StatePrecommit || s.state == StateDecided {
		return nil
	}
	votes := s.prevotes[r]
	n := len(s.validators)
	need := quorum(n)

	counts := make(map[felt.Felt]int)
	for _, v := range votes {
		counts[v.ContentID]++
	}
	for id, c := range counts {
		if c >= need && !id.IsZero() {
			// Casting our own precommit may itself already clear
			// precommit quorum (e.g. a single-validator set, or
			// precommits that arrived before we reached prevote
			// quorum), so check immediately rather than waiting for
			// the next ReceiveVote.
			actions := s.castPrecommit(id)
			return append(actions, s.tryAdvanceFromPrecommits(r)...)
		}
	}
	if len(votes) >= need {
		// Heterogeneous quorum: enough prevotes seen, but no single id
		// reached 2/3 — precommit nil and move on (§4.E Prevote exit:
		// "heterogeneous 2/3").
		actions := s.castPrecommit(felt.Zero)
		return append(actions, s.tryAdvanceFromPrecommits(r)...)
	}
	return nil
}

func (s *SHC) tryAdvanceFromPrecommits(r Round) []Action {
	if r != s.round || s.state == StateDecided {
		return nil
	}
	votes := s.precommits[r]
	n := len(s.validators)
	need := quorum(n)

	counts := make(map[felt.Felt]int)
	for _, v := range votes {
		counts[v.ContentID]++
	}
	for id, c := range counts {
		if c >= need && !id.IsZero() {
			s.state = StateDecided
			var all []Vote
			for _, v := range votes {
				if v.ContentID.Eq(id) {
					all = append(all, v)
				}
			}
			s.decided = &Decision{Round: r, ContentID: id, Precommits: all}
			return []Action{{StopRebroadcast: &StopRebroadcast{}}}
		}
	}
	if len(votes) >= need {
		return s.nextRoundActions()
	}
	return nil
}

func (s *SHC) nextRoundActions() []Action {
	actions := []Action{{StopRebroadcast: &StopRebroadcast{}}}
	actions = append(actions, s.enterRound(s.round+1)...)
	return actions
}

// Timeout processes a (possibly stale) timer firing. Stale events — for a
// round or phase the state machine has already left — are silently
// ignored, which is what lets the driver not bother cancelling timers on
// state exit (§4.E says timers are cancelled on exit; here that becomes
// "their firing is a no-op once stale").
func (s *SHC) Timeout(ev TimeoutEvent) []Action {
	if ev.Round != s.round || ev.Phase != s.state {
		return nil
	}
	switch ev.Phase {
	case StatePropose:
		return s.castPrevote(felt.Zero)
	case StatePrevote:
		actions := s.castPrecommit(felt.Zero)
		return append(actions, s.tryAdvanceFromPrecommits(s.round)...)
	case StatePrecommit:
		return s.nextRoundActions()
	default:
		return nil
	}
}

// Decision returns the height's decision once reached, or nil.
func (s *SHC) Decision() *Decision { return s.decided }

// Round and State expose the current phase for introspection/tests.
func (s *SHC) Round() Round { return s.round }
func (s *SHC) State() State { return s.state }
