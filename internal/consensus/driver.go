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

// Package consensus is the multi-height driver of §4.E: it owns the real
// clock and transport that internal/shc's pure state machine asks for
// through Actions, advances from one height's Decision to the next
// height's Start, and folds a Decision into the forest/storage effects.
package consensus

import (
	"sync"
	"time"

	"github.com/starkware-libs/sequencer-sub008/internal/errutil"
	"github.com/starkware-libs/sequencer-sub008/internal/felt"
	"github.com/starkware-libs/sequencer-sub008/internal/shc"
	"github.com/starkware-libs/sequencer-sub008/internal/slog"
	"github.com/starkware-libs/sequencer-sub008/internal/types"
)

// Role distinguishes a voting validator from a pure observer (supplemented
// from original_source/crates/papyrus_consensus: an Observer syncs
// decisions without ever emitting a vote or proposal).
type Role int

const (
	RoleValidator Role = iota
	RoleObserver
)

// Timeouts holds the three configurable SHC timers (§4.E) plus the
// rebroadcast interval.
type Timeouts struct {
	Propose     time.Duration
	Prevote     time.Duration
	Precommit   time.Duration
	Rebroadcast time.Duration
}

// Effects is the capability-record boundary between the driver and the
// rest of the node: committing a decided block to the forest, appending it
// to storage, and sending messages to peers. The driver never imports the
// forest, storage, or transport packages directly, only these function
// pointers, the same pattern batcher.Executor uses for the execution
// engine (§9's capability-record dynamic-dispatch boundary).
type Effects struct {
	CommitBlock       func(diff *types.StateDiff) error
	AppendBlock       func(header types.BlockHeader, body types.BlockBody, diff *types.StateDiff) error
	BroadcastVote     func(v shc.Vote)
	BroadcastProposal func(round shc.Round)
	BroadcastDecision func(d shc.Decision)
	// Resync imports every block up to and including target via the sync
	// path (§4.G) when the driver observes the chain has moved past its
	// current height (§4.E "Sync fallback").
	Resync func(target types.Height) error
}

// ProposalContent is the full proposal a round's (Init, Fin) pair commits
// to: the header/body/state-diff the batcher built or validated. The
// driver indexes content by its commitment (ContentID) rather than by
// round, since a round can be superseded without the content ever being
// decided.
type ProposalContent struct {
	Header    types.BlockHeader
	Body      types.BlockBody
	StateDiff *types.StateDiff
}

// Driver wraps one shc.SHC at a time and advances it across heights.
type Driver struct {
	validators []shc.ValidatorID
	self       shc.ValidatorID
	role       Role
	timeouts   Timeouts
	effects    Effects
	log        slog.Logger

	mu          sync.Mutex
	height      types.Height
	machine     *shc.SHC
	contentByID map[felt.Felt]*ProposalContent
	rebroadcast chan struct{} // closed to stop the current rebroadcast ticker
}

// New constructs a Driver. It does not start any height; call StartHeight.
func New(validators []shc.ValidatorID, self shc.ValidatorID, role Role, timeouts Timeouts, effects Effects) *Driver {
	return &Driver{
		validators:  validators,
		self:        self,
		role:        role,
		timeouts:    timeouts,
		effects:     effects,
		log:         slog.New("component", "consensus"),
		contentByID: make(map[felt.Felt]*ProposalContent),
	}
}

// StartHeight aborts whatever height was running and begins height h at
// round 0.
func (d *Driver) StartHeight(h types.Height) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startHeightLocked(h)
}

func (d *Driver) startHeightLocked(h types.Height) {
	d.stopRebroadcastLocked()
	d.height = h
	d.machine = shc.New(h, d.validators, d.self)
	// Proposal content for superseded heights is never referenced again.
	d.contentByID = make(map[felt.Felt]*ProposalContent)
	d.processActionsLocked(d.machine.Start())
}

// Height reports the height currently being run.
func (d *Driver) Height() types.Height {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.height
}

// SubmitProposal records the content behind a proposal's commitment so
// that, if SHC later decides that commitment, the driver has something to
// hand the forest and storage. It must be called (by whatever validated or
// built the content, i.e. the batcher) before or alongside the matching
// ReceiveProposal.
func (d *Driver) SubmitProposal(content ProposalContent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contentByID[content.StateDiff.Commitment()] = &content
}

// ReceiveProposal feeds a peer's (Init, Fin) pair into the running SHC.
func (d *Driver) ReceiveProposal(init shc.ProposalInit, fin shc.ProposalFin) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.machine == nil {
		return errutil.New(errutil.InvalidInput, "consensus: no height running")
	}
	actions, err := d.machine.ReceiveProposal(init, fin)
	if err != nil {
		return err
	}
	d.processActionsLocked(actions)
	return nil
}

// ReceiveVote feeds a peer vote into the running SHC, returning any
// detected equivocation (§4.E P3) for the caller to report/penalize.
func (d *Driver) ReceiveVote(v shc.Vote) (*shc.Equivocation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.machine == nil {
		return nil, errutil.New(errutil.InvalidInput, "consensus: no height running")
	}
	actions, equiv, err := d.machine.ReceiveVote(v)
	if err != nil {
		return nil, err
	}
	d.processActionsLocked(actions)
	return equiv, nil
}

// ObserveHeight implements the sync fallback (§4.E): when an external
// signal (a peer's gossiped header, a sync-status poll) reports the chain
// tip is already at or past chainHeight while the driver is still running
// an earlier height, the driver abandons its in-flight SHC, imports the
// gap via Resync, and resumes consensus one past the imported tip.
func (d *Driver) ObserveHeight(chainHeight types.Height) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if chainHeight < d.height {
		return nil
	}
	d.log.Info("consensus: sync fallback", "observed", chainHeight, "local", d.height)
	d.machine = nil
	d.stopRebroadcastLocked()
	if d.effects.Resync != nil {
		if err := d.effects.Resync(chainHeight); err != nil {
			return errutil.Wrap(errutil.TransientIO, err, "consensus: resync")
		}
	}
	d.startHeightLocked(chainHeight.Next())
	return nil
}

func (d *Driver) processActionsLocked(actions []shc.Action) {
	for _, a := range actions {
		switch {
		case a.ScheduleTimer != nil:
			d.scheduleTimerLocked(*a.ScheduleTimer)
		case a.BroadcastVote != nil:
			if d.role == RoleValidator && d.effects.BroadcastVote != nil {
				d.effects.BroadcastVote(a.BroadcastVote.Vote)
			}
		case a.RequestProposal != nil:
			if d.role == RoleValidator && d.effects.BroadcastProposal != nil {
				d.effects.BroadcastProposal(a.RequestProposal.Round)
			}
		case a.StartRebroadcast != nil:
			if d.role == RoleValidator {
				d.startRebroadcastLocked(a.StartRebroadcast.Vote)
			}
		case a.StopRebroadcast != nil:
			d.stopRebroadcastLocked()
		}
	}
	if d.machine != nil {
		if dec := d.machine.Decision(); dec != nil {
			d.finalizeDecisionLocked(dec)
		}
	}
}

func (d *Driver) scheduleTimerLocked(st shc.ScheduleTimer) {
	var dur time.Duration
	switch st.Phase {
	case shc.StatePropose:
		dur = d.timeouts.Propose
	case shc.StatePrevote:
		dur = d.timeouts.Prevote
	case shc.StatePrecommit:
		dur = d.timeouts.Precommit
	default:
		return
	}
	height := d.height
	ev := shc.TimeoutEvent{Round: st.Round, Phase: st.Phase}
	time.AfterFunc(dur, func() { d.handleTimeout(height, ev) })
}

// handleTimeout delivers a fired timer back into the SHC. If the driver
// has since moved to a different height the event is simply stale and
// dropped; a same-height stale round/phase is dropped by shc.SHC.Timeout
// itself, which is why the driver never needs to cancel a timer early.
func (d *Driver) handleTimeout(height types.Height, ev shc.TimeoutEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.machine == nil || d.height != height {
		return
	}
	d.processActionsLocked(d.machine.Timeout(ev))
}

func (d *Driver) startRebroadcastLocked(v shc.Vote) {
	d.stopRebroadcastLocked()
	stop := make(chan struct{})
	d.rebroadcast = stop
	interval := d.timeouts.Rebroadcast
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if d.effects.BroadcastVote != nil {
					d.effects.BroadcastVote(v)
				}
			}
		}
	}()
}

func (d *Driver) stopRebroadcastLocked() {
	if d.rebroadcast != nil {
		close(d.rebroadcast)
		d.rebroadcast = nil
	}
}

// finalizeDecisionLocked folds a just-reached Decision into the forest and
// storage effects (§4.E "Decision"), broadcasts the precommit set once,
// then advances to the next height.
func (d *Driver) finalizeDecisionLocked(dec *shc.Decision) {
	content, ok := d.contentByID[dec.ContentID]
	if !ok {
		d.log.Error("consensus: decided on content never submitted", "height", d.height, "round", dec.Round)
		return
	}
	if d.effects.CommitBlock != nil {
		if err := d.effects.CommitBlock(content.StateDiff); err != nil {
			d.log.Error("consensus: commit block failed", "height", d.height, "err", err)
			return
		}
	}
	if d.effects.AppendBlock != nil {
		if err := d.effects.AppendBlock(content.Header, content.Body, content.StateDiff); err != nil {
			d.log.Error("consensus: append block failed", "height", d.height, "err", err)
			return
		}
	}
	if d.effects.BroadcastDecision != nil {
		d.effects.BroadcastDecision(*dec)
	}
	next := d.height.Next()
	d.startHeightLocked(next)
}
