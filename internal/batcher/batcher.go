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

// Package batcher implements §4.D: turn a (height, deadline) into a
// proposal commitment, or validate a peer's proposal against local
// execution. The construction loop is grounded on
// maxbibeau-go-quai/core/worker.go's newWorker/mainLoop shape: a polling
// loop that keeps folding accepted work into a running state until a
// deadline or policy stop, then finalizes a single commitment.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/starkware-libs/sequencer-sub008/internal/client"
	"github.com/starkware-libs/sequencer-sub008/internal/errutil"
	"github.com/starkware-libs/sequencer-sub008/internal/felt"
	"github.com/starkware-libs/sequencer-sub008/internal/mempool"
	"github.com/starkware-libs/sequencer-sub008/internal/slog"
	"github.com/starkware-libs/sequencer-sub008/internal/types"
)

// Phase is the proposal state machine of §4.D.
type Phase int

const (
	Idle Phase = iota
	Building
	Executing
	Ready
)

// Executor is the capability-record boundary §9 reserves for transaction
// execution: a set of function pointers supplied at construction rather
// than a trait object or a global registry.
type Executor struct {
	// Reset discards any partially-applied state and starts a fresh
	// pre-state for a new proposal.
	Reset func()
	// ApplyTx executes one transaction against the running state. ok is
	// false (with a reason, not an error) when the transaction reverted or
	// ran out of resources; err is reserved for infrastructure failures.
	ApplyTx func(tx types.Transaction) (ok bool, reason types.RejectedReason, err error)
	// StateDiff finalizes the accumulated state diff for the proposal so
	// far; it may be called repeatedly (e.g. for a deadline cutoff).
	StateDiff func() *types.StateDiff
}

// Proposal is the batcher's output, whichever of build or validate
// produced it.
type Proposal struct {
	Height     types.Height
	ID         uint64
	Commitment felt.Felt
	Txs        []types.Transaction
	Rejected   []types.RejectedTx
	StateDiff  *types.StateDiff
}

// Batcher is the proposer/batcher of §4.D.
type Batcher struct {
	mempool   *client.Handle[mempool.GetTxsArgs, mempool.GetTxsResult]
	executor  Executor
	batchSize int
	log       slog.Logger

	mu       sync.Mutex
	phase    Phase
	height   types.Height
	proposal uint64
	cancel   chan struct{}
}

// New constructs a Batcher bound to a mempool client handle and an
// Executor.
func New(mempoolHandle *client.Handle[mempool.GetTxsArgs, mempool.GetTxsResult], executor Executor, batchSize int) *Batcher {
	return &Batcher{
		mempool:   mempoolHandle,
		executor:  executor,
		batchSize: batchSize,
		log:       slog.New("component", "batcher"),
	}
}

// StartHeight moves the batcher to Idle at a new height, aborting whatever
// proposal was in flight for the previous height (§4.D: "Height changes
// abort the in-flight proposal").
func (b *Batcher) StartHeight(h types.Height) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		close(b.cancel)
	}
	b.cancel = nil
	b.height = h
	b.phase = Idle
}

func (b *Batcher) beginProposal(h types.Height, id uint64) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h != b.height {
		return nil, errutil.New(errutil.InvalidInput, "batcher: height mismatch")
	}
	if b.phase == Building || b.phase == Executing {
		return nil, errutil.New(errutil.InvalidInput, "batcher: already generating proposal")
	}
	cancel := make(chan struct{})
	b.cancel = cancel
	b.proposal = id
	b.phase = Building
	return cancel, nil
}

func (b *Batcher) setPhase(p Phase) {
	b.mu.Lock()
	b.phase = p
	b.mu.Unlock()
}

// BuildBlockProposal runs the construction loop: poll mempool.get_txs
// until deadline, streaming each accepted transaction to txSink before
// folding it into the executor state, then finalizes a commitment (§4.D).
func (b *Batcher) BuildBlockProposal(ctx context.Context, h types.Height, id uint64, deadline time.Time, txSink chan<- types.Transaction) (*Proposal, error) {
	cancel, err := b.beginProposal(h, id)
	if err != nil {
		return nil, err
	}
	b.executor.Reset()

	var accepted []types.Transaction
	var rejected []types.RejectedTx

	for time.Now().Before(deadline) {
		select {
		case <-cancel:
			return nil, errutil.New(errutil.InvalidInput, "batcher: proposal aborted by height change")
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		resp, err := b.mempool.Call(ctx, mempool.GetTxsArgs{N: b.batchSize})
		if err != nil {
			return nil, errutil.Wrap(errutil.TransientIO, err, "batcher: fetching transactions from mempool")
		}
		if len(resp.Txs) == 0 {
			// Nothing eligible right now: wait briefly and poll again until
			// the deadline, still honouring cancellation.
			select {
			case <-cancel:
				return nil, errutil.New(errutil.InvalidInput, "batcher: proposal aborted by height change")
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		b.setPhase(Executing)
		for _, tx := range resp.Txs {
			if !time.Now().Before(deadline) {
				break
			}
			select {
			case <-cancel:
				return nil, errutil.New(errutil.InvalidInput, "batcher: proposal aborted by height change")
			default:
			}

			ok, reason, err := b.executor.ApplyTx(tx)
			if err != nil {
				return nil, errutil.Wrap(errutil.Fatal, err, "batcher: executing transaction")
			}
			if !ok {
				rejected = append(rejected, types.RejectedTx{Hash: tx.Hash, Reason: reason})
				continue
			}
			select {
			case txSink <- tx:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			accepted = append(accepted, tx)
		}
	}

	diff := b.executor.StateDiff()
	commitment := diff.Commitment()

	b.setPhase(Ready)
	return &Proposal{
		Height:     h,
		ID:         id,
		Commitment: commitment,
		Txs:        accepted,
		Rejected:   rejected,
		StateDiff:  diff,
	}, nil
}

// ValidateProposal replays a peer's streamed transaction content against
// the same pre-state and compares the resulting commitment with the
// peer's claimed one (§4.D "Validation").
func (b *Batcher) ValidateProposal(h types.Height, id uint64, txs []types.Transaction, peerCommitment felt.Felt) (*Proposal, bool, error) {
	if _, err := b.beginProposal(h, id); err != nil {
		return nil, false, err
	}
	b.executor.Reset()
	b.setPhase(Executing)

	var accepted []types.Transaction
	var rejected []types.RejectedTx
	for _, tx := range txs {
		ok, reason, err := b.executor.ApplyTx(tx)
		if err != nil {
			return nil, false, errutil.Wrap(errutil.Fatal, err, "batcher: replaying proposal transaction")
		}
		if !ok {
			rejected = append(rejected, types.RejectedTx{Hash: tx.Hash, Reason: reason})
			continue
		}
		accepted = append(accepted, tx)
	}

	diff := b.executor.StateDiff()
	commitment := diff.Commitment()
	b.setPhase(Ready)

	proposal := &Proposal{Height: h, ID: id, Commitment: commitment, Txs: accepted, Rejected: rejected, StateDiff: diff}
	return proposal, commitment.Eq(peerCommitment), nil
}

// Phase reports the batcher's current proposal phase, mainly for tests and
// health introspection.
func (b *Batcher) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}
