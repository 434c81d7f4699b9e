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

// Package blockstream implements §4.G: parsing the four interleaved P2P
// sync streams (headers, state-diffs, transactions, classes) into a
// single ordered consumer of ProcessedBlockData, bounded by two monotone
// queue markers.
package blockstream

import (
	"context"
	"sync"

	"github.com/starkware-libs/sequencer-sub008/internal/errutil"
	"github.com/starkware-libs/sequencer-sub008/internal/slog"
	"github.com/starkware-libs/sequencer-sub008/internal/types"
)

// ProcessedBlockData is one fully fetched, merged and validated block
// ready for the storage façade.
type ProcessedBlockData struct {
	Header     types.BlockHeader
	Body       types.BlockBody
	StateDiff  *types.StateDiff
	Declared   []types.ClassHash
	Deprecated []types.ClassHash
}

// Fetchers is the capability-record boundary to the sync transport: the
// package that drives a Bootstrap supplies these function pointers rather
// than blockstream importing a P2P client type directly (the same pattern
// batcher.Executor and consensus.Effects use for their dynamic-dispatch
// boundaries, §9).
type Fetchers struct {
	FetchHeader          func(ctx context.Context, h types.Height) (types.BlockHeader, error)
	FetchBody            func(ctx context.Context, h types.Height) (types.BlockBody, error)
	FetchStateDiffChunks func(ctx context.Context, h types.Height, declaredLength int) ([]StateDiffChunk, error)
	FetchClasses         func(ctx context.Context, h types.Height, diff *types.StateDiff) ([]DeliveredClass, error)
}

// Sink appends one fully assembled block to storage: queue_header,
// queue_body, queue_state_diff, queue_classes and flush_batch, in that
// order (§4.F/§4.G).
type Sink struct {
	Append func(ProcessedBlockData) error
}

// Bootstrap drives the P2P sync bootstrap: it fetches, merges and
// validates blocks concurrently but hands them to Consume strictly in the
// order RequestHeight was called (§4.G's ordering contract).
type Bootstrap struct {
	fetchers Fetchers
	sink     Sink
	queue    *OrderedQueue[ProcessedBlockData]
	log      slog.Logger

	mu                sync.Mutex
	queueHeaderMarker types.Height
	queueStateMarker  types.Height
}

// NewBootstrap constructs a Bootstrap whose queue markers start at
// startMarker (normally the storage façade's current header/state
// marker, so sync never re-fetches already-committed heights).
func NewBootstrap(ctx context.Context, concurrency int64, startMarker types.Height, fetchers Fetchers, sink Sink) *Bootstrap {
	return &Bootstrap{
		fetchers:          fetchers,
		sink:              sink,
		queue:             NewOrderedQueue[ProcessedBlockData](ctx, concurrency, 64),
		log:               slog.New("component", "blockstream"),
		queueHeaderMarker: startMarker,
		queueStateMarker:  startMarker,
	}
}

// RequestHeight issues the fetch for height h, bounded by both queue
// markers (§4.G: "a fetch for height h is issued only if h > marker").
// Callers must call RequestHeight in ascending height order; Results()
// then yields ProcessedBlockData in that same order regardless of which
// height's network round-trip finishes first.
func (b *Bootstrap) RequestHeight(h types.Height, declaredStateDiffLength int) error {
	b.mu.Lock()
	if h <= b.queueHeaderMarker || h <= b.queueStateMarker {
		b.mu.Unlock()
		return errutil.New(errutil.InvalidInput, "blockstream: height already queued or committed")
	}
	b.queueHeaderMarker = h
	b.queueStateMarker = h
	b.mu.Unlock()

	b.queue.Submit(func(ctx context.Context) (ProcessedBlockData, error) {
		return b.fetchOne(ctx, h, declaredStateDiffLength)
	})
	return nil
}

func (b *Bootstrap) fetchOne(ctx context.Context, h types.Height, declaredLength int) (ProcessedBlockData, error) {
	header, err := b.fetchers.FetchHeader(ctx, h)
	if err != nil {
		return ProcessedBlockData{}, errutil.Wrap(errutil.TransientIO, err, "blockstream: fetch header")
	}

	body, err := b.fetchers.FetchBody(ctx, h)
	if err != nil {
		return ProcessedBlockData{}, errutil.Wrap(errutil.TransientIO, err, "blockstream: fetch body")
	}

	chunks, err := b.fetchers.FetchStateDiffChunks(ctx, h, declaredLength)
	if err != nil {
		return ProcessedBlockData{}, errutil.Wrap(errutil.TransientIO, err, "blockstream: fetch state diff")
	}
	// State-diff parse must complete, and therefore class delivery must
	// be validated against it, before this block's storage flush — the
	// ordering the per-block pipeline promises in §4.G is enforced here
	// by plain sequential composition, not a separate scheduler.
	diff, err := MergeStateDiffChunks(declaredLength, chunks)
	if err != nil {
		return ProcessedBlockData{}, err
	}

	delivered, err := b.fetchers.FetchClasses(ctx, h, diff)
	if err != nil {
		return ProcessedBlockData{}, errutil.Wrap(errutil.TransientIO, err, "blockstream: fetch classes")
	}
	if err := ValidateClasses(diff, delivered); err != nil {
		return ProcessedBlockData{}, err
	}

	var declared, deprecated []types.ClassHash
	for _, c := range delivered {
		if c.Deprecated {
			deprecated = append(deprecated, c.Hash)
		} else {
			declared = append(declared, c.Hash)
		}
	}

	return ProcessedBlockData{
		Header:     header,
		Body:       body,
		StateDiff:  diff,
		Declared:   declared,
		Deprecated: deprecated,
	}, nil
}

// Results exposes the insertion-ordered stream directly, for callers that
// want to interleave their own consumption logic instead of Consume.
func (b *Bootstrap) Results() <-chan Result[ProcessedBlockData] { return b.queue.Results() }

// Consume drains Results(), appending each block via Sink.Append. It
// returns on the first error: a fetch/validation failure means the
// offending peer should be reported and that height retried against a
// different peer (§4.G), which is the caller's responsibility since only
// it knows which peer served the failing request.
func (b *Bootstrap) Consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-b.queue.Results():
			if !ok {
				return nil
			}
			if res.Err != nil {
				return res.Err
			}
			if err := b.sink.Append(res.Value); err != nil {
				return err
			}
		}
	}
}

// Close stops the underlying queue from accepting new requests.
func (b *Bootstrap) Close() { b.queue.Close() }
