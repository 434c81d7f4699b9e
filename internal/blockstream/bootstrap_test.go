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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starkware-libs/sequencer-sub008/internal/felt"
	"github.com/starkware-libs/sequencer-sub008/internal/types"
)

// TestOrderedQueue_YieldsInSubmissionOrderRegardlessOfDelay is P5: results
// are delivered in submission order even though later-submitted tasks
// finish first.
func TestOrderedQueue_YieldsInSubmissionOrderRegardlessOfDelay(t *testing.T) {
	q := NewOrderedQueue[int](context.Background(), 4, 8)
	delays := []time.Duration{30 * time.Millisecond, 0, 20 * time.Millisecond, 0}

	for i, d := range delays {
		i, d := i, d
		q.Submit(func(ctx context.Context) (int, error) {
			time.Sleep(d)
			return i, nil
		})
	}

	var got []int
	for i := 0; i < len(delays); i++ {
		res := <-q.Results()
		require.NoError(t, res.Err)
		got = append(got, res.Value)
	}
	require.Equal(t, []int{0, 1, 2, 3}, got)
}

// TestOrderedQueue_BoundsConcurrency checks that no more than `concurrency`
// tasks run at once.
func TestOrderedQueue_BoundsConcurrency(t *testing.T) {
	q := NewOrderedQueue[struct{}](context.Background(), 2, 8)

	var mu sync.Mutex
	var inFlight, maxInFlight int
	for i := 0; i < 6; i++ {
		q.Submit(func(ctx context.Context) (struct{}, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return struct{}{}, nil
		})
	}
	for i := 0; i < 6; i++ {
		<-q.Results()
	}
	require.LessOrEqual(t, maxInFlight, 2)
}

func TestMergeStateDiffChunks_WrongLength(t *testing.T) {
	_, err := MergeStateDiffChunks(2, []StateDiffChunk{{Nonces: map[types.Address]types.Nonce{felt.FromUint64(1): 1}}})
	require.ErrorIs(t, err, ErrWrongStateDiffLength)
}

func TestMergeStateDiffChunks_EmptyPart(t *testing.T) {
	_, err := MergeStateDiffChunks(1, []StateDiffChunk{{}})
	require.ErrorIs(t, err, ErrEmptyStateDiffPart)
}

func TestMergeStateDiffChunks_ConflictingParts(t *testing.T) {
	addr := felt.FromUint64(1)
	chunks := []StateDiffChunk{
		{Nonces: map[types.Address]types.Nonce{addr: 1}},
		{Nonces: map[types.Address]types.Nonce{addr: 2}},
	}
	_, err := MergeStateDiffChunks(2, chunks)
	require.ErrorIs(t, err, ErrConflictingStateDiffParts)
}

func TestMergeStateDiffChunks_MergesDisjointParts(t *testing.T) {
	addr1, addr2 := felt.FromUint64(1), felt.FromUint64(2)
	chunks := []StateDiffChunk{
		{Nonces: map[types.Address]types.Nonce{addr1: 1}},
		{Nonces: map[types.Address]types.Nonce{addr2: 2}},
	}
	diff, err := MergeStateDiffChunks(2, chunks)
	require.NoError(t, err)
	require.Equal(t, types.Nonce(1), diff.Nonces[addr1])
	require.Equal(t, types.Nonce(2), diff.Nonces[addr2])
}

func TestValidateClasses_NotEnough(t *testing.T) {
	diff := types.NewStateDiff()
	diff.DeclaredClasses[felt.FromUint64(1)] = felt.FromUint64(2)
	diff.DeclaredClasses[felt.FromUint64(3)] = felt.FromUint64(4)

	err := ValidateClasses(diff, []DeliveredClass{{Hash: felt.FromUint64(1)}})
	require.ErrorIs(t, err, ErrNotEnoughClasses)
}

func TestValidateClasses_Duplicate(t *testing.T) {
	diff := types.NewStateDiff()
	diff.DeclaredClasses[felt.FromUint64(1)] = felt.FromUint64(2)

	err := ValidateClasses(diff, []DeliveredClass{{Hash: felt.FromUint64(1)}, {Hash: felt.FromUint64(1)}})
	require.ErrorIs(t, err, ErrDuplicateClass)
}

func TestValidateClasses_NotInStateDiff(t *testing.T) {
	diff := types.NewStateDiff()
	diff.DeclaredClasses[felt.FromUint64(1)] = felt.FromUint64(2)

	err := ValidateClasses(diff, []DeliveredClass{{Hash: felt.FromUint64(99)}})
	require.ErrorIs(t, err, ErrClassNotInStateDiff)
}

func TestValidateClasses_AcceptsDeclaredAndDeprecated(t *testing.T) {
	diff := types.NewStateDiff()
	diff.DeclaredClasses[felt.FromUint64(1)] = felt.FromUint64(2)
	diff.DeprecatedDeclaredClasses = []types.ClassHash{felt.FromUint64(3)}

	err := ValidateClasses(diff, []DeliveredClass{
		{Hash: felt.FromUint64(1)},
		{Hash: felt.FromUint64(3), Deprecated: true},
	})
	require.NoError(t, err)
}

// TestBootstrap_FetchesAssembleAndConsumeInOrder drives a Bootstrap end to
// end with deliberately skewed fetch delays, confirming Consume sees
// blocks in height order.
func TestBootstrap_FetchesAssembleAndConsumeInOrder(t *testing.T) {
	delayFor := map[types.Height]time.Duration{1: 20 * time.Millisecond, 2: 0, 3: 10 * time.Millisecond}

	fetchers := Fetchers{
		FetchHeader: func(ctx context.Context, h types.Height) (types.BlockHeader, error) {
			time.Sleep(delayFor[h])
			return types.BlockHeader{Height: h}, nil
		},
		FetchBody: func(ctx context.Context, h types.Height) (types.BlockBody, error) {
			return types.BlockBody{}, nil
		},
		FetchStateDiffChunks: func(ctx context.Context, h types.Height, declaredLength int) ([]StateDiffChunk, error) {
			chunks := make([]StateDiffChunk, declaredLength)
			for i := range chunks {
				chunks[i] = StateDiffChunk{Nonces: map[types.Address]types.Nonce{felt.FromUint64(uint64(h)*10 + uint64(i)): 1}}
			}
			return chunks, nil
		},
		FetchClasses: func(ctx context.Context, h types.Height, diff *types.StateDiff) ([]DeliveredClass, error) {
			return nil, nil
		},
	}

	var mu sync.Mutex
	var appended []types.Height
	sink := Sink{Append: func(b ProcessedBlockData) error {
		mu.Lock()
		appended = append(appended, b.Header.Height)
		mu.Unlock()
		return nil
	}}

	b := NewBootstrap(context.Background(), 4, 0, fetchers, sink)
	require.NoError(t, b.RequestHeight(1, 1))
	require.NoError(t, b.RequestHeight(2, 1))
	require.NoError(t, b.RequestHeight(3, 1))
	b.Close()
	require.NoError(t, b.Consume(context.Background()))

	require.Equal(t, []types.Height{1, 2, 3}, appended)
}

func TestBootstrap_RequestHeightRejectsAtOrBelowMarker(t *testing.T) {
	fetchers := Fetchers{}
	sink := Sink{Append: func(b ProcessedBlockData) error { return nil }}
	b := NewBootstrap(context.Background(), 2, 5, fetchers, sink)

	require.Error(t, b.RequestHeight(5, 1))
	require.Error(t, b.RequestHeight(3, 1))
}
