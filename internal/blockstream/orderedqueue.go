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

	"golang.org/x/sync/semaphore"
)

// Task is one unit of work submitted to an OrderedQueue.
type Task[T any] func(ctx context.Context) (T, error)

// Result pairs a Task's outcome, delivered through Results() in
// submission order.
type Result[T any] struct {
	Value T
	Err   error
}

// OrderedQueue is the `FuturesOrdered`-equivalent of §4.G: tasks run
// concurrently, bounded by concurrency, but Results() always yields them
// in the order Submit was called regardless of which finishes first. No
// library in the pack implements this exact ordered-heterogeneous-future
// primitive, so it is built directly on channels and
// golang.org/x/sync/semaphore.
type OrderedQueue[T any] struct {
	ctx   context.Context
	sem   *semaphore.Weighted
	order chan chan Result[T]
	out   chan Result[T]
}

// NewOrderedQueue starts the queue's drain loop. concurrency bounds how
// many submitted tasks may run at once; buffer bounds how many completed
// results may sit unread in Results() before Submit blocks.
func NewOrderedQueue[T any](ctx context.Context, concurrency int64, buffer int) *OrderedQueue[T] {
	q := &OrderedQueue[T]{
		ctx:   ctx,
		sem:   semaphore.NewWeighted(concurrency),
		order: make(chan chan Result[T], buffer),
		out:   make(chan Result[T], buffer),
	}
	go q.drain()
	return q
}

// Submit enqueues task. The goroutine it spawns acquires a semaphore slot
// before running, so at most `concurrency` tasks execute concurrently;
// which slot a given task gets has no bearing on result order.
func (q *OrderedQueue[T]) Submit(task Task[T]) {
	ch := make(chan Result[T], 1)
	q.order <- ch
	go func() {
		if err := q.sem.Acquire(q.ctx, 1); err != nil {
			ch <- Result[T]{Err: err}
			return
		}
		defer q.sem.Release(1)
		v, err := task(q.ctx)
		ch <- Result[T]{Value: v, Err: err}
	}()
}

// drain reads the per-task result channels strictly in the order Submit
// pushed them onto q.order, blocking on each one until it completes. That
// is the entire ordering guarantee: q.order is a FIFO channel, so no
// result can be forwarded to q.out before an earlier-submitted one.
func (q *OrderedQueue[T]) drain() {
	for ch := range q.order {
		q.out <- <-ch
	}
	close(q.out)
}

// Results returns the channel of insertion-ordered task results.
func (q *OrderedQueue[T]) Results() <-chan Result[T] { return q.out }

// Close stops accepting new tasks; Results() closes once every
// already-submitted task has been drained.
func (q *OrderedQueue[T]) Close() { close(q.order) }
