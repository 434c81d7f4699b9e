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

// Package compiler runs the CPU-bound Sierra->Casm compile step on a
// bounded worker pool (§4.B "compile pipeline"), decoupled from the
// class manager's request-handling goroutine the way the storage flush
// path is decoupled from trie hashing (§5).
package compiler

import (
	"github.com/JekaMas/workerpool"

	"github.com/starkware-libs/sequencer-sub008/internal/felt"
)

// Compiled is the worker's outcome for one class: either a native-compiled
// artifact or a compile failure carrying the casm bytes produced before the
// failure (§4.B: "(class_id, NativeCompiled | Failed(casm))").
type Compiled struct {
	ClassHash felt.Felt
	Casm      []byte
	Native    bool
	Err       error
}

// Func performs the actual Sierra->Casm lowering. It is supplied by the
// caller (the capability-record boundary §9 reserves for the executor) so
// this package stays ignorant of the Cairo compiler's concrete shape.
type Func func(classHash felt.Felt, sierra []byte) (casm []byte, err error)

// Pool is a bounded worker pool feeding compile results back through a
// channel, matching §4.B's "bounded-capacity request channel feeds a
// worker pool ... publishes into the in-memory cache".
type Pool struct {
	wp      *workerpool.WorkerPool
	compile Func
	results chan Compiled
}

// New starts a pool with the given worker count and result-channel
// capacity.
func New(workers int, resultCapacity int, compile Func) *Pool {
	return &Pool{
		wp:      workerpool.New(workers),
		compile: compile,
		results: make(chan Compiled, resultCapacity),
	}
}

// Results is the channel the class manager drains to learn compile
// outcomes and update its cache.
func (p *Pool) Results() <-chan Compiled { return p.results }

// Submit enqueues a compile job asynchronously; the result surfaces later
// on Results().
func (p *Pool) Submit(classHash felt.Felt, sierra []byte) {
	p.wp.Submit(func() {
		casm, err := p.compile(classHash, sierra)
		p.results <- Compiled{ClassHash: classHash, Casm: casm, Native: err == nil, Err: err}
	})
}

// SubmitSync runs the compile inline and waits for it, used for
// wait_on_native_compilation's synchronous path (§4.B).
func (p *Pool) SubmitSync(classHash felt.Felt, sierra []byte) Compiled {
	casm, err := p.compile(classHash, sierra)
	return Compiled{ClassHash: classHash, Casm: casm, Native: err == nil, Err: err}
}

// Stop drains in-flight work and stops accepting new jobs.
func (p *Pool) Stop() {
	p.wp.StopWait()
	close(p.results)
}
