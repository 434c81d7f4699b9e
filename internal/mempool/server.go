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

package mempool

import (
	"context"

	"github.com/starkware-libs/sequencer-sub008/internal/client"
	"github.com/starkware-libs/sequencer-sub008/internal/types"
)

// Server runs a Mempool behind a single inbox goroutine, which is what
// makes "two concurrent get_txs calls are serialized" (§5) true without an
// internal lock: the batcher only ever holds a Handle, never the Mempool
// itself, so there is no back-reference to break (§9).
type Server struct {
	mp     *Mempool
	getTxs <-chan *client.Request[GetTxsArgs, GetTxsResult]
	addTx  <-chan *client.Request[AddTxArgs, error]
	commit <-chan *client.Request[CommitArgs, struct{}]

	GetTxsHandle *client.Handle[GetTxsArgs, GetTxsResult]
	AddTxHandle  *client.Handle[AddTxArgs, error]
	CommitHandle *client.Handle[CommitArgs, struct{}]
}

type GetTxsArgs struct{ N int }
type GetTxsResult struct{ Txs []types.Transaction }

type AddTxArgs struct {
	Tx           types.Transaction
	AccountNonce types.Nonce
}

type CommitArgs struct {
	Nonces   map[types.Address]types.Nonce
	Rejected []types.TxHash
}

// NewServer wraps mp with request inboxes for every public operation the
// rest of the core needs.
func NewServer(mp *Mempool) *Server {
	getTxsHandle, getTxs := client.NewInbox[GetTxsArgs, GetTxsResult](64)
	addTxHandle, addTx := client.NewInbox[AddTxArgs, error](256)
	commitHandle, commit := client.NewInbox[CommitArgs, struct{}](16)
	return &Server{
		mp:           mp,
		getTxs:       getTxs,
		addTx:        addTx,
		commit:       commit,
		GetTxsHandle: getTxsHandle,
		AddTxHandle:  addTxHandle,
		CommitHandle: commitHandle,
	}
}

// Run serves all three inboxes until ctx is cancelled. It is the mempool's
// single point of mutation, so it must run on exactly one goroutine.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.getTxs:
			req.Reply(GetTxsResult{Txs: s.mp.GetTxs(req.Payload.N)})
		case req := <-s.addTx:
			req.Reply(s.mp.AddTx(req.Payload.Tx, req.Payload.AccountNonce))
		case req := <-s.commit:
			s.mp.CommitBlock(req.Payload.Nonces, req.Payload.Rejected)
			req.Reply(struct{}{})
		}
	}
}
