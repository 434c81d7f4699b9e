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

// Package client implements the cyclic-wiring breaker of §9: every
// component owns an inbox (a bounded channel of requests); cross-component
// references are handles wrapping that channel plus a request id, never a
// direct back-reference. The batcher holds a Handle into the mempool; the
// mempool holds no reference back, and the class manager has no inbox.
package client

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Request wraps a payload with a correlation id and a channel the server
// side replies on.
type Request[Req, Resp any] struct {
	ID      uuid.UUID
	Payload Req
	reply   chan Resp
}

// Reply delivers a response for this request. Called at most once by the
// server side.
func (r *Request[Req, Resp]) Reply(resp Resp) {
	select {
	case r.reply <- resp:
	default:
	}
}

// Handle is a bounded-channel client to a single-owner inbox.
type Handle[Req, Resp any] struct {
	inbox chan *Request[Req, Resp]
}

// NewInbox creates an inbox of the given capacity and a Handle bound to it;
// the owning component ranges over Inbox() to serve requests, callers only
// ever see the Handle.
func NewInbox[Req, Resp any](capacity int) (*Handle[Req, Resp], <-chan *Request[Req, Resp]) {
	ch := make(chan *Request[Req, Resp], capacity)
	return &Handle[Req, Resp]{inbox: ch}, ch
}

// Call sends req and blocks for a reply or ctx cancellation.
func (h *Handle[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	var zero Resp
	r := &Request[Req, Resp]{ID: uuid.New(), Payload: req, reply: make(chan Resp, 1)}
	select {
	case h.inbox <- r:
	case <-ctx.Done():
		return zero, fmt.Errorf("client: enqueue request %s: %w", r.ID, ctx.Err())
	}
	select {
	case resp := <-r.reply:
		return resp, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("client: await reply to request %s: %w", r.ID, ctx.Err())
	}
}
