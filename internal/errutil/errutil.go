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

// Package errutil implements the five error kinds of the core's error
// handling design: TransientIO, InvalidInput, ProtocolViolation,
// MissingPreimage and Fatal. Every component boundary converts its internal
// error into one of these, preserving the original as a chained cause.
package errutil

import (
	"github.com/cockroachdb/errors"
)

// Kind tags an error with one of the five propagation classes.
type Kind int

const (
	TransientIO Kind = iota
	InvalidInput
	ProtocolViolation
	MissingPreimage
	Fatal
)

func (k Kind) String() string {
	switch k {
	case TransientIO:
		return "transient_io"
	case InvalidInput:
		return "invalid_input"
	case ProtocolViolation:
		return "protocol_violation"
	case MissingPreimage:
		return "missing_preimage"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type taggedError struct {
	kind Kind
	msg  string
	err  error
}

func (e *taggedError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *taggedError) Unwrap() error { return e.err }

// New creates a kind-tagged error with no chained cause.
func New(kind Kind, msg string) error {
	return &taggedError{kind: kind, msg: msg}
}

// Wrap tags cause with kind, preserving it as the chained source via
// cockroachdb/errors so errors.Is/errors.As keep working across the
// component boundary.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &taggedError{kind: kind, msg: msg, err: errors.Wrap(cause, msg)}
}

// KindOf extracts the Kind tagged onto err, if any was tagged by this
// package anywhere in its chain.
func KindOf(err error) (Kind, bool) {
	var te *taggedError
	if errors.As(err, &te) {
		return te.kind, true
	}
	return 0, false
}

// Is reports whether err (or anything in its chain) was tagged with kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
