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

// Package slog is a small leveled, structured logger in the teacher's idiom:
// New(ctx...) returns a Logger bound to a set of key/value pairs, and each
// level method takes a message plus more key/value pairs rather than a
// printf format string.
package slog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level mirrors go-ethereum's log package ordering (Crit is most severe).
type Level int

const (
	LvlCrit Level = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Level) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	case LvlTrace:
		return "TRACE"
	default:
		return "?"
	}
}

// Logger is the interface every component takes at construction time,
// capability-record style (§9): a small set of function pointers, no global
// registry.
type Logger interface {
	New(ctx ...interface{}) Logger
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
}

type logger struct {
	ctx []interface{}
	out *sink
}

type sink struct {
	mu     sync.Mutex
	w      io.Writer
	level  Level
	color  bool
	caller bool
}

var root = &logger{out: &sink{w: colorable.NewColorableStdout(), level: LvlInfo, color: isatty.IsTerminal(os.Stdout.Fd()), caller: true}}

// Root returns the root logger; New(...) on it binds additional context.
func Root() Logger { return root }

// SetLevel adjusts the minimum level emitted by the root logger's sink.
func SetLevel(lvl Level) { root.out.mu.Lock(); root.out.level = lvl; root.out.mu.Unlock() }

func (l *logger) New(ctx ...interface{}) Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &logger{ctx: merged, out: l.out}
}

func (l *logger) write(lvl Level, msg string, ctx []interface{}) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	if lvl > l.out.level {
		return
	}
	var caller string
	if l.out.caller {
		call := stack.Caller(2)
		caller = fmt.Sprintf(" %+v", call)
	}
	fmt.Fprintf(l.out.w, "%s [%s]%s %s", time.Now().Format("2006-01-02T15:04:05.000"), lvl, caller, msg)
	all := make([]interface{}, 0, len(l.ctx)+len(ctx))
	all = append(all, l.ctx...)
	all = append(all, ctx...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(l.out.w, " %v=%v", all[i], all[i+1])
	}
	fmt.Fprintln(l.out.w)
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...interface{})  { l.write(LvlCrit, msg, ctx) }

// New binds ctx key/value pairs onto the root logger, the package-level
// convenience every component calls at construction time.
func New(ctx ...interface{}) Logger { return root.New(ctx...) }
