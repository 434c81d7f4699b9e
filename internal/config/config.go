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

// Package config replaces the "global config registry" pattern (§9) with a
// single read-only CoreConfig threaded through every component constructor,
// plus a small typed broadcast channel for the handful of items that really
// do change at runtime (mempool gas threshold, accept_new_txs).
package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

// CoreConfig is decoded once from a TOML file and never mutated; every
// component receives a pointer to it (or a narrower view) at construction.
type CoreConfig struct {
	Mempool    MempoolConfig    `toml:"mempool"`
	Batcher    BatcherConfig    `toml:"batcher"`
	Consensus  ConsensusConfig  `toml:"consensus"`
	ClassStore ClassStoreConfig `toml:"class_store"`
	Storage    StorageConfig    `toml:"storage"`
}

type MempoolConfig struct {
	Capacity             int     `toml:"capacity"`
	InitialGasPriceWei    uint64  `toml:"initial_gas_price_wei"`
	MinTipBumpPercent     uint64  `toml:"min_tip_bump_percent"`
	MaxNonceGap           uint64  `toml:"max_nonce_gap"`
}

type BatcherConfig struct {
	DefaultDeadline time.Duration `toml:"default_deadline"`
	BatchSize       int           `toml:"batch_size"`
}

type ConsensusConfig struct {
	ProposalTimeout  time.Duration `toml:"proposal_timeout"`
	PrevoteTimeout   time.Duration `toml:"prevote_timeout"`
	PrecommitTimeout time.Duration `toml:"precommit_timeout"`
	SyncAheadHeights uint64        `toml:"sync_ahead_heights"`
}

type ClassStoreConfig struct {
	PersistentRoot           string `toml:"persistent_root"`
	CacheCapacity             int    `toml:"cache_capacity"`
	CompileWorkers            int    `toml:"compile_workers"`
	RunNative                 bool   `toml:"run_native"`
	WaitOnNativeCompilation   bool   `toml:"wait_on_native_compilation"`
	PanicOnCompilationFailure bool   `toml:"panic_on_compilation_failure"`
}

type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

// Default returns reasonable defaults for a single-node dev setup.
func Default() *CoreConfig {
	return &CoreConfig{
		Mempool: MempoolConfig{
			Capacity:           10_000,
			InitialGasPriceWei: 0,
			MinTipBumpPercent:  10,
			MaxNonceGap:        64,
		},
		Batcher: BatcherConfig{
			DefaultDeadline: 2 * time.Second,
			BatchSize:       200,
		},
		Consensus: ConsensusConfig{
			ProposalTimeout:  1 * time.Second,
			PrevoteTimeout:   1 * time.Second,
			PrecommitTimeout: 1 * time.Second,
			SyncAheadHeights: 10,
		},
		ClassStore: ClassStoreConfig{
			PersistentRoot: "./data/classes",
			CacheCapacity:  1024,
			CompileWorkers: 4,
		},
		Storage: StorageConfig{
			DataDir: "./data/storage",
		},
	}
}

// Load decodes a CoreConfig from a TOML file at path, overlaying it on
// Default() so an incomplete file is still usable.
func Load(path string) (*CoreConfig, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Broadcast is a hot-reloadable single value, fanned out to every reader
// that calls Subscribe, for items such as the mempool gas-price threshold
// or an accept_new_txs flag (§9) that do not belong on the read-only
// CoreConfig. cmd/sequencer creates none, and neither the mempool nor the
// batcher takes one: the mempool's threshold changes only through
// Mempool.UpdateGasPrice.
type Broadcast[T any] struct {
	mu      chan struct{} // 1-slot mutex
	value   T
	subs    []chan T
	subLock chan struct{}
}

// NewBroadcast creates a Broadcast seeded with an initial value.
func NewBroadcast[T any](initial T) *Broadcast[T] {
	b := &Broadcast[T]{
		mu:      make(chan struct{}, 1),
		subLock: make(chan struct{}, 1),
		value:   initial,
	}
	b.mu <- struct{}{}
	b.subLock <- struct{}{}
	return b
}

// Get returns the current value.
func (b *Broadcast[T]) Get() T {
	<-b.mu
	v := b.value
	b.mu <- struct{}{}
	return v
}

// Set updates the value and notifies every subscriber with a non-blocking
// send (a slow subscriber misses intermediate updates but always catches up
// to the latest Get()).
func (b *Broadcast[T]) Set(v T) {
	<-b.mu
	b.value = v
	b.mu <- struct{}{}

	<-b.subLock
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			// Replace the stale unread value with the latest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
	b.subLock <- struct{}{}
}

// Subscribe returns a channel that receives the values of subsequent Set
// calls; a reader that falls behind sees only the latest one (see Set).
func (b *Broadcast[T]) Subscribe() <-chan T {
	ch := make(chan T, 1)
	<-b.subLock
	b.subs = append(b.subs, ch)
	b.subLock <- struct{}{}
	return ch
}
