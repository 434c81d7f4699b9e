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

// Package classmanager implements §4.B: accept declared Sierra classes,
// compile to Casm on a bounded pool, and expose immutable read APIs keyed
// by class_id. Deprecated (Cairo-0) classes skip compilation entirely.
package classmanager

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/starkware-libs/sequencer-sub008/internal/classmanager/compiler"
	"github.com/starkware-libs/sequencer-sub008/internal/classmanager/store"
	"github.com/starkware-libs/sequencer-sub008/internal/errutil"
	"github.com/starkware-libs/sequencer-sub008/internal/felt"
	"github.com/starkware-libs/sequencer-sub008/internal/slog"
)

// Policy bundles the configurable compile behavior of §4.B.
type Policy struct {
	RunNative                 bool
	WaitOnNativeCompilation    bool
	PanicOnCompilationFailure  bool
	NativeWhitelist            map[felt.Felt]bool // nil means "compile everything natively"
}

func (p Policy) shouldCompileNatively(classHash felt.Felt) bool {
	if !p.RunNative {
		return false
	}
	if p.NativeWhitelist == nil {
		return true
	}
	return p.NativeWhitelist[classHash]
}

type cacheEntry struct {
	casm      []byte
	native    bool
	failed    bool // negative cache entry: compilation failed, do not retry
	deprecated bool
}

// Manager is the class manager of §4.B.
type Manager struct {
	store  *store.FileStore
	pool   *compiler.Pool
	policy Policy
	log    slog.Logger

	mu    sync.RWMutex
	cache *lru.Cache // felt.Felt -> *cacheEntry
}

// New wires a Manager over a FileStore and a compile Pool (already started;
// Manager owns draining its Results() channel).
func New(st *store.FileStore, compile compiler.Func, workers, resultCapacity, cacheCapacity int, policy Policy) (*Manager, error) {
	cache, err := lru.New(cacheCapacity)
	if err != nil {
		return nil, errutil.Wrap(errutil.Fatal, err, "classmanager: allocating cache")
	}
	m := &Manager{
		store:  st,
		pool:   compiler.New(workers, resultCapacity, compile),
		policy: policy,
		log:    slog.New("component", "classmanager"),
		cache:  cache,
	}
	go m.drainResults()
	return m, nil
}

func (m *Manager) drainResults() {
	for res := range m.pool.Results() {
		m.mu.Lock()
		if res.Err != nil {
			m.cache.Add(res.ClassHash, &cacheEntry{failed: true})
			m.log.Warn("class compilation failed", "class_hash", res.ClassHash.Hex(), "err", res.Err)
			if m.policy.PanicOnCompilationFailure {
				m.mu.Unlock()
				panic("classmanager: compilation failure with panic_on_compilation_failure set")
			}
		} else {
			m.cache.Add(res.ClassHash, &cacheEntry{casm: res.Casm, native: res.Native})
		}
		m.mu.Unlock()
	}
}

// AddClass declares a Sierra class (§4.B add_class). It writes the class
// atomically through the store and, per policy, either compiles
// synchronously (wait_on_native_compilation) or dispatches to the pool.
// A second declaration of an already-known class_id is a no-op.
func (m *Manager) AddClass(classHash, compiledHashV2 felt.Felt, sierra []byte) error {
	m.mu.RLock()
	_, known := m.cache.Get(classHash)
	m.mu.RUnlock()
	if known {
		return nil
	}

	if m.policy.shouldCompileNatively(classHash) && m.policy.WaitOnNativeCompilation {
		res := m.pool.SubmitSync(classHash, sierra)
		if res.Err != nil {
			m.mu.Lock()
			m.cache.Add(classHash, &cacheEntry{failed: true})
			m.mu.Unlock()
			if m.policy.PanicOnCompilationFailure {
				panic("classmanager: compilation failure with panic_on_compilation_failure set")
			}
			return errutil.Wrap(errutil.InvalidInput, res.Err, "classmanager: sierra to casm compilation failed")
		}
		if err := m.store.WriteClass(classHash, compiledHashV2, sierra, res.Casm); err != nil {
			return err
		}
		m.mu.Lock()
		m.cache.Add(classHash, &cacheEntry{casm: res.Casm, native: res.Native})
		m.mu.Unlock()
		return nil
	}

	if m.policy.shouldCompileNatively(classHash) {
		m.pool.Submit(classHash, sierra)
	}
	// Even on the async path the files must already be durable before the
	// manager returns (§4.B's three-step commit is synchronous); only
	// *native* compilation is deferred to the pool.
	return m.store.WriteClass(classHash, compiledHashV2, sierra, nil)
}

// AddDeprecatedClass declares a Cairo-0 class: no Sierra, no compile step.
func (m *Manager) AddDeprecatedClass(classHash felt.Felt, casm []byte) error {
	if err := m.store.WriteClass(classHash, felt.Zero, nil, casm); err != nil {
		return err
	}
	m.mu.Lock()
	m.cache.Add(classHash, &cacheEntry{casm: casm, deprecated: true})
	m.mu.Unlock()
	return nil
}

// AddClassAndExecutableUnsafe bypasses compilation entirely; used only by
// the sync path importing already-compiled classes from a peer (§4.B).
func (m *Manager) AddClassAndExecutableUnsafe(classHash, compiledHashV2 felt.Felt, sierra, casm []byte) error {
	if err := m.store.WriteClass(classHash, compiledHashV2, sierra, casm); err != nil {
		return err
	}
	m.mu.Lock()
	m.cache.Add(classHash, &cacheEntry{casm: casm, native: false})
	m.mu.Unlock()
	return nil
}

// GetSierra returns the declared Sierra bytes for a class, if present.
func (m *Manager) GetSierra(classHash felt.Felt) ([]byte, error) {
	files, err := m.store.ReadClass(classHash)
	if err != nil {
		return nil, err
	}
	if files == nil {
		return nil, nil
	}
	return files.Sierra, nil
}

// GetExecutable returns the compiled Casm bytes for a Cairo-1 class.
func (m *Manager) GetExecutable(classHash felt.Felt) ([]byte, error) {
	m.mu.RLock()
	if v, ok := m.cache.Get(classHash); ok {
		entry := v.(*cacheEntry)
		m.mu.RUnlock()
		if entry.failed {
			return nil, nil
		}
		return entry.casm, nil
	}
	m.mu.RUnlock()

	files, err := m.store.ReadClass(classHash)
	if err != nil {
		return nil, err
	}
	if files == nil {
		return nil, nil
	}
	m.mu.Lock()
	m.cache.Add(classHash, &cacheEntry{casm: files.Casm})
	m.mu.Unlock()
	return files.Casm, nil
}

// GetDeprecatedExecutable returns a Cairo-0 class's executable bytes.
func (m *Manager) GetDeprecatedExecutable(classHash felt.Felt) ([]byte, error) {
	return m.GetExecutable(classHash)
}

// GetExecutableClassHashV2 is a marker-store passthrough, returning the
// compiled_class_hash_v2 recorded at declaration time.
func (m *Manager) GetExecutableClassHashV2(classHash felt.Felt, marker store.Marker) (felt.Felt, bool, error) {
	return marker.Get(classHash)
}

// Stop shuts the compile pool down, draining in-flight jobs.
func (m *Manager) Stop() { m.pool.Stop() }
