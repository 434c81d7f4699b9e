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

package classmanager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/starkware-libs/sequencer-sub008/internal/classmanager/store"
	"github.com/starkware-libs/sequencer-sub008/internal/felt"
)

type memMarker struct {
	mu sync.Mutex
	m  map[felt.Felt]felt.Felt
}

func newMemMarker() *memMarker { return &memMarker{m: make(map[felt.Felt]felt.Felt)} }

func (m *memMarker) Get(classHash felt.Felt) (felt.Felt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[classHash]
	return v, ok, nil
}

func (m *memMarker) Set(classHash felt.Felt, compiledHashV2 felt.Felt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[classHash] = compiledHashV2
	return nil
}

func fakeCompile(classHash felt.Felt, sierra []byte) ([]byte, error) {
	return append([]byte("casm:"), sierra...), nil
}

// TestAddClass_WaitOnNativeCompilationIsImmediatelyReadable is P4: right
// after add_class returns, get_sierra and get_executable return Some(..).
func TestAddClass_WaitOnNativeCompilationIsImmediatelyReadable(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir, newMemMarker())
	require.NoError(t, err)

	m, err := New(st, fakeCompile, 2, 16, 128, Policy{RunNative: true, WaitOnNativeCompilation: true})
	require.NoError(t, err)
	defer m.Stop()

	classHash := felt.FromUint64(11)
	require.NoError(t, m.AddClass(classHash, felt.FromUint64(1), []byte("sierra")))

	sierra, err := m.GetSierra(classHash)
	require.NoError(t, err)
	require.Equal(t, []byte("sierra"), sierra)

	casm, err := m.GetExecutable(classHash)
	require.NoError(t, err)
	require.Equal(t, []byte("casm:sierra"), casm)
}

func TestAddClass_RedeclarationIsNoOp(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir, newMemMarker())
	require.NoError(t, err)
	m, err := New(st, fakeCompile, 1, 4, 16, Policy{RunNative: true, WaitOnNativeCompilation: true})
	require.NoError(t, err)
	defer m.Stop()

	classHash := felt.FromUint64(22)
	require.NoError(t, m.AddClass(classHash, felt.FromUint64(1), []byte("first")))
	require.NoError(t, m.AddClass(classHash, felt.FromUint64(2), []byte("second")))

	sierra, err := m.GetSierra(classHash)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), sierra)
}

// TestAddClass_AsyncPoolEventuallyCaches exercises the non-waiting path:
// the class is durable immediately but the cache fills in asynchronously.
func TestAddClass_AsyncPoolEventuallyCaches(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir, newMemMarker())
	require.NoError(t, err)
	m, err := New(st, fakeCompile, 2, 16, 128, Policy{RunNative: true, WaitOnNativeCompilation: false})
	require.NoError(t, err)
	defer m.Stop()

	classHash := felt.FromUint64(33)
	require.NoError(t, m.AddClass(classHash, felt.FromUint64(1), []byte("sierra")))

	require.Eventually(t, func() bool {
		casm, err := m.GetExecutable(classHash)
		return err == nil && len(casm) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestAddDeprecatedClass_SkipsCompilation(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir, newMemMarker())
	require.NoError(t, err)
	m, err := New(st, fakeCompile, 1, 4, 16, Policy{RunNative: true, WaitOnNativeCompilation: true})
	require.NoError(t, err)
	defer m.Stop()

	classHash := felt.FromUint64(44)
	require.NoError(t, m.AddDeprecatedClass(classHash, []byte("cairo0-casm")))

	casm, err := m.GetDeprecatedExecutable(classHash)
	require.NoError(t, err)
	require.Equal(t, []byte("cairo0-casm"), casm)
}
