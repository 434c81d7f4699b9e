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

package store

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starkware-libs/sequencer-sub008/internal/errutil"
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

// TestWriteThenRead_S6MarkerAndFilesPresent covers the "present, present"
// row of S6: writing through WriteClass makes ReadClass return Some(..).
func TestWriteThenRead_S6MarkerAndFilesPresent(t *testing.T) {
	dir := t.TempDir()
	marker := newMemMarker()
	s, err := New(dir, marker)
	require.NoError(t, err)

	classHash := felt.FromUint64(0xabcd)
	require.NoError(t, s.WriteClass(classHash, felt.FromUint64(1), []byte("sierra-bytes"), []byte("casm-bytes")))

	files, err := s.ReadClass(classHash)
	require.NoError(t, err)
	require.NotNil(t, files)
	require.Equal(t, []byte("sierra-bytes"), files.Sierra)
	require.Equal(t, []byte("casm-bytes"), files.Casm)
}

// TestReadClass_S6MarkerAbsentFilesAbsent covers the "absent, absent" row.
func TestReadClass_S6MarkerAbsentFilesAbsent(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, newMemMarker())
	require.NoError(t, err)

	files, err := s.ReadClass(felt.FromUint64(1))
	require.NoError(t, err)
	require.Nil(t, files)
}

// TestReadClass_S6MarkerAbsentFilesPresent covers the "absent, present"
// row: a partial write from a previous run is treated as non-existent.
func TestReadClass_S6MarkerAbsentFilesPresent(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, newMemMarker())
	require.NoError(t, err)

	classHash := felt.FromUint64(7)
	final := s.classDir(classHash)
	require.NoError(t, os.MkdirAll(final, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(final, "sierra"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(final, "casm"), []byte("y"), 0o644))

	files, err := s.ReadClass(classHash)
	require.NoError(t, err)
	require.Nil(t, files)
}

// TestReadClass_S6MarkerPresentFilesAbsent covers the "present, absent"
// row: a corrupted store surfaces as a Fatal error, not a miss.
func TestReadClass_S6MarkerPresentFilesAbsent(t *testing.T) {
	dir := t.TempDir()
	marker := newMemMarker()
	s, err := New(dir, marker)
	require.NoError(t, err)

	classHash := felt.FromUint64(9)
	require.NoError(t, marker.Set(classHash, felt.FromUint64(1)))

	_, err = s.ReadClass(classHash)
	require.Error(t, err)
	kind, ok := errutil.KindOf(err)
	require.True(t, ok)
	require.Equal(t, errutil.Fatal, kind)
}

func TestWriteClass_RedeclarationIsNoOp(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, newMemMarker())
	require.NoError(t, err)

	classHash := felt.FromUint64(3)
	require.NoError(t, s.WriteClass(classHash, felt.FromUint64(1), []byte("a"), []byte("b")))
	require.NoError(t, s.WriteClass(classHash, felt.FromUint64(2), []byte("different"), []byte("also-different")))

	files, err := s.ReadClass(classHash)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), files.Sierra)
}
