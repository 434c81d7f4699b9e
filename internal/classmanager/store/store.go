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

// Package store is the atomic filesystem-backed class store of §4.B:
// sierra/casm files live under persistent_root/aa/bb/<class_id_hex>/, and a
// separate marker key-value store is authoritative for existence (§6,
// "Class filesystem").
package store

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/starkware-libs/sequencer-sub008/internal/errutil"
	"github.com/starkware-libs/sequencer-sub008/internal/felt"
)

// Marker is the separate, authoritative existence record: class_id ->
// compiled_class_hash_v2. cmd/sequencer backs this with PebbleMarker, a
// pebble database of its own, separate from the storage façade; FileStore
// here takes any implementation.
type Marker interface {
	Get(classHash felt.Felt) (felt.Felt, bool, error)
	Set(classHash felt.Felt, compiledHashV2 felt.Felt) error
}

// FileStore implements the three-step atomic commit: write into a sibling
// temp dir, rename into place, then mark. Concurrent writers to the same
// class_id are serialized by a directory-scoped flock on the aa/bb parent,
// mirroring how the teacher's own accounts keystore guards against
// concurrent same-key writes with a file lock rather than an in-process
// mutex (safe across process restarts too).
type FileStore struct {
	root   string
	marker Marker
}

// New creates a FileStore rooted at persistent_root, creating it if absent.
func New(root string, marker Marker) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errutil.Wrap(errutil.Fatal, err, "classmanager/store: creating persistent root")
	}
	return &FileStore{root: root, marker: marker}, nil
}

func (s *FileStore) classDir(classHash felt.Felt) string {
	hex := classHash.Hex()
	// classHash.Hex() is "0x"-prefixed; the first two hex bytes after that
	// prefix give the aa/bb fan-out (§6).
	h := hex
	if len(h) > 2 && h[:2] == "0x" {
		h = h[2:]
	}
	for len(h) < 4 {
		h = "0" + h
	}
	aa, bb := h[0:2], h[2:4]
	return filepath.Join(s.root, aa, bb, hex)
}

func (s *FileStore) parentDir(classHash felt.Felt) string {
	return filepath.Dir(s.classDir(classHash))
}

// WriteClass performs the three-step commit: sierra+casm into a temp
// sibling, rename into place, then mark. A second write of the same
// class_id with the store already marked is a no-op (§4.B: "a second
// declaration of the same class_id is a no-op").
func (s *FileStore) WriteClass(classHash felt.Felt, compiledHashV2 felt.Felt, sierra, casm []byte) error {
	if _, ok, err := s.marker.Get(classHash); err != nil {
		return err
	} else if ok {
		return nil
	}

	parent := s.parentDir(classHash)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return errutil.Wrap(errutil.Fatal, err, "classmanager/store: creating fan-out directory")
	}

	lock := flock.New(filepath.Join(parent, ".lock"))
	if err := lock.Lock(); err != nil {
		return errutil.Wrap(errutil.TransientIO, err, "classmanager/store: acquiring directory lock")
	}
	defer lock.Unlock()

	if _, ok, err := s.marker.Get(classHash); err != nil {
		return err
	} else if ok {
		return nil
	}

	final := s.classDir(classHash)
	tmp := final + ".tmp"
	_ = os.RemoveAll(tmp)
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return errutil.Wrap(errutil.Fatal, err, "classmanager/store: creating temp dir")
	}
	if err := os.WriteFile(filepath.Join(tmp, "sierra"), sierra, 0o644); err != nil {
		return errutil.Wrap(errutil.Fatal, err, "classmanager/store: writing sierra")
	}
	if err := os.WriteFile(filepath.Join(tmp, "casm"), casm, 0o644); err != nil {
		return errutil.Wrap(errutil.Fatal, err, "classmanager/store: writing casm")
	}

	_ = os.RemoveAll(final)
	if err := os.Rename(tmp, final); err != nil {
		return errutil.Wrap(errutil.Fatal, err, "classmanager/store: rename into place")
	}

	if err := s.marker.Set(classHash, compiledHashV2); err != nil {
		return errutil.Wrap(errutil.Fatal, err, "classmanager/store: writing marker")
	}
	return nil
}

// ClassFiles is (sierra, casm), returned together since both are always
// read and written as a unit.
type ClassFiles struct {
	Sierra []byte
	Casm   []byte
}

// ReadClass implements the read-ordering table of §4.B: the marker decides
// whether the class exists at all; missing files with a present marker is
// treated as store corruption (errutil.Fatal), not a benign miss.
func (s *FileStore) ReadClass(classHash felt.Felt) (*ClassFiles, error) {
	_, marked, err := s.marker.Get(classHash)
	if err != nil {
		return nil, err
	}
	if !marked {
		return nil, nil
	}

	dir := s.classDir(classHash)
	sierra, err := os.ReadFile(filepath.Join(dir, "sierra"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errutil.New(errutil.Fatal, "classmanager/store: marker present but sierra file missing (corrupted store)")
		}
		return nil, errutil.Wrap(errutil.Fatal, err, "classmanager/store: reading sierra")
	}
	casm, err := os.ReadFile(filepath.Join(dir, "casm"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errutil.New(errutil.Fatal, "classmanager/store: marker present but casm file missing (corrupted store)")
		}
		return nil, errutil.Wrap(errutil.Fatal, err, "classmanager/store: reading casm")
	}
	return &ClassFiles{Sierra: sierra, Casm: casm}, nil
}
