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
	"github.com/cockroachdb/pebble"

	"github.com/starkware-libs/sequencer-sub008/internal/errutil"
	"github.com/starkware-libs/sequencer-sub008/internal/felt"
)

// PebbleMarker is the persistent Marker of a real deployment, backed by its
// own small pebble instance rather than the main storage façade's (the
// marker is keyed by class_id alone and has no notion of block height, so
// it does not belong in the façade's per-height column families).
type PebbleMarker struct {
	db *pebble.DB
}

// NewPebbleMarker opens (or creates) a marker database at path.
func NewPebbleMarker(path string) (*PebbleMarker, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errutil.Wrap(errutil.Fatal, err, "classmanager/store: opening marker db")
	}
	return &PebbleMarker{db: db}, nil
}

func (m *PebbleMarker) Get(classHash felt.Felt) (felt.Felt, bool, error) {
	key := classHash.Bytes()
	v, closer, err := m.db.Get(key[:])
	if err == pebble.ErrNotFound {
		return felt.Zero, false, nil
	}
	if err != nil {
		return felt.Zero, false, errutil.Wrap(errutil.TransientIO, err, "classmanager/store: reading marker")
	}
	defer closer.Close()
	return felt.FromBytesBE(v), true, nil
}

func (m *PebbleMarker) Set(classHash felt.Felt, compiledHashV2 felt.Felt) error {
	key := classHash.Bytes()
	value := compiledHashV2.Bytes()
	if err := m.db.Set(key[:], value[:], pebble.Sync); err != nil {
		return errutil.Wrap(errutil.TransientIO, err, "classmanager/store: writing marker")
	}
	return nil
}

// Close releases the marker database's file handles.
func (m *PebbleMarker) Close() error { return m.db.Close() }
