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

package patricia

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"

	"github.com/starkware-libs/sequencer-sub008/internal/errutil"
	"github.com/starkware-libs/sequencer-sub008/internal/felt"
	"github.com/starkware-libs/sequencer-sub008/internal/types"
)

// PebbleStore is the durable Store of a real deployment: trie nodes are
// content-addressed by (trie id, hash), so they are written directly
// against pebble rather than through the storage façade's per-height
// batches (a node once written is immutable and never tied to a single
// height the way headers/bodies/diffs are).
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens (or creates) a node database at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errutil.Wrap(errutil.Fatal, err, "patricia: opening node store")
	}
	return &PebbleStore{db: db}, nil
}

func nodeKey(id TrieID, hash felt.Felt) []byte {
	h := hash.Bytes()
	key := make([]byte, 0, len(id)+1+32)
	key = append(key, []byte(id)...)
	key = append(key, ':')
	key = append(key, h[:]...)
	return key
}

func (s *PebbleStore) GetNode(id TrieID, hash felt.Felt) (*Node, error) {
	val, closer, err := s.db.Get(nodeKey(id, hash))
	if err == pebble.ErrNotFound {
		return nil, errutil.Wrap(errutil.MissingPreimage, err, "patricia: node not found")
	}
	if err != nil {
		return nil, errutil.Wrap(errutil.TransientIO, err, "patricia: reading node")
	}
	defer closer.Close()
	return decodeNode(val)
}

func (s *PebbleStore) PutNodes(id TrieID, nodes map[felt.Felt]*Node) error {
	batch := s.db.NewBatch()
	for hash, n := range nodes {
		if err := batch.Set(nodeKey(id, hash), encodeNode(n), nil); err != nil {
			return errutil.Wrap(errutil.TransientIO, err, "patricia: staging node")
		}
	}
	if err := s.db.Apply(batch, pebble.Sync); err != nil {
		return errutil.Wrap(errutil.TransientIO, err, "patricia: writing nodes")
	}
	return nil
}

const contractLeafKeyPrefix = "idx:"

func contractLeafKey(addr types.Address) []byte {
	a := addr.Bytes()
	key := make([]byte, 0, len(contractLeafKeyPrefix)+32)
	key = append(key, contractLeafKeyPrefix...)
	key = append(key, a[:]...)
	return key
}

// GetContractLeaf and PutContractLeaf implement ContractIndex: the durable
// plaintext record behind the forest's in-memory contract-leaf cache. The
// contracts trie only ever holds PoseidonHashN(nonce, storage_root,
// class_hash), so these are the sole place the triple itself can be read
// back from once it falls out of the bounded LRU.
func (s *PebbleStore) GetContractLeaf(addr types.Address) (contractLeaf, bool, error) {
	val, closer, err := s.db.Get(contractLeafKey(addr))
	if err == pebble.ErrNotFound {
		return contractLeaf{}, false, nil
	}
	if err != nil {
		return contractLeaf{}, false, errutil.Wrap(errutil.TransientIO, err, "patricia: reading contract index")
	}
	defer closer.Close()
	if len(val) != 8+32+32 {
		return contractLeaf{}, false, errutil.New(errutil.Fatal, "patricia: corrupt contract index entry")
	}
	leaf := contractLeaf{
		Nonce:       binary.BigEndian.Uint64(val[:8]),
		StorageRoot: felt.FromBytesBE(val[8:40]),
		ClassHash:   felt.FromBytesBE(val[40:72]),
	}
	return leaf, true, nil
}

func (s *PebbleStore) PutContractLeaf(addr types.Address, leaf contractLeaf) error {
	storageRoot := leaf.StorageRoot.Bytes()
	classHash := leaf.ClassHash.Bytes()
	val := make([]byte, 0, 8+32+32)
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], leaf.Nonce)
	val = append(val, nonceBuf[:]...)
	val = append(val, storageRoot[:]...)
	val = append(val, classHash[:]...)
	if err := s.db.Set(contractLeafKey(addr), val, pebble.Sync); err != nil {
		return errutil.Wrap(errutil.TransientIO, err, "patricia: writing contract index")
	}
	return nil
}

// Close releases the node store's file handles.
func (s *PebbleStore) Close() error { return s.db.Close() }
