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

// Package storage is the append-only per-height storage façade of §4.F,
// built on cockroachdb/pebble the way the teacher's modern storage layer
// does: one ordered KV engine, atomic multi-key batches, range iteration
// for the point-in-time reads. Pebble has no native column families, so
// the §4.F families (headers, bodies, state-diffs, classes, per-field
// version indices) are each a distinct single-byte key prefix within one
// keyspace, the same way cockroachdb itself partitions pebble's keyspace.
package storage

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/starkware-libs/sequencer-sub008/internal/errutil"
	"github.com/starkware-libs/sequencer-sub008/internal/felt"
	"github.com/starkware-libs/sequencer-sub008/internal/types"
)

const (
	prefixHeader    = 'h'
	prefixBody      = 'b'
	prefixSignature = 'g'
	prefixStateDiff = 'd'
	prefixClasses   = 'c'
	prefixNonce     = 'n'
	prefixClassAt   = 'k'
	prefixStorageAt = 's'

	markerHeader = "marker:header"
	markerState  = "marker:state"
	markerClass  = "marker:class"
)

// MarkerMismatch is returned (wrapped as errutil.InvalidInput) when a
// queue_* call's height does not follow the stored/pending marker (§4.F).
type MarkerMismatch struct {
	Expected types.Height
	Found    types.Height
}

func (e *MarkerMismatch) Error() string {
	return "storage: marker mismatch"
}

func heightBytes(h types.Height) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(h))
	return b[:]
}

func heightKey(prefix byte, h types.Height) []byte {
	return append([]byte{prefix}, heightBytes(h)...)
}

func addrPrefix(prefix byte, addr felt.Felt) []byte {
	b := addr.Bytes()
	return append([]byte{prefix}, b[:]...)
}

func addrKeyPrefix(prefix byte, addr, key felt.Felt) []byte {
	a := addr.Bytes()
	k := key.Bytes()
	out := append([]byte{prefix}, a[:]...)
	return append(out, k[:]...)
}

func versionedKey(prefix []byte, h types.Height) []byte {
	return append(append([]byte{}, prefix...), heightBytes(h)...)
}

// Facade is the storage façade of §4.F.
type Facade struct {
	db *pebble.DB

	mu            sync.Mutex
	headerMarker  types.Height
	stateMarker   types.Height
	classMarker   types.Height
	pendingHeight *types.Height
	batch         *pebble.Batch
}

// Open opens (creating if absent) a pebble-backed storage façade rooted at
// path, recovering its markers from the last committed flush.
func Open(path string) (*Facade, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errutil.Wrap(errutil.Fatal, err, "storage: open")
	}
	f := &Facade{db: db}
	if f.headerMarker, err = f.loadMarker(markerHeader); err != nil {
		return nil, err
	}
	if f.stateMarker, err = f.loadMarker(markerState); err != nil {
		return nil, err
	}
	if f.classMarker, err = f.loadMarker(markerClass); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Facade) loadMarker(key string) (types.Height, error) {
	val, closer, err := f.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errutil.Wrap(errutil.TransientIO, err, "storage: load marker")
	}
	defer closer.Close()
	return types.Height(binary.BigEndian.Uint64(val)), nil
}

// Close releases the underlying pebble database.
func (f *Facade) Close() error {
	return f.db.Close()
}

func (f *Facade) ensureHeight(h types.Height) error {
	if f.pendingHeight == nil {
		if h != f.headerMarker {
			return errutil.Wrap(errutil.InvalidInput, &MarkerMismatch{Expected: f.headerMarker, Found: h}, "storage: queue height mismatch")
		}
		height := h
		f.pendingHeight = &height
		f.batch = f.db.NewBatch()
		return nil
	}
	if *f.pendingHeight != h {
		return errutil.Wrap(errutil.InvalidInput, &MarkerMismatch{Expected: *f.pendingHeight, Found: h}, "storage: queue height mismatch")
	}
	return nil
}

// QueueHeader stages a block header for height h; invisible to readers
// until FlushBatch (§4.F).
func (f *Facade) QueueHeader(h types.Height, hdr types.BlockHeader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureHeight(h); err != nil {
		return err
	}
	if err := f.batch.Set(heightKey(prefixHeader, h), encodeHeader(hdr), nil); err != nil {
		return errutil.Wrap(errutil.TransientIO, err, "storage: queue_header")
	}
	return nil
}

// QueueBody stages a block's transaction list.
func (f *Facade) QueueBody(h types.Height, body types.BlockBody) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureHeight(h); err != nil {
		return err
	}
	if err := f.batch.Set(heightKey(prefixBody, h), encodeBody(body), nil); err != nil {
		return errutil.Wrap(errutil.TransientIO, err, "storage: queue_body")
	}
	return nil
}

// QueueSignature stages a block's consensus signature bytes.
func (f *Facade) QueueSignature(h types.Height, sig []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureHeight(h); err != nil {
		return err
	}
	if err := f.batch.Set(heightKey(prefixSignature, h), sig, nil); err != nil {
		return errutil.Wrap(errutil.TransientIO, err, "storage: queue_signature")
	}
	return nil
}

// QueueStateDiff stages a block's state diff, and its per-field version
// index entries (nonce/class-hash/storage-at-height), used to answer
// point-in-time reads without replaying every diff from genesis.
func (f *Facade) QueueStateDiff(h types.Height, diff *types.StateDiff) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureHeight(h); err != nil {
		return err
	}
	if err := f.batch.Set(heightKey(prefixStateDiff, h), encodeStateDiff(diff), nil); err != nil {
		return errutil.Wrap(errutil.TransientIO, err, "storage: queue_state_diff")
	}
	for addr, nonce := range diff.Nonces {
		key := versionedKey(addrPrefix(prefixNonce, addr), h)
		if err := f.batch.Set(key, heightBytes(types.Height(nonce)), nil); err != nil {
			return errutil.Wrap(errutil.TransientIO, err, "storage: queue_state_diff nonce index")
		}
	}
	for addr, classHash := range diff.DeployedContracts {
		key := versionedKey(addrPrefix(prefixClassAt, addr), h)
		b := classHash.Bytes()
		if err := f.batch.Set(key, b[:], nil); err != nil {
			return errutil.Wrap(errutil.TransientIO, err, "storage: queue_state_diff class index")
		}
	}
	for addr, kv := range diff.StorageDiffs {
		for k, v := range kv {
			key := versionedKey(addrKeyPrefix(prefixStorageAt, addr, k), h)
			b := v.Bytes()
			if err := f.batch.Set(key, b[:], nil); err != nil {
				return errutil.Wrap(errutil.TransientIO, err, "storage: queue_state_diff storage index")
			}
		}
	}
	return nil
}

// QueueClasses stages the declared/deprecated class hash lists for height
// h (the façade only tracks which classes a block declared; class
// contents live in the class-manager's file store, §4.B).
func (f *Facade) QueueClasses(h types.Height, declared, deprecated []types.ClassHash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureHeight(h); err != nil {
		return err
	}
	var buf bytes.Buffer
	writeUint64(&buf, uint64(len(declared)))
	for _, c := range declared {
		writeFelt(&buf, c)
	}
	writeUint64(&buf, uint64(len(deprecated)))
	for _, c := range deprecated {
		writeFelt(&buf, c)
	}
	if err := f.batch.Set(heightKey(prefixClasses, h), buf.Bytes(), nil); err != nil {
		return errutil.Wrap(errutil.TransientIO, err, "storage: queue_classes")
	}
	return nil
}

// FlushBatch commits every queued write for the in-progress height
// atomically and advances the markers; nothing queued is visible to a
// reader before this returns (§4.F).
func (f *Facade) FlushBatch() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batch == nil {
		return nil
	}
	next := f.pendingHeight.Next()
	if err := f.batch.Set([]byte(markerHeader), heightBytes(next), nil); err != nil {
		return errutil.Wrap(errutil.TransientIO, err, "storage: flush_batch")
	}
	if err := f.batch.Set([]byte(markerState), heightBytes(next), nil); err != nil {
		return errutil.Wrap(errutil.TransientIO, err, "storage: flush_batch")
	}
	if err := f.batch.Set([]byte(markerClass), heightBytes(next), nil); err != nil {
		return errutil.Wrap(errutil.TransientIO, err, "storage: flush_batch")
	}
	if err := f.db.Apply(f.batch, pebble.Sync); err != nil {
		return errutil.Wrap(errutil.TransientIO, err, "storage: flush_batch")
	}
	f.headerMarker, f.stateMarker, f.classMarker = next, next, next
	f.batch = nil
	f.pendingHeight = nil
	return nil
}

// GetBlockHeader returns the header at height h.
func (f *Facade) GetBlockHeader(h types.Height) (types.BlockHeader, error) {
	val, closer, err := f.db.Get(heightKey(prefixHeader, h))
	if err == pebble.ErrNotFound {
		return types.BlockHeader{}, errutil.New(errutil.MissingPreimage, "storage: no header at height")
	}
	if err != nil {
		return types.BlockHeader{}, errutil.Wrap(errutil.TransientIO, err, "storage: get_block_header")
	}
	defer closer.Close()
	return mustDecodeHeader(val)
}

// GetStateDiff returns the state diff committed at height h.
func (f *Facade) GetStateDiff(h types.Height) (*types.StateDiff, error) {
	val, closer, err := f.db.Get(heightKey(prefixStateDiff, h))
	if err == pebble.ErrNotFound {
		return nil, errutil.New(errutil.MissingPreimage, "storage: no state diff at height")
	}
	if err != nil {
		return nil, errutil.Wrap(errutil.TransientIO, err, "storage: get_state_diff")
	}
	defer closer.Close()
	diff, err := decodeStateDiff(val)
	if err != nil {
		return nil, errutil.Wrap(errutil.Fatal, err, "storage: corrupted state diff record")
	}
	return diff, nil
}

// latestBeforeHeight finds the most recent versioned entry under prefix
// whose height is strictly less than stateNumber, implementing the
// "view immediately after h" semantics (§4.F: state_number = h.next()).
func (f *Facade) latestBeforeHeight(prefix []byte, stateNumber types.Height) ([]byte, bool, error) {
	upper := versionedKey(prefix, stateNumber)
	iter, err := f.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, false, errutil.Wrap(errutil.TransientIO, err, "storage: iterator")
	}
	defer iter.Close()
	if !iter.SeekLT(upper) {
		return nil, false, nil
	}
	key := iter.Key()
	if !bytes.HasPrefix(key, prefix) {
		return nil, false, nil
	}
	val := append([]byte(nil), iter.Value()...)
	return val, true, nil
}

// GetNonceAt returns the nonce of addr as of state_number (§4.F), or 0 if
// the account has never appeared in a state diff before state_number.
func (f *Facade) GetNonceAt(stateNumber types.Height, addr types.Address) (types.Nonce, error) {
	val, ok, err := f.latestBeforeHeight(addrPrefix(prefixNonce, addr), stateNumber)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return uint64(binary.BigEndian.Uint64(val)), nil
}

// GetStorageAt returns the value at (addr, key) as of state_number, or the
// zero felt if never written before state_number.
func (f *Facade) GetStorageAt(stateNumber types.Height, addr types.Address, key types.StorageKey) (types.StorageValue, error) {
	val, ok, err := f.latestBeforeHeight(addrKeyPrefix(prefixStorageAt, addr, key), stateNumber)
	if err != nil {
		return felt.Zero, err
	}
	if !ok {
		return felt.Zero, nil
	}
	return felt.FromBytesBE(val), nil
}

// GetClassHashAt returns the class hash deployed at addr as of
// state_number, or the zero felt if addr has never been deployed.
func (f *Facade) GetClassHashAt(stateNumber types.Height, addr types.Address) (types.ClassHash, error) {
	val, ok, err := f.latestBeforeHeight(addrPrefix(prefixClassAt, addr), stateNumber)
	if err != nil {
		return felt.Zero, err
	}
	if !ok {
		return felt.Zero, nil
	}
	return felt.FromBytesBE(val), nil
}

// GetHeaderMarker, GetStateMarker and GetClassManagerBlockMarker report
// the next height each log expects to receive.
func (f *Facade) GetHeaderMarker() types.Height {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headerMarker
}

func (f *Facade) GetStateMarker() types.Height {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateMarker
}

func (f *Facade) GetClassManagerBlockMarker() types.Height {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.classMarker
}

// RevertBlock removes the header, body and state diff of h in a single
// transaction, provided h is the current tip (§4.F).
func (f *Facade) RevertBlock(h types.Height) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batch != nil {
		return errutil.New(errutil.InvalidInput, "storage: revert_block with an unflushed pending batch")
	}
	if f.headerMarker == 0 || h != f.headerMarker-1 {
		return errutil.New(errutil.InvalidInput, "storage: revert_block: h is not the current tip")
	}
	b := f.db.NewBatch()
	for _, key := range [][]byte{
		heightKey(prefixHeader, h),
		heightKey(prefixBody, h),
		heightKey(prefixStateDiff, h),
		heightKey(prefixClasses, h),
		heightKey(prefixSignature, h),
	} {
		if err := b.Delete(key, nil); err != nil {
			return errutil.Wrap(errutil.TransientIO, err, "storage: revert_block")
		}
	}
	if err := b.Set([]byte(markerHeader), heightBytes(h), nil); err != nil {
		return errutil.Wrap(errutil.TransientIO, err, "storage: revert_block")
	}
	if err := b.Set([]byte(markerState), heightBytes(h), nil); err != nil {
		return errutil.Wrap(errutil.TransientIO, err, "storage: revert_block")
	}
	if err := b.Set([]byte(markerClass), heightBytes(h), nil); err != nil {
		return errutil.Wrap(errutil.TransientIO, err, "storage: revert_block")
	}
	if err := f.db.Apply(b, pebble.Sync); err != nil {
		return errutil.Wrap(errutil.TransientIO, err, "storage: revert_block")
	}
	f.headerMarker, f.stateMarker, f.classMarker = h, h, h
	return nil
}
