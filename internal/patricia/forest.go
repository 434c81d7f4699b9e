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
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"github.com/starkware-libs/sequencer-sub008/internal/errutil"
	"github.com/starkware-libs/sequencer-sub008/internal/felt"
	"github.com/starkware-libs/sequencer-sub008/internal/types"
)

// Store is the durable half of a Reader: it also accepts the new nodes a
// commit produces. PebbleStore implements this against its own pebble
// instance; forest.go never assumes a concrete backend.
type Store interface {
	Reader
	PutNodes(id TrieID, nodes map[felt.Felt]*Node) error
}

// ContractIndex is the durable backing of the forest's in-memory contract-
// leaf cache. A contracts-trie leaf is PoseidonHashN({nonce, storage_root,
// class_hash}), a one-way hash, so once an address's triple falls out of
// the bounded in-memory LRU the trie itself can never give it back — this
// is the sole plaintext record of it. PebbleStore implements this against
// its own pebble instance, keyed by address.
type ContractIndex interface {
	GetContractLeaf(addr types.Address) (contractLeaf, bool, error)
	PutContractLeaf(addr types.Address, leaf contractLeaf) error
}

const classesTrieID TrieID = "classes"
const contractsTrieID TrieID = "contracts"

func storageTrieID(addr types.Address) TrieID {
	return TrieID("storage:" + addr.Hex())
}

// Forest owns the three Patricia tries a Starknet state commitment is built
// from: one classes trie, one contracts trie, and one storage trie per
// contract (§4.A). It caches node reads behind a byte-oriented fastcache (hot
// inner nodes) and a recently-touched contract-leaf LRU (the supplemented
// ContractIndex — see SPEC_FULL.md), neither of which is a second source of
// truth: the node cache is rebuildable from Store and the contract-leaf LRU
// from ContractIndex at any time.
type Forest struct {
	store Store
	index ContractIndex

	nodeCache *fastcache.Cache

	mu            sync.Mutex
	contractIndex *lru.Cache // types.Address -> contractLeaf, read accelerator in front of index

	classesRoot   felt.Felt
	contractsRoot felt.Felt
	storageRoots  map[types.Address]felt.Felt
}

// contractLeaf is the {nonce, storage_root, class_hash} triple the contracts
// trie commits at each address, collapsed into one felt before it is handed
// to the generic committer.
type contractLeaf struct {
	Nonce       uint64
	StorageRoot felt.Felt
	ClassHash   felt.Felt
}

func (l contractLeaf) hash() felt.Felt {
	return felt.PoseidonHashN([]felt.Felt{felt.FromUint64(l.Nonce), l.StorageRoot, l.ClassHash})
}

// NewForest builds a Forest over an existing Store, resuming from the given
// roots (zero value for a fresh chain). index is the durable preimage store
// behind the in-memory contract-leaf cache (see ContractIndex); it must
// outlive the Forest.
func NewForest(store Store, index ContractIndex, classesRoot, contractsRoot felt.Felt, storageRoots map[types.Address]felt.Felt, nodeCacheBytes int) (*Forest, error) {
	idx, err := lru.New(4096)
	if err != nil {
		return nil, errutil.Wrap(errutil.Fatal, err, "patricia: allocating contract index cache")
	}
	roots := storageRoots
	if roots == nil {
		roots = make(map[types.Address]felt.Felt)
	}
	return &Forest{
		store:         store,
		index:         index,
		nodeCache:     fastcache.New(nodeCacheBytes),
		contractIndex: idx,
		classesRoot:   classesRoot,
		contractsRoot: contractsRoot,
		storageRoots:  roots,
	}, nil
}

// ClassesRoot, ContractsRoot and StorageRoot return the forest's current
// committed roots.
func (f *Forest) ClassesRoot() felt.Felt   { return f.classesRoot }
func (f *Forest) ContractsRoot() felt.Felt { return f.contractsRoot }
func (f *Forest) StorageRoot(addr types.Address) felt.Felt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storageRoots[addr]
}

// cachedReader wraps the Store with the fastcache byte-cache, so repeated
// reads of hot inner nodes (the top of the contracts trie, visited on every
// block) skip the backing store entirely.
type cachedReader struct {
	inner Store
	cache *fastcache.Cache
}

func (r *cachedReader) GetNode(id TrieID, hash felt.Felt) (*Node, error) {
	key := append([]byte(id), hash.Bytes()[:]...)
	if b, ok := r.cache.HasGet(nil, key); ok {
		return decodeNode(b)
	}
	n, err := r.inner.GetNode(id, hash)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, encodeNode(n))
	return n, nil
}

// encodeNode/decodeNode give the byte-cache a stable representation; they
// are a cache format, not a wire format, so they stay deliberately simple.
func encodeNode(n *Node) []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, byte(n.Kind))
	switch n.Kind {
	case KindBinary:
		l, r := n.Left.Bytes(), n.Right.Bytes()
		buf = append(buf, l[:]...)
		buf = append(buf, r[:]...)
	case KindEdge:
		buf = append(buf, byte(n.Length))
		b := n.Bottom.Bytes()
		buf = append(buf, b[:]...)
		buf = append(buf, n.Path...)
	}
	return buf
}

func decodeNode(b []byte) (*Node, error) {
	if len(b) == 0 {
		return nil, errutil.New(errutil.Fatal, "patricia: empty cache entry")
	}
	switch Kind(b[0]) {
	case KindBinary:
		if len(b) != 1+32+32 {
			return nil, errutil.New(errutil.Fatal, "patricia: corrupt binary cache entry")
		}
		return &Node{Kind: KindBinary, Left: felt.FromBytesBE(b[1:33]), Right: felt.FromBytesBE(b[33:65])}, nil
	case KindEdge:
		if len(b) < 1+1+32 {
			return nil, errutil.New(errutil.Fatal, "patricia: corrupt edge cache entry")
		}
		length := int(b[1])
		bottom := felt.FromBytesBE(b[2:34])
		path := append([]uint8{}, b[34:]...)
		return &Node{Kind: KindEdge, Length: length, Bottom: bottom, Path: path}, nil
	default:
		return nil, errutil.New(errutil.Fatal, "patricia: unrecognised cached node kind")
	}
}

// BlockCommit is the forest's output for one block: the new roots plus every
// new node across every touched trie, keyed by trie id for the caller to
// write through Store.PutNodes.
type BlockCommit struct {
	ClassesRoot   felt.Felt
	ContractsRoot felt.Felt
	StorageRoots  map[types.Address]felt.Felt
	Written       map[TrieID]map[felt.Felt]*Node
}

// CommitBlock applies a StateDiff to the forest (§4.A/§4.F "apply a
// StateDiff to the previous roots") and returns the new roots and all
// new nodes without writing those nodes to the Store — the caller decides
// when they become durable (cmd/sequencer writes them through
// Store.PutNodes). The updated contract triples are written to the
// ContractIndex here.
func (f *Forest) CommitBlock(diff *types.StateDiff) (BlockCommit, error) {
	f.mu.Lock()
	classesRoot := f.classesRoot
	contractsRoot := f.contractsRoot
	storageRoots := make(map[types.Address]felt.Felt, len(f.storageRoots))
	for a, r := range f.storageRoots {
		storageRoots[a] = r
	}
	f.mu.Unlock()

	reader := &cachedReader{inner: f.store, cache: f.nodeCache}
	written := make(map[TrieID]map[felt.Felt]*Node)
	var writtenMu sync.Mutex
	record := func(id TrieID, nodes map[felt.Felt]*Node) {
		writtenMu.Lock()
		defer writtenMu.Unlock()
		written[id] = nodes
	}

	var g errgroup.Group

	// Classes trie: declared class hash -> compiled class hash, verbatim.
	g.Go(func() error {
		if len(diff.DeclaredClasses) == 0 {
			return nil
		}
		writes := make([]LeafWrite, 0, len(diff.DeclaredClasses))
		for classHash, compiledHash := range diff.DeclaredClasses {
			writes = append(writes, LeafWrite{Index: classHash, Value: compiledHash})
		}
		res, err := CommitTrie(reader, classesTrieID, classesRoot, writes)
		if err != nil {
			return errutil.Wrap(errutil.Fatal, err, "patricia: committing classes trie")
		}
		classesRoot = res.NewRoot
		record(classesTrieID, res.Written)
		return nil
	})

	// Per-contract storage tries, one goroutine per touched contract: each
	// trie is independent, so this is the natural fan-out boundary.
	touchedAddrs := make(map[types.Address]struct{})
	for a := range diff.StorageDiffs {
		touchedAddrs[a] = struct{}{}
	}
	for a := range diff.DeployedContracts {
		touchedAddrs[a] = struct{}{}
	}
	for a := range diff.Nonces {
		touchedAddrs[a] = struct{}{}
	}

	var storageMu sync.Mutex
	newStorageRoots := make(map[types.Address]felt.Felt, len(touchedAddrs))
	for addr := range touchedAddrs {
		addr := addr
		g.Go(func() error {
			prevRoot := storageRoots[addr]
			kvs := diff.StorageDiffs[addr]
			writes := make([]LeafWrite, 0, len(kvs))
			for k, v := range kvs {
				writes = append(writes, LeafWrite{Index: k, Value: v})
			}
			newRoot := prevRoot
			if len(writes) > 0 {
				res, err := CommitTrie(reader, storageTrieID(addr), prevRoot, writes)
				if err != nil {
					return errutil.Wrap(errutil.Fatal, err, fmt.Sprintf("patricia: committing storage trie for %s", addr.Hex()))
				}
				newRoot = res.NewRoot
				record(storageTrieID(addr), res.Written)
			}
			storageMu.Lock()
			newStorageRoots[addr] = newRoot
			storageMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return BlockCommit{}, err
	}

	for a, r := range newStorageRoots {
		storageRoots[a] = r
	}

	// Contracts trie: depends on the just-computed storage roots, so it
	// commits after the fan-out above rather than inside it.
	contractWrites := make([]LeafWrite, 0, len(touchedAddrs))
	for addr := range touchedAddrs {
		leaf, err := f.currentContractLeaf(addr)
		if err != nil {
			return BlockCommit{}, err
		}
		if classHash, ok := diff.DeployedContracts[addr]; ok {
			leaf.ClassHash = classHash
		}
		if nonce, ok := diff.Nonces[addr]; ok {
			leaf.Nonce = nonce
		}
		leaf.StorageRoot = storageRoots[addr]
		contractWrites = append(contractWrites, LeafWrite{Index: addr, Value: leaf.hash()})
		if err := f.index.PutContractLeaf(addr, leaf); err != nil {
			return BlockCommit{}, errutil.Wrap(errutil.Fatal, err, fmt.Sprintf("patricia: persisting contract index for %s", addr.Hex()))
		}
		f.mu.Lock()
		f.contractIndex.Add(addr, leaf)
		f.mu.Unlock()
	}
	if len(contractWrites) > 0 {
		res, err := CommitTrie(reader, contractsTrieID, contractsRoot, contractWrites)
		if err != nil {
			return BlockCommit{}, errutil.Wrap(errutil.Fatal, err, "patricia: committing contracts trie")
		}
		contractsRoot = res.NewRoot
		record(contractsTrieID, res.Written)
	}

	f.mu.Lock()
	f.classesRoot = classesRoot
	f.contractsRoot = contractsRoot
	f.storageRoots = storageRoots
	f.mu.Unlock()

	return BlockCommit{
		ClassesRoot:   classesRoot,
		ContractsRoot: contractsRoot,
		StorageRoots:  storageRoots,
		Written:       written,
	}, nil
}

// currentContractLeaf resolves a contract's leaf before this block's writes.
// The in-memory LRU is a read accelerator only; on a miss this falls back to
// the durable ContractIndex rather than the trie itself, since the trie only
// ever holds the leaf's hash, never the {nonce, storage_root, class_hash}
// preimage. Only when the index also has no entry is the address genuinely
// new, in which case the zero leaf (to be filled in by the diff) is correct.
func (f *Forest) currentContractLeaf(addr types.Address) (contractLeaf, error) {
	f.mu.Lock()
	if v, ok := f.contractIndex.Get(addr); ok {
		f.mu.Unlock()
		return v.(contractLeaf), nil
	}
	f.mu.Unlock()

	leaf, ok, err := f.index.GetContractLeaf(addr)
	if err != nil {
		return contractLeaf{}, errutil.Wrap(errutil.Fatal, err, fmt.Sprintf("patricia: reading contract index for %s", addr.Hex()))
	}
	if !ok {
		return contractLeaf{}, nil
	}
	f.mu.Lock()
	f.contractIndex.Add(addr, leaf)
	f.mu.Unlock()
	return leaf, nil
}

// ReadClassCommitment looks up a declared class's compiled class hash.
func (f *Forest) ReadClassCommitment(classHash felt.Felt) (felt.Felt, bool, error) {
	reader := &cachedReader{inner: f.store, cache: f.nodeCache}
	return ReadLeaf(reader, classesTrieID, f.ClassesRoot(), classHash)
}

// ReadStorageAt looks up one storage slot under a contract's storage trie.
func (f *Forest) ReadStorageAt(addr types.Address, key felt.Felt) (felt.Felt, bool, error) {
	reader := &cachedReader{inner: f.store, cache: f.nodeCache}
	return ReadLeaf(reader, storageTrieID(addr), f.StorageRoot(addr), key)
}
