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

// Package mempool implements §4.C: per-account nonce chains, an eligible
// priority queue ordered by (tip desc, max_l2_gas_price desc, tx_hash asc),
// a gas-price gate, and commit/rewind semantics.
package mempool

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/starkware-libs/sequencer-sub008/internal/errutil"
	"github.com/starkware-libs/sequencer-sub008/internal/types"
)

// ReplacementPolicy is the supplemented fee-escalation rule: replacing a
// pending transaction at the same (sender, nonce) requires the new tip to
// beat the old one by at least MinTipBumpPercent (grounded on
// original_source's mempool replacement-fee check, dropped by the
// distilled spec but present in the real implementation).
type ReplacementPolicy struct {
	MinTipBumpPercent uint64
}

func (p ReplacementPolicy) allows(oldTip, newTip uint64) bool {
	min := oldTip + (oldTip*p.MinTipBumpPercent)/100
	return newTip > oldTip && newTip >= min
}

type account struct {
	nonce types.Nonce

	pending map[types.Nonce]*types.Transaction

	inFlightOrder []types.Nonce
	inFlight      map[types.Nonce]*types.Transaction
}

func newAccount(nonce types.Nonce) *account {
	return &account{
		nonce:    nonce,
		pending:  make(map[types.Nonce]*types.Transaction),
		inFlight: make(map[types.Nonce]*types.Transaction),
	}
}

// eligibleCandidates returns the contiguous prefix of pending nonces
// starting at account_nonce that are currently servable (i.e. not already
// in flight); a gap — pending nor in-flight — stops the scan (§4.C: "only
// the contiguous prefix is eligible").
func (a *account) eligibleCandidates() []types.Nonce {
	var out []types.Nonce
	n := a.nonce
	for {
		if _, ok := a.pending[n]; ok {
			out = append(out, n)
			n++
			continue
		}
		if _, ok := a.inFlight[n]; ok {
			n++
			continue
		}
		break
	}
	return out
}

// hasAnyTx reports whether the account has a pending or in-flight
// transaction anywhere in its chain.
func (a *account) hasAnyTx() bool {
	return len(a.pending) > 0 || len(a.inFlight) > 0
}

// Mempool is the mempool of §4.C.
type Mempool struct {
	capacity     int
	maxNonceGap  types.Nonce
	gasThreshold uint64
	replacement  ReplacementPolicy

	accounts map[types.Address]*account

	// recentAddrs retains an address after commit to prevent re-accepting
	// already-known transactions of the same sender (§4.C
	// account_tx_in_pool_or_recent_block).
	recentAddrs mapset.Set[types.Address]

	size int
}

// New constructs an empty Mempool.
func New(capacity int, maxNonceGap types.Nonce, initialGasThreshold uint64, replacement ReplacementPolicy) *Mempool {
	return &Mempool{
		capacity:     capacity,
		maxNonceGap:  maxNonceGap,
		gasThreshold: initialGasThreshold,
		replacement:  replacement,
		accounts:     make(map[types.Address]*account),
		recentAddrs:  mapset.NewSet[types.Address](),
	}
}

// AddTx admits tx into the pool (§4.C add_tx). accountNonce is the caller's
// view of the last committed nonce for this sender, used to seed a
// never-before-seen account.
func (m *Mempool) AddTx(tx types.Transaction, accountNonce types.Nonce) error {
	acc, ok := m.accounts[tx.SenderAddress]
	if !ok {
		acc = newAccount(accountNonce)
		m.accounts[tx.SenderAddress] = acc
	}

	if tx.TxNonce < acc.nonce {
		return errutil.New(errutil.InvalidInput, "mempool: nonce too old")
	}

	if _, ok := acc.inFlight[tx.TxNonce]; ok {
		return errutil.New(errutil.InvalidInput, "mempool: duplicate nonce")
	}

	if existing, ok := acc.pending[tx.TxNonce]; ok {
		if existing.Hash.Eq(tx.Hash) {
			return errutil.New(errutil.InvalidInput, "mempool: duplicate nonce")
		}
		if !m.replacement.allows(existing.Tip, tx.Tip) {
			return errutil.New(errutil.InvalidInput, "mempool: duplicate nonce")
		}
		acc.pending[tx.TxNonce] = &tx
		return nil
	}

	if tx.TxNonce-acc.nonce > m.maxNonceGap {
		return errutil.New(errutil.InvalidInput, "mempool: nonce gap too large")
	}

	acc.pending[tx.TxNonce] = &tx
	m.size++
	m.evictIfOverCapacity()
	return nil
}

// evictIfOverCapacity drops the lowest-priority pending, not-yet-eligible
// transaction when the pool exceeds capacity (supplemented from
// original_source's bounded mempool; the distilled spec's §4.C omits
// capacity management entirely).
func (m *Mempool) evictIfOverCapacity() {
	for m.size > m.capacity {
		var victimAddr types.Address
		var victimNonce types.Nonce
		found := false
		var worstTip uint64
		for addr, acc := range m.accounts {
			eligible := make(map[types.Nonce]bool)
			for _, n := range acc.eligibleCandidates() {
				eligible[n] = true
			}
			for nonce, tx := range acc.pending {
				if eligible[nonce] {
					continue // never evict the eligible head of a chain
				}
				if !found || tx.Tip < worstTip {
					victimAddr, victimNonce, worstTip, found = addr, nonce, tx.Tip, true
				}
			}
		}
		if !found {
			return
		}
		delete(m.accounts[victimAddr].pending, victimNonce)
		m.size--
	}
}

type candidate struct {
	addr types.Address
	tx   *types.Transaction
}

// GetTxs returns up to n eligible transactions gated by the current gas
// threshold, ordered (tip desc, max_l2_gas_price desc, tx_hash asc) with
// each sender's own transactions kept in nonce order, removing them from
// the eligible set into the in-flight set (§4.C get_txs). A sender's chain
// is cut at its first transaction below the gas threshold.
func (m *Mempool) GetTxs(n int) []types.Transaction {
	var candidates []candidate
	chains := make(map[types.Address][]*types.Transaction)
	for addr, acc := range m.accounts {
		for _, nonce := range acc.eligibleCandidates() {
			tx := acc.pending[nonce]
			if tx.MaxL2GasPrice < m.gasThreshold {
				break
			}
			candidates = append(candidates, candidate{addr: addr, tx: tx})
			chains[addr] = append(chains[addr], tx)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].tx, candidates[j].tx
		if a.Tip != b.Tip {
			return a.Tip > b.Tip
		}
		if a.MaxL2GasPrice != b.MaxL2GasPrice {
			return a.MaxL2GasPrice > b.MaxL2GasPrice
		}
		return a.Hash.Cmp(b.Hash) < 0
	})

	// Refill each sender's slots in that order with its own transactions in
	// nonce order, so truncating to n keeps a contiguous nonce prefix.
	for i, c := range candidates {
		candidates[i].tx = chains[c.addr][0]
		chains[c.addr] = chains[c.addr][1:]
	}

	if n < len(candidates) {
		candidates = candidates[:n]
	}

	out := make([]types.Transaction, 0, len(candidates))
	for _, c := range candidates {
		acc := m.accounts[c.addr]
		delete(acc.pending, c.tx.TxNonce)
		m.size--
		acc.inFlight[c.tx.TxNonce] = c.tx
		acc.inFlightOrder = append(acc.inFlightOrder, c.tx.TxNonce)
		m.recentAddrs.Add(c.addr)
		out = append(out, *c.tx)
	}
	return out
}

// CommitBlock advances nonces, drops everything below the new nonce
// (committed, or superseded by a duplicate submission through a different
// leader), and rewinds in-flight transactions that were not committed back
// into the eligible queue in their original order (§4.C commit_block).
func (m *Mempool) CommitBlock(nonces map[types.Address]types.Nonce, rejected []types.TxHash) {
	rejectedSet := make(map[types.TxHash]bool, len(rejected))
	for _, h := range rejected {
		rejectedSet[h] = true
	}

	// Every account with in-flight transactions is finalized this block,
	// not only those whose nonce actually advanced: a transaction get_txs
	// handed out but that did not make it into the committed block (e.g.
	// another sender's chain filled the batch first) must still be
	// rewound, even though its sender is absent from nonces.
	touched := make(map[types.Address]struct{}, len(nonces)+len(m.accounts))
	for addr := range nonces {
		touched[addr] = struct{}{}
	}
	for addr, acc := range m.accounts {
		if len(acc.inFlight) > 0 {
			touched[addr] = struct{}{}
		}
	}

	for addr := range touched {
		acc, ok := m.accounts[addr]
		if !ok {
			acc = newAccount(nonces[addr])
			m.accounts[addr] = acc
			continue
		}
		newNonce, committed := nonces[addr]
		if !committed {
			newNonce = acc.nonce
		}

		for nonce, tx := range acc.pending {
			if nonce < newNonce || rejectedSet[tx.Hash] {
				delete(acc.pending, nonce)
				m.size--
			}
		}

		var rewound []types.Nonce
		for _, nonce := range acc.inFlightOrder {
			tx, ok := acc.inFlight[nonce]
			if !ok {
				continue
			}
			if nonce < newNonce || rejectedSet[tx.Hash] {
				delete(acc.inFlight, nonce)
				continue
			}
			rewound = append(rewound, nonce)
		}
		for _, nonce := range rewound {
			acc.pending[nonce] = acc.inFlight[nonce]
			delete(acc.inFlight, nonce)
			m.size++
		}
		acc.inFlightOrder = nil

		acc.nonce = newNonce
		if !acc.hasAnyTx() {
			m.recentAddrs.Add(addr)
		}
	}
}

// UpdateGasPrice re-gates the eligible set by changing the threshold future
// GetTxs calls filter against (§4.C update_gas_price).
func (m *Mempool) UpdateGasPrice(newThreshold uint64) {
	m.gasThreshold = newThreshold
}

// AccountTxInPoolOrRecentBlock reports whether addr has a live transaction
// in the pool, or was touched by a recent commit_block (§4.C).
func (m *Mempool) AccountTxInPoolOrRecentBlock(addr types.Address) bool {
	if acc, ok := m.accounts[addr]; ok && acc.hasAnyTx() {
		return true
	}
	return m.recentAddrs.Contains(addr)
}
