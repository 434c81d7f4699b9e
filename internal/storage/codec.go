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

package storage

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/starkware-libs/sequencer-sub008/internal/errutil"
	"github.com/starkware-libs/sequencer-sub008/internal/felt"
	"github.com/starkware-libs/sequencer-sub008/internal/types"
)

// No pack dependency implements a Starknet-aware struct codec (the
// go.mod's domain deps cover KV storage, compiling, tries, not wire
// encoding of these specific record shapes), so the column families below
// are encoded with a small hand-rolled binary codec on top of
// encoding/binary, justified as the stdlib exception for this concern.

func writeFelt(w *bytes.Buffer, f felt.Felt) {
	b := f.Bytes()
	w.Write(b[:])
}

func readFelt(r *bytes.Reader) (felt.Felt, error) {
	var b [32]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return felt.Felt{}, err
	}
	return felt.FromBytesBE(b[:]), nil
}

func writeUint64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeString(w *bytes.Buffer, s string) {
	writeUint64(w, uint64(len(s)))
	w.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUint64(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func encodeHeader(h types.BlockHeader) []byte {
	var buf bytes.Buffer
	writeUint64(&buf, uint64(h.Height))
	writeFelt(&buf, h.BlockHash)
	writeFelt(&buf, h.ParentHash)
	writeUint64(&buf, uint64(h.Timestamp))
	writeFelt(&buf, h.Proposer)
	return buf.Bytes()
}

func decodeHeader(data []byte) (types.BlockHeader, error) {
	r := bytes.NewReader(data)
	height, err := readUint64(r)
	if err != nil {
		return types.BlockHeader{}, err
	}
	blockHash, err := readFelt(r)
	if err != nil {
		return types.BlockHeader{}, err
	}
	parentHash, err := readFelt(r)
	if err != nil {
		return types.BlockHeader{}, err
	}
	timestamp, err := readUint64(r)
	if err != nil {
		return types.BlockHeader{}, err
	}
	proposer, err := readFelt(r)
	if err != nil {
		return types.BlockHeader{}, err
	}
	return types.BlockHeader{
		Height:     types.Height(height),
		BlockHash:  blockHash,
		ParentHash: parentHash,
		Timestamp:  int64(timestamp),
		Proposer:   proposer,
	}, nil
}

func encodeTx(w *bytes.Buffer, tx types.Transaction) {
	writeFelt(w, tx.Hash)
	writeUint64(w, uint64(tx.Variant))
	writeFelt(w, tx.SenderAddress)
	writeUint64(w, tx.TxNonce)
	writeUint64(w, uint64(len(tx.Signature)))
	for _, s := range tx.Signature {
		writeFelt(w, s)
	}
	w.WriteByte(tx.Version)
	writeUint64(w, tx.Tip)
	writeUint64(w, tx.MaxL2GasPrice)
	writeUint64(w, uint64(len(tx.ResourceBounds)))
	for k, v := range tx.ResourceBounds {
		writeString(w, k)
		writeUint64(w, v.MaxAmount)
		writeUint64(w, v.MaxPricePerUnit)
	}
	writeFelt(w, tx.ClassHash)
	writeFelt(w, tx.CompiledClassHash)
}

func decodeTx(r *bytes.Reader) (types.Transaction, error) {
	var tx types.Transaction
	var err error
	if tx.Hash, err = readFelt(r); err != nil {
		return tx, err
	}
	variant, err := readUint64(r)
	if err != nil {
		return tx, err
	}
	tx.Variant = types.TxVariant(variant)
	if tx.SenderAddress, err = readFelt(r); err != nil {
		return tx, err
	}
	if tx.TxNonce, err = readUint64(r); err != nil {
		return tx, err
	}
	sigLen, err := readUint64(r)
	if err != nil {
		return tx, err
	}
	tx.Signature = make([]felt.Felt, sigLen)
	for i := range tx.Signature {
		if tx.Signature[i], err = readFelt(r); err != nil {
			return tx, err
		}
	}
	version, err := r.ReadByte()
	if err != nil {
		return tx, err
	}
	tx.Version = version
	if tx.Tip, err = readUint64(r); err != nil {
		return tx, err
	}
	if tx.MaxL2GasPrice, err = readUint64(r); err != nil {
		return tx, err
	}
	rbLen, err := readUint64(r)
	if err != nil {
		return tx, err
	}
	if rbLen > 0 {
		tx.ResourceBounds = make(map[string]types.ResourceBounds, rbLen)
		for i := uint64(0); i < rbLen; i++ {
			key, err := readString(r)
			if err != nil {
				return tx, err
			}
			maxAmount, err := readUint64(r)
			if err != nil {
				return tx, err
			}
			maxPrice, err := readUint64(r)
			if err != nil {
				return tx, err
			}
			tx.ResourceBounds[key] = types.ResourceBounds{MaxAmount: maxAmount, MaxPricePerUnit: maxPrice}
		}
	}
	if tx.ClassHash, err = readFelt(r); err != nil {
		return tx, err
	}
	if tx.CompiledClassHash, err = readFelt(r); err != nil {
		return tx, err
	}
	return tx, nil
}

func encodeBody(b types.BlockBody) []byte {
	var buf bytes.Buffer
	writeUint64(&buf, uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		encodeTx(&buf, tx)
	}
	return buf.Bytes()
}

func decodeBody(data []byte) (types.BlockBody, error) {
	r := bytes.NewReader(data)
	n, err := readUint64(r)
	if err != nil {
		return types.BlockBody{}, err
	}
	body := types.BlockBody{Transactions: make([]types.Transaction, n)}
	for i := range body.Transactions {
		tx, err := decodeTx(r)
		if err != nil {
			return types.BlockBody{}, err
		}
		body.Transactions[i] = tx
	}
	return body, nil
}

func encodeStateDiff(d *types.StateDiff) []byte {
	var buf bytes.Buffer
	writeUint64(&buf, uint64(len(d.DeployedContracts)))
	for addr, ch := range d.DeployedContracts {
		writeFelt(&buf, addr)
		writeFelt(&buf, ch)
	}
	writeUint64(&buf, uint64(len(d.StorageDiffs)))
	for addr, kv := range d.StorageDiffs {
		writeFelt(&buf, addr)
		writeUint64(&buf, uint64(len(kv)))
		for k, v := range kv {
			writeFelt(&buf, k)
			writeFelt(&buf, v)
		}
	}
	writeUint64(&buf, uint64(len(d.DeclaredClasses)))
	for ch, cch := range d.DeclaredClasses {
		writeFelt(&buf, ch)
		writeFelt(&buf, cch)
	}
	writeUint64(&buf, uint64(len(d.DeprecatedDeclaredClasses)))
	for _, ch := range d.DeprecatedDeclaredClasses {
		writeFelt(&buf, ch)
	}
	writeUint64(&buf, uint64(len(d.Nonces)))
	for addr, n := range d.Nonces {
		writeFelt(&buf, addr)
		writeUint64(&buf, n)
	}
	return buf.Bytes()
}

func decodeStateDiff(data []byte) (*types.StateDiff, error) {
	r := bytes.NewReader(data)
	d := types.NewStateDiff()

	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		addr, err := readFelt(r)
		if err != nil {
			return nil, err
		}
		ch, err := readFelt(r)
		if err != nil {
			return nil, err
		}
		d.DeployedContracts[addr] = ch
	}

	nAddrs, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < nAddrs; i++ {
		addr, err := readFelt(r)
		if err != nil {
			return nil, err
		}
		nKeys, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		kv := make(map[felt.Felt]felt.Felt, nKeys)
		for j := uint64(0); j < nKeys; j++ {
			k, err := readFelt(r)
			if err != nil {
				return nil, err
			}
			v, err := readFelt(r)
			if err != nil {
				return nil, err
			}
			kv[k] = v
		}
		d.StorageDiffs[addr] = kv
	}

	nDeclared, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < nDeclared; i++ {
		ch, err := readFelt(r)
		if err != nil {
			return nil, err
		}
		cch, err := readFelt(r)
		if err != nil {
			return nil, err
		}
		d.DeclaredClasses[ch] = cch
	}

	nDeprecated, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	d.DeprecatedDeclaredClasses = make([]felt.Felt, nDeprecated)
	for i := range d.DeprecatedDeclaredClasses {
		ch, err := readFelt(r)
		if err != nil {
			return nil, err
		}
		d.DeprecatedDeclaredClasses[i] = ch
	}

	nNonces, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < nNonces; i++ {
		addr, err := readFelt(r)
		if err != nil {
			return nil, err
		}
		nonce, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		d.Nonces[addr] = nonce
	}

	return d, nil
}

func mustDecodeHeader(data []byte) (types.BlockHeader, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return h, errutil.Wrap(errutil.Fatal, err, "storage: corrupted header record")
	}
	return h, nil
}
