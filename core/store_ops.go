package core

import (
	"encoding/json"
	"time"
)

// getUtxo returns the unspent output for (txid, idx) if known, live or
// spent.
func (s *Store) getUtxo(txid Hash, idx uint16) (*Unspent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.utxo[unspentKey(txid, idx)]
	return u, ok
}

// getBalanceOf sums the value of every live UTXO addressed to address.
// filterOrdinals is reserved for callers that want to exclude ordinal-bearing
// outputs; this store does not track ordinals so the flag is a no-op here.
func (s *Store) getBalanceOf(address string, _ bool) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total uint64
	for _, u := range s.utxo {
		if u.SpentAtBlock != nil {
			continue
		}
		if u.ScriptPubKey.Address == address {
			total += u.Value
		}
	}
	return total
}

// getStorage returns the committed value at (contract, slot), if any.
func (s *Store) getStorage(contract Address, slot [32]byte) (*[32]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.storage[contract]
	if !ok {
		return nil, false
	}
	v, ok := m[slot]
	if !ok {
		return nil, false
	}
	return &v, true
}

// getContractRecord returns the deployed contract metadata (including
// bytecode) at addr, if any.
func (s *Store) getContractRecord(addr Address) (*ContractRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[addr]
	return c, ok
}

// preloadStorage performs a single batched read for an execution's declared
// access list, returning proven pointers: value or explicit absence.
func (s *Store) preloadStorage(list AccessList) map[Address]map[[32]byte]*[32]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Address]map[[32]byte]*[32]byte, len(list))
	for contract, slots := range list {
		m := make(map[[32]byte]*[32]byte, len(slots))
		committed := s.storage[contract]
		for _, slot := range slots {
			if v, ok := committed[slot]; ok {
				vv := v
				m[slot] = &vv
			} else {
				m[slot] = nil
			}
		}
		out[contract] = m
	}
	return out
}

// commitBlock atomically applies a block's writes, computes the checksum
// root, and persists the block to the WAL (and snapshot/prune on schedule).
// Any I/O failure here is fatal to the block; the scheduler is responsible
// for the rollback/poison-height path.
func (s *Store) commitBlock(header BlockHeader, writes BlockWrites, txs []*Transaction) (Hash, error) {
	s.mu.Lock()

	if len(s.blocks) > 0 {
		tip := s.blocks[len(s.blocks)-1]
		if header.Height != tip.Height+1 {
			s.mu.Unlock()
			return Hash{}, WrapError(ErrInvariant, "NonSequentialCommit", "commitBlock height is not tip+1", nil)
		}
	}

	// Capture PrevValue for each storage write before overwriting, so
	// revertUntil can restore it exactly.
	for i := range writes.StorageSet {
		sw := &writes.StorageSet[i]
		if m, ok := s.storage[sw.Contract]; ok {
			if prev, ok := m[sw.Slot]; ok {
				p := prev
				sw.PrevValue = &p
			}
		}
	}

	root := ChecksumRoot(writes)
	header.ChecksumRoot = root

	s.mu.Unlock()

	rec := &blockRecord{Header: header, Txs: txs, Writes: writes}
	if _, err := s.applyBlockRecord(rec, true); err != nil {
		return Hash{}, err
	}
	return root, nil
}

// applyBlockRecord mutates in-memory state for a single block and, if
// persist is true, appends the record to the WAL and runs the
// snapshot/prune maintenance sweep.
func (s *Store) applyBlockRecord(rec *blockRecord, persist bool) (Hash, error) {
	s.mu.Lock()

	for _, u := range rec.Writes.UTXOCreate {
		s.utxo[unspentKey(u.TxID, u.OutputIndex)] = u
	}
	for _, sp := range rec.Writes.UTXOSpend {
		key := unspentKey(sp.TxID, sp.Index)
		u, ok := s.utxo[key]
		if !ok {
			// Upsert: a spend of a UTXO this store has not independently
			// observed as created still records the spend height.
			u = &Unspent{TxID: sp.TxID, OutputIndex: sp.Index}
			s.utxo[key] = u
		}
		h := rec.Header.Height
		u.SpentAtBlock = &h
	}
	for i := range rec.Writes.StorageSet {
		sw := rec.Writes.StorageSet[i]
		m, ok := s.storage[sw.Contract]
		if !ok {
			m = make(map[[32]byte][32]byte)
			s.storage[sw.Contract] = m
		}
		m[sw.Slot] = sw.Value
	}
	for _, c := range rec.Writes.ContractDeploy {
		s.contracts[c.VirtualAddress] = c
	}

	hdr := rec.Header
	s.blocks = append(s.blocks, &hdr)
	s.blockIndex[hdr.Hash] = &hdr
	s.blockTxs[hdr.Height] = rec.Txs

	s.mu.Unlock()

	if persist {
		s.mu.Lock()
		s.blockWrites[hdr.Height] = rec.Writes
		s.mu.Unlock()

		data, err := json.Marshal(rec)
		if err != nil {
			return Hash{}, WrapError(ErrCorruption, "WALEncodeFailed", "marshal block record", err)
		}
		if _, err := s.walFile.f.Write(append(data, '\n')); err != nil {
			return Hash{}, WrapError(ErrCorruption, "WALWriteFailed", "append WAL", err)
		}
		if err := s.walFile.f.Sync(); err != nil {
			return Hash{}, WrapError(ErrCorruption, "WALSyncFailed", "sync WAL", err)
		}

		if s.snapshotInterval > 0 && int(hdr.Height)%s.snapshotInterval == 0 {
			if err := s.snapshot(); err != nil {
				return Hash{}, WrapError(ErrCorruption, "SnapshotFailed", "write snapshot", err)
			}
		}
		if err := s.prune(); err != nil {
			return Hash{}, WrapError(ErrCorruption, "PruneFailed", "prune store", err)
		}
	}

	return hdr.ChecksumRoot, nil
}

// revertUntil removes every block >= height, deletes UTXOs created at or
// after height, re-livens UTXOs spent at or after height by clearing
// SpentAtBlock, restores every storage slot a reverted block touched to its
// captured PrevValue, and removes every contract deployed at or after
// height. Idempotent: calling it again with nothing left to revert is a
// no-op. Callers are the reorg watchdog's rollback (via the scheduler),
// scheduler crash recovery and failure handling, and ForceRevertUntil.
func (s *Store) revertUntil(height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cut := len(s.blocks)
	for cut > 0 && s.blocks[cut-1].Height >= height {
		cut--
	}
	reverted := s.blocks[cut:]
	s.blocks = s.blocks[:cut]

	// Unwind storage and contract writes newest-first: a block's PrevValue
	// restores the slot to whatever the next-older reverted block (or the
	// last surviving block) left it as.
	for i := len(reverted) - 1; i >= 0; i-- {
		b := reverted[i]
		writes, ok := s.blockWrites[b.Height]
		if !ok {
			continue
		}
		for _, sw := range writes.StorageSet {
			m, ok := s.storage[sw.Contract]
			if sw.PrevValue == nil {
				if ok {
					delete(m, sw.Slot)
				}
				continue
			}
			if !ok {
				m = make(map[[32]byte][32]byte)
				s.storage[sw.Contract] = m
			}
			m[sw.Slot] = *sw.PrevValue
		}
		for _, c := range writes.ContractDeploy {
			delete(s.contracts, c.VirtualAddress)
		}
	}

	for _, b := range reverted {
		delete(s.blockIndex, b.Hash)
		delete(s.blockTxs, b.Height)
		delete(s.blockWrites, b.Height)
	}

	for key, u := range s.utxo {
		if u.CreatedAtBlock >= height {
			delete(s.utxo, key)
			continue
		}
		if u.SpentAtBlock != nil && *u.SpentAtBlock >= height {
			u.SpentAtBlock = nil
		}
	}

	return nil
}

// purgeSpentOlderThan sweeps UTXOs spent more than the store's configured
// purge window before currentHeight. It is invoked periodically by
// PurgeSweep, the background-goroutine wrapper cmd/opnetd starts.
func (s *Store) purgeSpentOlderThan(currentHeight uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.purgeWindow == 0 || currentHeight < s.purgeWindow {
		return 0
	}
	threshold := currentHeight - s.purgeWindow
	purged := 0
	for key, u := range s.utxo {
		if u.SpentAtBlock != nil && *u.SpentAtBlock < threshold {
			delete(s.utxo, key)
			purged++
		}
	}
	return purged
}

// PurgeSweep runs purgeSpentOlderThan on the given interval until stop is
// closed, matching the teacher's background-maintenance idiom (prune()).
func (s *Store) PurgeSweep(interval time.Duration, currentHeight func() uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.purgeSpentOlderThan(currentHeight())
		}
	}
}

// LatestHeight returns the current tip height, or 0 if the store is empty.
func (s *Store) LatestHeight() uint64 {
	hdr, ok := s.getLatestBlock()
	if !ok {
		return 0
	}
	return hdr.Height
}

// ForceRevertUntil is the operator-initiated counterpart to revertUntil,
// exposed for manual recovery tooling (cmd/opnetd store revert). It calls
// revertUntil directly with no chain-divergence check — it trusts the
// operator to know what they are doing.
func (s *Store) ForceRevertUntil(height uint64) error {
	return s.revertUntil(height)
}

// getLatestBlock returns the current tip header, if any.
func (s *Store) getLatestBlock() (*BlockHeader, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blocks) == 0 {
		return nil, false
	}
	return s.blocks[len(s.blocks)-1], true
}

// getBlockHeader returns the header at height h.
func (s *Store) getBlockHeader(h uint64) (*BlockHeader, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.blocks {
		if b.Height == h {
			return b, true
		}
	}
	return nil, false
}

// getBlockTransactions returns the full transaction list committed at
// height h, if includeTxs is true; otherwise it returns nil quickly.
func (s *Store) getBlockTransactions(h uint64, includeTxs bool) []*Transaction {
	if !includeTxs {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blockTxs[h]
}
