package core

import (
	"os"
	"path/filepath"
	"testing"
)

func tmpStoreConfig(t *testing.T, genesis *Block) StoreConfig {
	dir := t.TempDir()
	return StoreConfig{
		WALPath:          filepath.Join(dir, "store.wal"),
		SnapshotPath:     filepath.Join(dir, "store.snap"),
		SnapshotInterval: 1000, // only height 0 (and multiples of 1000) snapshot during tests
		ArchivePath:      filepath.Join(dir, "store.archive.gz"),
		PruneInterval:    100_000,
		GenesisBlock:     genesis,
	}
}

func TestNewStoreInit(t *testing.T) {
	tests := []struct {
		name       string
		genesis    *Block
		wantBlocks int
	}{
		{"Empty", nil, 0},
		{"WithGenesis", &Block{Header: BlockHeader{Height: 0}}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tmpStoreConfig(t, tc.genesis)
			s, err := NewStore(cfg)
			if err != nil {
				t.Fatalf("init err: %v", err)
			}
			if len(s.blocks) != tc.wantBlocks {
				t.Fatalf("blocks=%d want %d", len(s.blocks), tc.wantBlocks)
			}
		})
	}
}

func TestCommitBlockHeightMismatch(t *testing.T) {
	genesis := &Block{Header: BlockHeader{Height: 0}}
	cfg := tmpStoreConfig(t, genesis)
	s, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("init err: %v", err)
	}
	if _, err := s.commitBlock(BlockHeader{Height: 2}, BlockWrites{}, nil); err == nil {
		t.Fatalf("expected height mismatch error")
	}
}

func TestCommitBlockAndStorageRoundTrip(t *testing.T) {
	cfg := tmpStoreConfig(t, nil)
	s, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("init err: %v", err)
	}

	contract := Address{0xAA}
	var slot, val [32]byte
	slot[0] = 1
	val[0] = 42

	writes := BlockWrites{StorageSet: []StorageWrite{{Contract: contract, Slot: slot, Value: val}}}
	if _, err := s.commitBlock(BlockHeader{Height: 0}, writes, nil); err != nil {
		t.Fatalf("commit err: %v", err)
	}

	got, ok := s.getStorage(contract, slot)
	if !ok || *got != val {
		t.Fatalf("storage round trip failed: got=%v ok=%v", got, ok)
	}
}

func TestRevertUntilRestoresSpentUTXO(t *testing.T) {
	cfg := tmpStoreConfig(t, nil)
	s, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("init err: %v", err)
	}

	txid := Hash{0x01}
	create := BlockWrites{UTXOCreate: []*Unspent{{TxID: txid, OutputIndex: 0, Value: 1000}}}
	if _, err := s.commitBlock(BlockHeader{Height: 0}, create, nil); err != nil {
		t.Fatalf("commit 0: %v", err)
	}

	spend := BlockWrites{UTXOSpend: []UTXOSpend{{TxID: txid, Index: 0}}}
	if _, err := s.commitBlock(BlockHeader{Height: 1}, spend, nil); err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	u, ok := s.getUtxo(txid, 0)
	if !ok || u.SpentAtBlock == nil {
		t.Fatalf("expected utxo spent at height 1")
	}

	if err := s.revertUntil(1); err != nil {
		t.Fatalf("revert: %v", err)
	}
	u, ok = s.getUtxo(txid, 0)
	if !ok || u.SpentAtBlock != nil {
		t.Fatalf("expected utxo re-livened after revert, got %+v ok=%v", u, ok)
	}
}

func TestRevertUntilRestoresStorageAndRemovesContracts(t *testing.T) {
	cfg := tmpStoreConfig(t, nil)
	s, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("init err: %v", err)
	}

	contract := Address{0xCC}
	var slot, v0, v1, v2 [32]byte
	v0[0] = 10
	v1[0] = 20
	v2[0] = 30

	if _, err := s.commitBlock(BlockHeader{Height: 0}, BlockWrites{
		StorageSet: []StorageWrite{{Contract: contract, Slot: slot, Value: v0}},
	}, nil); err != nil {
		t.Fatalf("commit 0: %v", err)
	}
	if _, err := s.commitBlock(BlockHeader{Height: 1}, BlockWrites{
		StorageSet: []StorageWrite{{Contract: contract, Slot: slot, Value: v1}},
	}, nil); err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	deployed := Address{0xDD}
	if _, err := s.commitBlock(BlockHeader{Height: 2}, BlockWrites{
		StorageSet:     []StorageWrite{{Contract: contract, Slot: slot, Value: v2}},
		ContractDeploy: []*ContractRecord{{VirtualAddress: deployed, InsertedBlockHeight: 2}},
	}, nil); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	if got, ok := s.getStorage(contract, slot); !ok || *got != v2 {
		t.Fatalf("expected v2 before revert, got=%v ok=%v", got, ok)
	}
	if _, ok := s.getContractRecord(deployed); !ok {
		t.Fatalf("expected deployed contract before revert")
	}

	// Revert blocks 1 and 2; only block 0's write should survive.
	if err := s.revertUntil(1); err != nil {
		t.Fatalf("revert: %v", err)
	}

	got, ok := s.getStorage(contract, slot)
	if !ok || *got != v0 {
		t.Fatalf("expected storage restored to v0 after revert, got=%v ok=%v", got, ok)
	}
	if _, ok := s.getContractRecord(deployed); ok {
		t.Fatalf("expected contract deployed at reverted height to be removed")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	cfg := tmpStoreConfig(t, nil)
	s, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("init err: %v", err)
	}

	contract := Address{0xBB}
	var slot, val [32]byte
	val[0] = 7
	if _, err := s.commitBlock(BlockHeader{Height: 0}, BlockWrites{StorageSet: []StorageWrite{{Contract: contract, Slot: slot, Value: val}}}, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	reopened, err := OpenStore(filepath.Dir(cfg.SnapshotPath), 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := reopened.getStorage(contract, slot)
	if !ok || *got != val {
		t.Fatalf("snapshot did not round trip storage: got=%v ok=%v", got, ok)
	}
}

func TestPruneArchivesBlocks(t *testing.T) {
	cfg := tmpStoreConfig(t, &Block{Header: BlockHeader{Height: 0}})
	cfg.PruneInterval = 2
	s, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	for i := uint64(1); i <= 3; i++ {
		if _, err := s.commitBlock(BlockHeader{Height: i}, BlockWrites{}, nil); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	if got := len(s.blocks); got != 2 {
		t.Fatalf("expected 2 blocks after prune, got %d", got)
	}

	info, err := os.Stat(cfg.ArchivePath)
	if err != nil {
		t.Fatalf("archive stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("archive file empty")
	}
}

func TestChecksumRootDeterministic(t *testing.T) {
	addrA := Address{0x01}
	addrB := Address{0x02}
	var slot [32]byte

	w1 := BlockWrites{StorageSet: []StorageWrite{
		{Contract: addrA, Slot: slot, Value: [32]byte{1}},
		{Contract: addrB, Slot: slot, Value: [32]byte{2}},
	}}
	w2 := BlockWrites{StorageSet: []StorageWrite{
		{Contract: addrB, Slot: slot, Value: [32]byte{2}},
		{Contract: addrA, Slot: slot, Value: [32]byte{1}},
	}}

	if ChecksumRoot(w1) != ChecksumRoot(w2) {
		t.Fatalf("checksum root must not depend on write order")
	}
}
