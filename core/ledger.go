package core

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// walHandle wraps the append-only write-ahead-log file backing the store.
type walHandle struct{ f *os.File }

// blockRecord is the unit persisted per committed block: enough to replay
// the store on restart and to revert a reorganised tip.
type blockRecord struct {
	Header BlockHeader   `json:"header"`
	Txs    []*Transaction `json:"txs"`
	Writes BlockWrites   `json:"writes"`
}

// NewStore initialises a store, replaying an existing WAL and optionally
// loading a genesis block. The WAL file is closed if an error occurs during
// initialisation.
func NewStore(cfg StoreConfig) (s *Store, err error) {
	wal, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}
	defer func() {
		if err != nil {
			_ = wal.Close()
		}
	}()

	s = &Store{
		blockIndex:  make(map[Hash]*BlockHeader),
		blockTxs:    make(map[uint64][]*Transaction),
		blockWrites: make(map[uint64]BlockWrites),
		utxo:        make(map[string]*Unspent),
		storage:    make(map[Address]map[[32]byte][32]byte),
		contracts:  make(map[Address]*ContractRecord),
		pubkeys:    make(map[Address]*PublicKeyDirectory),
		mldsa:      make(map[Hash]*MLDSALink),
		epochs:     make(map[uint64]*Epoch),
		epochSubs:  make(map[uint64]map[string]*EpochSubmission),

		walFile:          &walHandle{f: wal},
		snapshotPath:     cfg.SnapshotPath,
		snapshotInterval: cfg.SnapshotInterval,
		archivePath:      cfg.ArchivePath,
		pruneInterval:    cfg.PruneInterval,
		purgeWindow:      cfg.PurgeWindow,
	}

	if cfg.GenesisBlock != nil {
		if _, err = s.applyBlockRecord(&blockRecord{Header: cfg.GenesisBlock.Header, Txs: cfg.GenesisBlock.Transactions}, false); err != nil {
			return nil, err
		}
		logrus.WithField("height", cfg.GenesisBlock.Header.Height).Info("store: loaded genesis block")
	}

	scanner := bufio.NewScanner(wal)
	scanner.Buffer(make([]byte, 1<<20), 1<<24)
	for scanner.Scan() {
		var rec blockRecord
		if err = json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("WAL unmarshal: %w", err)
		}
		if _, err = s.applyBlockRecord(&rec, false); err != nil {
			return nil, err
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("WAL scan: %w", err)
	}
	return s, nil
}

// OpenStore loads an existing store snapshot and replays its WAL. path is a
// directory containing store.snap and store.wal.
func OpenStore(path string, purgeWindow uint64) (*Store, error) {
	snap := filepath.Join(path, "store.snap")
	wal := filepath.Join(path, "store.wal")
	arch := filepath.Join(path, "store.archive.gz")

	cfg := StoreConfig{WALPath: wal, SnapshotPath: snap, ArchivePath: arch, SnapshotInterval: 1000, PruneInterval: 100_000, PurgeWindow: purgeWindow}

	if _, err := os.Stat(snap); err == nil {
		// Defer to NewStore for WAL replay; the snapshot is restored into
		// the freshly constructed store below.
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}

	s, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}

	if f, err := os.Open(snap); err == nil {
		defer f.Close()
		var snapshot storeSnapshot
		if err := json.NewDecoder(f).Decode(&snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		s.restoreSnapshot(&snapshot)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	return s, nil
}

// storeSnapshot is the JSON-serialisable subset of Store persisted by
// snapshot().
type storeSnapshot struct {
	Blocks    []*BlockHeader                      `json:"blocks"`
	BlockTxs  map[uint64][]*Transaction            `json:"blockTxs"`
	UTXO      map[string]*Unspent                  `json:"utxo"`
	Contracts map[Address]*ContractRecord          `json:"contracts"`
	PubKeys   map[Address]*PublicKeyDirectory      `json:"pubkeys"`
	Epochs    map[uint64]*Epoch                    `json:"epochs"`
	Reorgs    []ReorgRecord                         `json:"reorgs"`
	Storage   []StoragePointer                      `json:"storage"`
}

func (s *Store) snapshot() error {
	s.mu.RLock()
	var storage []StoragePointer
	for contract, slots := range s.storage {
		for slot, value := range slots {
			storage = append(storage, StoragePointer{Contract: contract, Slot: slot, Value: value})
		}
	}
	snap := storeSnapshot{
		Blocks:    s.blocks,
		BlockTxs:  s.blockTxs,
		UTXO:      s.utxo,
		Contracts: s.contracts,
		PubKeys:   s.pubkeys,
		Epochs:    s.epochs,
		Reorgs:    s.reorgs,
		Storage:   storage,
	}
	s.mu.RUnlock()

	f, err := os.Create(s.snapshotPath)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(&snap); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := s.walFile.f.Close(); err != nil {
		return err
	}
	wal, err := os.Create(s.walFile.f.Name())
	if err != nil {
		return err
	}
	s.walFile = &walHandle{f: wal}
	s.blockWrites = make(map[uint64]BlockWrites)
	logrus.WithField("path", s.snapshotPath).Info("store: snapshot saved, WAL truncated")
	return nil
}

func (s *Store) restoreSnapshot(snap *storeSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = snap.Blocks
	s.blockTxs = snap.BlockTxs
	if s.blockTxs == nil {
		s.blockTxs = make(map[uint64][]*Transaction)
	}
	s.utxo = snap.UTXO
	if s.utxo == nil {
		s.utxo = make(map[string]*Unspent)
	}
	s.contracts = snap.Contracts
	if s.contracts == nil {
		s.contracts = make(map[Address]*ContractRecord)
	}
	s.pubkeys = snap.PubKeys
	if s.pubkeys == nil {
		s.pubkeys = make(map[Address]*PublicKeyDirectory)
	}
	s.epochs = snap.Epochs
	if s.epochs == nil {
		s.epochs = make(map[uint64]*Epoch)
	}
	s.reorgs = snap.Reorgs
	s.storage = make(map[Address]map[[32]byte][32]byte)
	for _, p := range snap.Storage {
		if s.storage[p.Contract] == nil {
			s.storage[p.Contract] = make(map[[32]byte][32]byte)
		}
		s.storage[p.Contract][p.Slot] = p.Value
	}
	s.blockIndex = make(map[Hash]*BlockHeader, len(s.blocks))
	for _, b := range s.blocks {
		s.blockIndex[b.Hash] = b
	}
	s.blockWrites = make(map[uint64]BlockWrites)
}

// prune archives the oldest blocks beyond pruneInterval into a gzip file and
// rewrites the WAL so a restart never replays an archived block.
func (s *Store) prune() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pruneInterval <= 0 || len(s.blocks) <= s.pruneInterval {
		return nil
	}
	toArchive := len(s.blocks) - s.pruneInterval

	if s.archivePath != "" {
		f, err := os.OpenFile(s.archivePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		gz := gzip.NewWriter(f)
		for i := 0; i < toArchive; i++ {
			data, err := json.Marshal(s.blocks[i])
			if err != nil {
				gz.Close()
				f.Close()
				return err
			}
			if _, err := gz.Write(append(data, '\n')); err != nil {
				gz.Close()
				f.Close()
				return err
			}
			delete(s.blockIndex, s.blocks[i].Hash)
			delete(s.blockTxs, s.blocks[i].Height)
			delete(s.blockWrites, s.blocks[i].Height)
		}
		if err := gz.Close(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	s.blocks = s.blocks[toArchive:]
	return s.rewriteWALLocked()
}

// rewriteWALLocked replaces the WAL with only the blocks still tracked in
// blockWrites (the live tail since the last snapshot), so a replay after
// prune() never reapplies an archived block. Callers must hold s.mu.
func (s *Store) rewriteWALLocked() error {
	tmpPath := s.walFile.f.Name() + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	for _, hdr := range s.blocks {
		writes, ok := s.blockWrites[hdr.Height]
		if !ok {
			continue // already folded into the last snapshot
		}
		rec := blockRecord{Header: *hdr, Txs: s.blockTxs[hdr.Height], Writes: writes}
		data, err := json.Marshal(&rec)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := tmp.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	walPath := s.walFile.f.Name()
	if err := s.walFile.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, walPath); err != nil {
		return err
	}
	wal, err := os.OpenFile(walPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	s.walFile = &walHandle{f: wal}
	return nil
}

// killAllPendingWrites aborts uncommitted batches; used on startup and on
// reorg. The store performs no buffered writes outside commitBlock, so this
// only clears the pendingWrites flag.
func (s *Store) killAllPendingWrites() {
	s.mu.Lock()
	s.pendingWrites = false
	s.mu.Unlock()
}
