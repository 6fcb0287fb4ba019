package core

import (
	"crypto/sha256"
	"sort"
)

// BlockWrites is the full write-set of a committed block, as handed to
// commitBlock. ChecksumRoot is a pure function of this struct.
type BlockWrites struct {
	StorageSet     []StorageWrite
	UTXOSpend      []UTXOSpend
	UTXOCreate     []*Unspent
	ContractDeploy []*ContractRecord
	Events         []Event
}

// UTXOSpend identifies a single (txid, vout) consumed by the block.
type UTXOSpend struct {
	TxID  Hash
	Index uint16
}

// ChecksumRoot computes the block's 32-byte commitment: writes are iterated
// in (address asc, slot asc) order for storage, then spends, then created
// UTXOs, each hashed as 32-byte big-endian concatenations and folded via
// SHA-256. Implementers must match this bit-for-bit — recomputation always
// yields the identical 32 bytes.
func ChecksumRoot(w BlockWrites) Hash {
	sort.Slice(w.StorageSet, func(i, j int) bool {
		a, b := w.StorageSet[i], w.StorageSet[j]
		if c := compareBytes(a.Contract[:], b.Contract[:]); c != 0 {
			return c < 0
		}
		return compareBytes(a.Slot[:], b.Slot[:]) < 0
	})
	sort.Slice(w.UTXOSpend, func(i, j int) bool {
		a, b := w.UTXOSpend[i], w.UTXOSpend[j]
		if c := compareBytes(a.TxID[:], b.TxID[:]); c != 0 {
			return c < 0
		}
		return a.Index < b.Index
	})
	sort.Slice(w.UTXOCreate, func(i, j int) bool {
		a, b := w.UTXOCreate[i], w.UTXOCreate[j]
		if c := compareBytes(a.TxID[:], b.TxID[:]); c != 0 {
			return c < 0
		}
		return a.OutputIndex < b.OutputIndex
	})

	h := sha256.New()
	for _, sw := range w.StorageSet {
		h.Write(sw.Contract[:])
		h.Write(sw.Slot[:])
		h.Write(sw.Value[:])
	}
	for _, sp := range w.UTXOSpend {
		h.Write(sp.TxID[:])
		h.Write(u16To32(sp.Index))
	}
	for _, u := range w.UTXOCreate {
		h.Write(u.TxID[:])
		h.Write(u16To32(u.OutputIndex))
		h.Write(u64To32(u.Value))
	}

	var root Hash
	copy(root[:], h.Sum(nil))
	return root
}

func compareBytes(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func u16To32(v uint16) []byte {
	out := make([]byte, 32)
	out[30] = byte(v >> 8)
	out[31] = byte(v)
	return out
}

func u64To32(v uint64) []byte {
	out := make([]byte, 32)
	for i := 0; i < 8; i++ {
		out[31-i] = byte(v >> (8 * i))
	}
	return out
}
