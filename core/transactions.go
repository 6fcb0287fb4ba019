package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// IndexingHash returns the transaction's indexing hash, computing and
// caching it on first use. Unlike the network's own TxID (the Bitcoin
// wire-format double-SHA256), the indexing hash folds in the fields the
// engine itself assigns — Index, BurnedFeeSat, Kind — so two transactions
// sharing a Bitcoin TxID in different candidate orderings never collide in
// receipt or event lookups.
func (tx *Transaction) IndexingHash() Hash {
	if tx.computedIndexingHash != nil {
		return *tx.computedIndexingHash
	}
	h := tx.hashFields()
	tx.computedIndexingHash = &h
	return h
}

// invalidateIndexingHash clears the cached hash; called by the sorter when
// it reassigns Index.
func (tx *Transaction) invalidateIndexingHash() {
	tx.computedIndexingHash = nil
}

func (tx *Transaction) hashFields() Hash {
	h := sha256.New()
	h.Write(tx.TxID[:])

	h.Write([]byte{byte(tx.Kind)})

	var idxBuf [8]byte
	binary.BigEndian.PutUint64(idxBuf[:], uint64(tx.Index))
	h.Write(idxBuf[:])

	var feeBuf [8]byte
	binary.BigEndian.PutUint64(feeBuf[:], tx.BurnedFeeSat)
	h.Write(feeBuf[:])

	for _, in := range tx.Inputs {
		h.Write(in.TxID[:])
		var ib [2]byte
		binary.BigEndian.PutUint16(ib[:], in.OutputIndex)
		h.Write(ib[:])
	}
	for _, out := range tx.Outputs {
		var vb [8]byte
		binary.BigEndian.PutUint64(vb[:], out.Value)
		h.Write(vb[:])
		h.Write([]byte(out.ScriptPubKey.Address))
	}

	var sum Hash
	copy(sum[:], h.Sum(nil))
	return sum
}

// IDHex returns the transaction's Bitcoin TxID as a hex string, the form
// used in logs and receipt lookups.
func (tx *Transaction) IDHex() string {
	return hex.EncodeToString(tx.TxID[:])
}

// verifySchnorr checks a BIP-340 Schnorr signature over msg using a 32-byte
// x-only public key, the taproot signing scheme every interaction and
// deployment input carries.
func verifySchnorr(pubKeyX [32]byte, msg [32]byte, sig []byte) bool {
	pk, err := schnorr.ParsePubKey(pubKeyX[:])
	if err != nil {
		return false
	}
	s, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	return s.Verify(msg[:], pk)
}

// signSchnorr produces a BIP-340 signature over msg with the given private
// key, for constructing well-formed interaction transactions without a
// wallet. Nothing in this module calls it.
func signSchnorr(priv *btcec.PrivateKey, msg [32]byte) ([]byte, error) {
	sig, err := schnorr.Sign(priv, msg[:])
	if err != nil {
		return nil, WrapError(ErrInvalidInput, "SchnorrSignFailed", "sign message", err)
	}
	return sig.Serialize(), nil
}

// txPool holds transactions observed from the mempool feed that have not
// yet been included in a committed block, ordered by arrival.
// SortTransactions takes its input as a slice and does not read a txPool.
type txPool struct {
	mu     sync.Mutex
	byTxID map[Hash]*Transaction
	order  []Hash
}

func newTxPool() *txPool {
	return &txPool{byTxID: make(map[Hash]*Transaction)}
}

// add inserts tx if it is not already known, returning false on duplicate.
func (p *txPool) add(tx *Transaction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byTxID[tx.TxID]; ok {
		return false
	}
	p.byTxID[tx.TxID] = tx
	p.order = append(p.order, tx.TxID)
	return true
}

// drain returns every pooled transaction in arrival order and empties the
// pool.
func (p *txPool) drain() []*Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Transaction, 0, len(p.order))
	for _, id := range p.order {
		if tx, ok := p.byTxID[id]; ok {
			out = append(out, tx)
		}
	}
	p.byTxID = make(map[Hash]*Transaction)
	p.order = nil
	return out
}

// remove discards a transaction without including it in a drain, used when
// the parser marks it Compromised.
func (p *txPool) remove(txid Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byTxID, txid)
}
