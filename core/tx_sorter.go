package core

// tx_sorter.go orders one block's classified transactions per spec.md
// §4.3: coinbase/reward transactions first in discovery order, then the
// remainder grouped by intra-block UTXO dependency (each group
// topologically sorted so a consumer always follows its producer), groups
// ordered by descending total burned fee, ties broken lexicographically by
// the concatenation of each tx's indexing hash.

import "sort"

// SortTransactions returns txs reordered per the sorter's invariants and
// assigns the authoritative Index field 0..N-1. Returns the fatal
// ErrInvariant-kind ErrSorterDroppedTx if the output length does not match
// the input — that would mean a transaction was dropped, which must never
// happen.
func SortTransactions(txs []*Transaction) ([]*Transaction, error) {
	var coinbase, rest []*Transaction
	for _, tx := range txs {
		if isCoinbaseTx(tx) {
			coinbase = append(coinbase, tx)
		} else {
			rest = append(rest, tx)
		}
	}

	groups := groupByDependency(rest)
	sort.SliceStable(groups, func(i, j int) bool {
		fi, fj := groupFee(groups[i]), groupFee(groups[j])
		if fi != fj {
			return fi > fj
		}
		return concatIndexingHashes(groups[i]) < concatIndexingHashes(groups[j])
	})

	out := make([]*Transaction, 0, len(txs))
	out = append(out, coinbase...)
	for _, g := range groups {
		out = append(out, g...)
	}

	if len(out) != len(txs) {
		return nil, ErrSorterDroppedTx
	}
	for i, tx := range out {
		tx.Index = i
		tx.invalidateIndexingHash()
	}
	return out, nil
}

func isCoinbaseTx(tx *Transaction) bool {
	for _, in := range tx.Inputs {
		if in.OriginalTransactionID != nil {
			return false
		}
	}
	return len(tx.Inputs) > 0
}

// groupByDependency partitions rest into weakly connected components over
// the "consumes an output produced earlier in this block" relation, each
// internally topologically sorted.
func groupByDependency(rest []*Transaction) [][]*Transaction {
	byTxID := make(map[Hash]*Transaction, len(rest))
	for _, tx := range rest {
		byTxID[tx.TxID] = tx
	}

	parent := make(map[Hash]Hash, len(rest))
	for _, tx := range rest {
		parent[tx.TxID] = tx.TxID
	}
	var find func(Hash) Hash
	find = func(h Hash) Hash {
		if parent[h] != h {
			parent[h] = find(parent[h])
		}
		return parent[h]
	}
	union := func(a, b Hash) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for _, tx := range rest {
		for _, in := range tx.Inputs {
			if _, ok := byTxID[in.TxID]; ok {
				union(tx.TxID, in.TxID)
			}
		}
	}

	components := make(map[Hash][]*Transaction)
	order := make([]Hash, 0, len(rest))
	for _, tx := range rest {
		root := find(tx.TxID)
		if _, ok := components[root]; !ok {
			order = append(order, root)
		}
		components[root] = append(components[root], tx)
	}

	groups := make([][]*Transaction, 0, len(order))
	for _, root := range order {
		groups = append(groups, topoSort(components[root]))
	}
	return groups
}

// topoSort orders a dependency component so every consumer follows the
// producer of any input it spends within the same block.
func topoSort(group []*Transaction) []*Transaction {
	inGroup := make(map[Hash]*Transaction, len(group))
	for _, tx := range group {
		inGroup[tx.TxID] = tx
	}
	indegree := make(map[Hash]int, len(group))
	children := make(map[Hash][]Hash, len(group))
	for _, tx := range group {
		indegree[tx.TxID] = 0
	}
	for _, tx := range group {
		for _, in := range tx.Inputs {
			if _, ok := inGroup[in.TxID]; ok {
				children[in.TxID] = append(children[in.TxID], tx.TxID)
				indegree[tx.TxID]++
			}
		}
	}

	var ready []Hash
	for _, tx := range group {
		if indegree[tx.TxID] == 0 {
			ready = append(ready, tx.TxID)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return bytesLess(ready[i][:], ready[j][:]) })

	out := make([]*Transaction, 0, len(group))
	for len(ready) > 0 {
		h := ready[0]
		ready = ready[1:]
		out = append(out, inGroup[h])
		var newlyReady []Hash
		for _, child := range children[h] {
			indegree[child]--
			if indegree[child] == 0 {
				newlyReady = append(newlyReady, child)
			}
		}
		sort.Slice(newlyReady, func(i, j int) bool { return bytesLess(newlyReady[i][:], newlyReady[j][:]) })
		ready = append(ready, newlyReady...)
	}
	return out
}

func bytesLess(a, b []byte) bool { return compareBytes(a, b) < 0 }

func groupFee(g []*Transaction) uint64 {
	var total uint64
	for _, tx := range g {
		total += tx.BurnedFeeSat
	}
	return total
}

func concatIndexingHashes(g []*Transaction) string {
	buf := make([]byte, 0, 32*len(g))
	for _, tx := range g {
		h := tx.IndexingHash()
		buf = append(buf, h[:]...)
	}
	return string(buf)
}
