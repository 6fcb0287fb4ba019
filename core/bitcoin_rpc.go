package core

import "context"

// BitcoinRPC is the upstream block/transaction source the scheduler
// prefetches from. It is an external collaborator per spec.md §1;
// BitcoinRPCClient (bitcoin_rpc_client.go) is the bitcoind JSON-RPC
// implementation shipped in this module.
type BitcoinRPC interface {
	// GetTip returns the current best height known to the node.
	GetTip(ctx context.Context) (uint64, error)
	// GetBlockByHeight fetches one block's header and raw wire-format
	// transactions at height. Returns ErrInvariant-kind error if height is
	// not yet known to the node (caller should back off and retry).
	GetBlockByHeight(ctx context.Context, height uint64) (*RawBlock, error)
}

// RawBlock is the unparsed block payload fetched from the Bitcoin RPC
// watcher, before classification by the transaction parser.
type RawBlock struct {
	Height    uint64
	Hash      Hash
	PrevHash  Hash
	Timestamp int64
	RawTxs    [][]byte // wire-serialized transactions, coinbase first
}
