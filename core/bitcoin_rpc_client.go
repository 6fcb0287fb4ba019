package core

// bitcoin_rpc_client.go is the concrete Bitcoin Core JSON-RPC 1.0 client
// satisfying the BitcoinRPC boundary: a plain net/http POST client mirroring
// the JSON-RPC request/response envelope used elsewhere in the example
// pack, retargeted at bitcoind's getblockcount/getblockhash/getblock calls
// and btcd's wire package for raw block deserialization.

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/wire"
	"golang.org/x/time/rate"
)

// BitcoinRPCClient is a JSON-RPC 1.0 HTTP client targeting bitcoind.
type BitcoinRPCClient struct {
	endpoint string
	user     string
	pass     string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewBitcoinRPCClient constructs a client against endpoint (e.g.
// "http://127.0.0.1:8332"), authenticating with HTTP basic auth. Calls are
// throttled to 20 requests per second so a fast prefetch window cannot
// overrun a single bitcoind's RPC worker threads.
func NewBitcoinRPCClient(endpoint, user, pass string) *BitcoinRPCClient {
	return NewBitcoinRPCClientWithRate(endpoint, user, pass, 20)
}

// NewBitcoinRPCClientWithRate is NewBitcoinRPCClient with an explicit
// requests-per-second ceiling.
func NewBitcoinRPCClientWithRate(endpoint, user, pass string, ratePerSecond float64) *BitcoinRPCClient {
	if ratePerSecond <= 0 {
		ratePerSecond = 20
	}
	return &BitcoinRPCClient{
		endpoint: endpoint,
		user:     user,
		pass:     pass,
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)),
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int         `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("bitcoind rpc error %d: %s", e.Code, e.Message) }

func (c *BitcoinRPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return WrapError(ErrTransient, "RPCRateLimitWaitFailed", "wait for rpc rate limiter", err)
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return WrapError(ErrTransient, "RPCMarshalFailed", "marshal bitcoind request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return WrapError(ErrTransient, "RPCRequestBuildFailed", "build bitcoind request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return WrapError(ErrTransient, "RPCCallFailed", fmt.Sprintf("call %s", method), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return WrapError(ErrTransient, "RPCReadFailed", "read bitcoind response", err)
	}

	var rr rpcResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		return WrapError(ErrTransient, "RPCDecodeFailed", "decode bitcoind response", err)
	}
	if rr.Error != nil {
		return WrapError(ErrTransient, "RPCServerError", method, rr.Error)
	}
	if result != nil && rr.Result != nil {
		if err := json.Unmarshal(rr.Result, result); err != nil {
			return WrapError(ErrTransient, "RPCResultDecodeFailed", "decode bitcoind result", err)
		}
	}
	return nil
}

// GetTip implements BitcoinRPC.
func (c *BitcoinRPCClient) GetTip(ctx context.Context) (uint64, error) {
	var height uint64
	if err := c.call(ctx, "getblockcount", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetBlockByHeight implements BitcoinRPC: it resolves height to a block
// hash, fetches the raw (verbosity 0) block hex, and deserializes it with
// btcd's wire package to recover the header and per-tx wire bytes.
func (c *BitcoinRPCClient) GetBlockByHeight(ctx context.Context, height uint64) (*RawBlock, error) {
	var blockHash string
	if err := c.call(ctx, "getblockhash", []interface{}{height}, &blockHash); err != nil {
		return nil, WrapError(ErrInvariant, "BlockHashNotFound", "height not yet known to node", err)
	}

	var rawHex string
	if err := c.call(ctx, "getblock", []interface{}{blockHash, 0}, &rawHex); err != nil {
		return nil, WrapError(ErrTransient, "GetBlockFailed", "fetch raw block", err)
	}

	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, WrapError(ErrInvalidInput, "BlockHexDecodeFailed", "decode raw block hex", err)
	}

	var blk wire.MsgBlock
	if err := blk.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, WrapError(ErrInvalidInput, "BlockDeserializeFailed", "deserialize wire block", err)
	}

	rawTxs := make([][]byte, 0, len(blk.Transactions))
	for _, tx := range blk.Transactions {
		var buf bytes.Buffer
		if err := tx.Serialize(&buf); err != nil {
			return nil, WrapError(ErrInvalidInput, "TxSerializeFailed", "re-serialize wire transaction", err)
		}
		rawTxs = append(rawTxs, buf.Bytes())
	}

	var hash, prevHash Hash
	copy(hash[:], reverseBytes(blk.Header.BlockHash().CloneBytes()))
	copy(prevHash[:], reverseBytes(blk.Header.PrevBlock.CloneBytes()))

	return &RawBlock{
		Height:    height,
		Hash:      hash,
		PrevHash:  prevHash,
		Timestamp: blk.Header.Timestamp.Unix(),
		RawTxs:    rawTxs,
	}, nil
}

// reverseBytes returns a copy of b with byte order reversed, converting
// btcd's internal little-endian chainhash.Hash byte order into the
// big-endian display order RawBlock's block hashes are stored in.
func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
