package core

// common_structs.go – centralised struct definitions referenced across
// modules. This file declares data structures plus the small unspentKey
// helper; behaviour lives alongside the subsystem that owns it.

import (
	"math/big"
	"sync"
	"time"
)

// Address is the 32-byte tweaked taproot x-only public key (or the derived
// virtual contract address) that identifies an OP_NET account on-chain.
type Address [32]byte

// Hash is a 32-byte cryptographic digest: a txid, block hash, or checksum
// root.
type Hash [32]byte

// AddressZero is the conventional empty/unassigned address.
var AddressZero Address

//---------------------------------------------------------------------
// Block header & body
//---------------------------------------------------------------------

// BlockHeader is the per-block commitment structure the store persists and
// the epoch validator reads from.
type BlockHeader struct {
	Height       uint64   `json:"height"`
	Hash         Hash     `json:"hash"`
	PrevHash     Hash     `json:"prevHash"`
	MerkleRoot   Hash     `json:"merkleRoot"`
	ReceiptRoot  Hash     `json:"receiptRoot"`
	StorageRoot  Hash     `json:"storageRoot"`
	ChecksumRoot Hash     `json:"checksumRoot"`
	GasUsed      *big.Int `json:"gasUsed"`
	BaseGas      *big.Int `json:"baseGas"`
	EMA          *big.Int `json:"ema"`
	NTx          uint32   `json:"nTx"`
	Timestamp    int64    `json:"timestamp"`
}

// Block bundles a header with its fully ordered, classified transactions.
type Block struct {
	Header       BlockHeader    `json:"header"`
	Transactions []*Transaction `json:"txs"`
}

//---------------------------------------------------------------------
// UTXO / storage / contract tables
//---------------------------------------------------------------------

// ScriptPubKey mirrors a Bitcoin output script as observed by the parser.
type ScriptPubKey struct {
	Hex       string   `json:"hex"`
	Address   string   `json:"address,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
}

// Unspent is a single Bitcoin transaction output tracked by the state store.
// It is live iff SpentAtBlock is nil.
type Unspent struct {
	TxID          Hash         `json:"txid"`
	OutputIndex   uint16       `json:"outputIndex"`
	Value         uint64       `json:"value"`
	ScriptPubKey  ScriptPubKey `json:"scriptPubKey"`
	CreatedAtBlock uint64      `json:"createdAtBlock"`
	SpentAtBlock  *uint64      `json:"spentAtBlock,omitempty"`
}

// unspentKey returns the map key used to index Unspent entries by
// (txid, outputIndex).
func unspentKey(txid Hash, idx uint16) string {
	b := make([]byte, 34)
	copy(b, txid[:])
	b[32] = byte(idx >> 8)
	b[33] = byte(idx)
	return string(b)
}

// StoragePointer is a single (contract, slot) -> value entry in the
// versioned storage map.
type StoragePointer struct {
	Contract Address  `json:"contract"`
	Slot     [32]byte `json:"slot"`
	Value    [32]byte `json:"value"`
}

// StorageWrite is a pending write produced during one execution, merged into
// the committed snapshot only on success. PrevValue (captured at commit
// time, nil if the slot was previously absent) lets revertUntil restore the
// exact prior value without a second store pass.
type StorageWrite struct {
	Contract  Address
	Slot      [32]byte
	Value     [32]byte
	PrevValue *[32]byte
}

// ContractRecord is the persisted metadata for a deployed contract, keyed by
// its derived taproot address.
type ContractRecord struct {
	TweakedPublicKey    Address `json:"tweakedPublicKey"`
	VirtualAddress      Address `json:"virtualAddress"`
	DeployerPubKey      [32]byte `json:"deployerPubKey"`
	BytecodeHash        Hash    `json:"bytecodeHash"`
	Bytecode            []byte  `json:"-"`
	InsertedBlockHeight uint64  `json:"insertedBlockHeight"`
}

// PublicKeyDirectory records every known on-chain representation of a
// legacy secp256k1 key.
type PublicKeyDirectory struct {
	PublicKey       []byte  `json:"publicKey,omitempty"`
	TweakedPublicKey Address `json:"tweakedPublicKey"`
	P2PKH           string  `json:"p2pkh"`
	P2SHP2WPKH      string  `json:"p2shp2wpkh"`
	P2TR            string  `json:"p2tr"`
	P2WPKH          string  `json:"p2wpkh"`
}

// MLDSALevel enumerates the supported ML-DSA (Dilithium) security levels.
type MLDSALevel uint8

const (
	MLDSALevel2 MLDSALevel = iota + 1
	MLDSALevel3
	MLDSALevel5
)

// MLDSALink binds a post-quantum ML-DSA identity to a legacy secp256k1
// identity. ExposedBlockHeight is nil until the full public key is revealed
// on-chain.
type MLDSALink struct {
	HashedPublicKey     Hash       `json:"hashedPublicKey"`
	LegacyPublicKey     Hash       `json:"legacyPublicKey"`
	PublicKey           []byte     `json:"publicKey,omitempty"`
	Level               MLDSALevel `json:"level"`
	InsertedBlockHeight uint64     `json:"insertedBlockHeight"`
	ExposedBlockHeight  *uint64    `json:"exposedBlockHeight,omitempty"`
}

//---------------------------------------------------------------------
// Epoch mining
//---------------------------------------------------------------------

// SubmissionRef identifies a stored EpochSubmission for getBestSolution.
type SubmissionRef struct {
	EpochNumber uint64 `json:"epochNumber"`
	Salt        [32]byte `json:"salt"`
	MLDSAPubKey [32]byte `json:"mldsaPublicKey"`
}

// Epoch is the per-epoch target derived from the prior finalising block's
// checksum root.
type Epoch struct {
	EpochNumber uint64   `json:"epochNumber"`
	Target      [32]byte `json:"target"`
	// TargetHash is SHA-1(Target), left-padded with zero bytes into a
	// 32-byte field so it compares directly against a matchingBits
	// candidate of the same width.
	TargetHash [32]byte       `json:"targetHash"`
	Best       *SubmissionRef `json:"best,omitempty"`
}

// EpochSubmission is a miner's candidate solution for an epoch.
type EpochSubmission struct {
	EpochNumber     uint64   `json:"epochNumber"`
	Salt            [32]byte `json:"salt"`
	MLDSAPublicKey  [32]byte `json:"mldsaPublicKey"`
	Graffiti        []byte   `json:"graffiti,omitempty"`
	Difficulty      uint32   `json:"difficulty"`
	LegacyPublicKey [32]byte `json:"legacyPublicKey"`
	Signature       []byte   `json:"signature"`
	MLDSASignature  []byte   `json:"mldsaSignature,omitempty"`
}

//---------------------------------------------------------------------
// Reorg
//---------------------------------------------------------------------

// ReorgRecord is persisted once per handled reorganisation.
type ReorgRecord struct {
	FromBlock uint64 `json:"fromBlock"`
	ToBlock   uint64 `json:"toBlock"`
	Timestamp int64  `json:"timestamp"`
}

//---------------------------------------------------------------------
// Store configuration
//---------------------------------------------------------------------

// StoreConfig configures a Store's WAL, snapshot and archive locations.
type StoreConfig struct {
	GenesisBlock     *Block
	WALPath          string
	SnapshotPath     string
	SnapshotInterval int
	ArchivePath      string
	PruneInterval    int
	PurgeWindow      uint64 // blocks; purgeSpentOlderThan(h-W)
}

// Store is the versioned state store: WAL + periodic snapshot + gzip
// archive, matching the teacher's ledger persistence idiom, retargeted at
// OP_NET's UTXO/storage/contract/epoch tables.
type Store struct {
	mu sync.RWMutex

	blocks      []*BlockHeader
	blockIndex  map[Hash]*BlockHeader
	blockTxs    map[uint64][]*Transaction
	blockWrites map[uint64]BlockWrites // only heights not yet folded into a snapshot

	utxo     map[string]*Unspent
	storage  map[Address]map[[32]byte][32]byte
	contracts map[Address]*ContractRecord
	pubkeys   map[Address]*PublicKeyDirectory
	mldsa     map[Hash]*MLDSALink
	epochs    map[uint64]*Epoch
	epochSubs map[uint64]map[string]*EpochSubmission // epoch -> (salt|pk) -> submission
	reorgs    []ReorgRecord

	walFile          *walHandle
	snapshotPath     string
	snapshotInterval int
	archivePath      string
	pruneInterval    int
	purgeWindow      uint64

	pendingWrites bool
}

//---------------------------------------------------------------------
// Transaction model
//---------------------------------------------------------------------

// TxInput is a single Bitcoin transaction input as seen by the parser.
type TxInput struct {
	TxID                 Hash   `json:"txid"`
	OutputIndex          uint16 `json:"outputIndex"`
	OriginalTransactionID *Hash `json:"originalTransactionId,omitempty"`
	Witness              [][]byte `json:"-"`
	ScriptSig            []byte   `json:"-"`
}

// TxOutput is a single Bitcoin transaction output as seen by the parser.
type TxOutput struct {
	Value        uint64       `json:"value"`
	ScriptPubKey ScriptPubKey `json:"scriptPubKey"`
}

// AccessList declares the (contract, slot) storage locations a tx may read,
// enabling bulk preload and bounding storage reads.
type AccessList map[Address][][32]byte

// SharedInteractionParameters is embedded by both interactive tx variants.
type SharedInteractionParameters struct {
	Calldata       []byte     `json:"calldata"`
	WasCompressed  bool       `json:"wasCompressed"`
	AccessList     AccessList `json:"accessList,omitempty"`
	Submission     *EpochSubmission `json:"epochSubmission,omitempty"`
	MLDSALinkReq   *MLDSALinkRequest `json:"mldsaLinkRequest,omitempty"`
	PriorityFeeSat uint64     `json:"priorityFeeSat"`
	GasSatFee      uint64     `json:"gasSatFee"`
}

// MLDSALinkRequest is the decoded ML-DSA link feature carried by an
// interaction transaction.
type MLDSALinkRequest struct {
	Level                MLDSALevel `json:"level"`
	HashedPublicKey      Hash       `json:"hashedPublicKey"`
	VerifyRequest        bool       `json:"verifyRequest"`
	PublicKey            []byte     `json:"publicKey,omitempty"`
	MLDSASignature       []byte     `json:"mldsaSignature,omitempty"`
	LegacySchnorrSig     [64]byte   `json:"legacySchnorrSignature"`
}

// TxKind tags a classified transaction's concrete variant. Class hierarchies
// collapse into this tagged union rather than inheritance.
type TxKind uint8

const (
	TxGeneric TxKind = iota
	TxInteraction
	TxDeployment
)

// GenericDetails carries nothing beyond the base transaction fields.
type GenericDetails struct{}

// InteractionDetails is a call into a previously deployed contract.
type InteractionDetails struct {
	SharedInteractionParameters
	Contract Address `json:"contract"`
}

// DeploymentDetails deploys new contract bytecode.
type DeploymentDetails struct {
	SharedInteractionParameters
	Bytecode       []byte  `json:"bytecode"`
	DeployerPubKey [32]byte `json:"deployerPubKey"`
	Salt           [32]byte `json:"salt"`
}

// Transaction is a raw Bitcoin transaction as classified by the parser and
// ordered by the sorter.
type Transaction struct {
	TxID    Hash       `json:"txid"`
	Kind    TxKind     `json:"kind"`
	Inputs  []TxInput  `json:"inputs"`
	Outputs []TxOutput `json:"outputs"`

	Generic     *GenericDetails     `json:"generic,omitempty"`
	Interaction *InteractionDetails `json:"interaction,omitempty"`
	Deployment  *DeploymentDetails  `json:"deployment,omitempty"`

	BurnedFeeSat uint64 `json:"burnedFeeSat"`
	Compromised  bool   `json:"compromised,omitempty"`

	// Index is the authoritative intra-block ordinal assigned by the sorter.
	Index int `json:"index"`

	computedIndexingHash *Hash
}

// Receipt is the result of executing one transaction's interaction or
// deployment payload against the engine.
type Receipt struct {
	TxID          Hash             `json:"txid"`
	Status        bool             `json:"status"`
	Reverted      bool             `json:"reverted"`
	Error         string           `json:"error,omitempty"`
	GasUsed       uint64           `json:"gasUsed"`
	ReturnData    []byte           `json:"returnData,omitempty"`
	Logs          []Event          `json:"logs,omitempty"`
	DeployedAt    *Address         `json:"deployedAt,omitempty"`
	ModifiedStorage map[Address]map[[32]byte][32]byte `json:"-"`
}

// Event is a single emitted log entry.
type Event struct {
	Contract Address `json:"contract"`
	Type     []byte  `json:"type"`
	Data     []byte  `json:"data"`
}
