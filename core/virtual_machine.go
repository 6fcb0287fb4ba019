// SPDX-License-Identifier: BUSL-1.1
package core

// virtual_machine.go is the WASM execution engine: the teacher's Wasmer
// HeavyVM path becomes the only contract VM (spec'd contracts are always
// WASM; the SuperLightVM/LightVM bytecode interpreters never applied here),
// generalized from a fixed four-function host ABI to storage.get/set, call,
// deploy, emit, utxo.inputs/outputs and usegas. registerHost's
// wasmer.NewFunction/ImportObject wiring is kept near-verbatim in mechanism.

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// EngineConfig bounds gas, call depth, deployment depth, and event sizes —
// spec.md leaves these to the deployment rather than baking in constants.
type EngineConfig struct {
	MaxCallDepth       int
	ReentrancyGuard    bool
	MaxDeploymentDepth int
	MaxEventTypeLen    int
	MaxEventDataLen    int
	MaxEventTotalSize  int
	MaxInputs          int
	MaxOutputs         int
	StrictAccessList   bool
	RevertCap          int
	DefaultGasLimit    uint64
}

func defaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxCallDepth:       16,
		ReentrancyGuard:    true,
		MaxDeploymentDepth: 4,
		MaxEventTypeLen:    64,
		MaxEventDataLen:    4096,
		MaxEventTotalSize:  32 * 1024,
		MaxInputs:          1024,
		MaxOutputs:         1024,
		StrictAccessList:   true,
		RevertCap:          4096,
		DefaultGasLimit:    8_000_000,
	}
}

// GasTracker owns the transaction-global gas budget shared by every nested
// call frame; nested calls never get their own allowance.
type GasTracker struct {
	mu   sync.Mutex
	used uint64
	max  uint64
}

// NewGasTracker constructs a tracker bounded to max units.
func NewGasTracker(max uint64) *GasTracker { return &GasTracker{max: max} }

// addGas charges n units, returning ErrOutOfGas if the budget is exceeded.
// The budget is left at max on overflow so Remaining() reports zero.
func (g *GasTracker) addGas(n uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.used+n > g.max {
		g.used = g.max
		return ErrOutOfGas
	}
	g.used += n
	return nil
}

// Used reports gas spent so far.
func (g *GasTracker) Used() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.used
}

// Remaining reports the unspent budget.
func (g *GasTracker) Remaining() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.max - g.used
}

// Engine executes WASM contract bytecode against a Store, enforcing the
// host ABI's gas, call-depth, reentrancy, and event-size bounds.
type Engine struct {
	store   *Store
	wasmer  *wasmer.Engine
	cfg     EngineConfig
	logger  *logrus.Logger
	metrics *Metrics
}

// NewEngine constructs an execution engine bound to store.
func NewEngine(store *Store, cfg EngineConfig, logger *logrus.Logger) *Engine {
	if cfg.MaxCallDepth == 0 {
		cfg = defaultEngineConfig()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{store: store, wasmer: wasmer.NewEngine(), cfg: cfg, logger: logger}
}

// SetMetrics attaches a collector set; a nil *Metrics (the zero value) is
// always safe, so this is optional.
func (e *Engine) SetMetrics(m *Metrics) { e.metrics = m }

// execution is one transaction's full execution state, shared by every
// nested call frame (host "call") it spawns — gas and the call stack are
// global to the transaction per spec.md §4.4.
type execution struct {
	engine *Engine
	tx     *Transaction
	header BlockHeader

	gas       *GasTracker
	addrStack *AddressStack
	arena     *scopedArena

	preload     map[Address]map[[32]byte]*[32]byte
	local       map[Address]map[[32]byte][32]byte // pending writes of every live frame, merged view
	writeOrder  []StoragePointer                  // insertion order, for deterministic StorageWrite emission
	deployed    []*ContractRecord
	events      []Event
	deployDepth int

	reverted bool
	revertMsg string
}

const revertTooLongMsg = "OP_NET: Revert error too long."

// Execute runs one classified, non-Generic transaction's payload and returns
// its receipt plus the write-set to fold into the block's BlockWrites on
// success. Generic and Compromised transactions never reach the engine.
func (e *Engine) Execute(tx *Transaction, header BlockHeader) (*Receipt, []StorageWrite, []*ContractRecord, []Event, error) {
	rec := &Receipt{TxID: tx.TxID, Status: true}

	var contract Address
	var bytecode []byte
	var calldata []byte
	var accessList AccessList

	switch tx.Kind {
	case TxInteraction:
		contract = tx.Interaction.Contract
		record, ok := e.store.getContractRecord(contract)
		if !ok {
			return fail(rec, NewError(ErrInvalidInput, "ContractNotFound", "interaction targets an undeployed contract"))
		}
		bytecode = record.Bytecode
		calldata = tx.Interaction.Calldata
		accessList = tx.Interaction.AccessList
	case TxDeployment:
		contract = DeriveDeploymentAddress(tx.Deployment.DeployerPubKey, tx.Deployment.Salt)
		bytecode = tx.Deployment.Bytecode
		calldata = tx.Deployment.Calldata
		accessList = tx.Deployment.AccessList
	default:
		return rec, nil, nil, nil, nil
	}

	gasLimit := tx.sharedParams().GasSatFee
	if gasLimit == 0 {
		gasLimit = e.cfg.DefaultGasLimit
	}

	ex := &execution{
		engine:    e,
		tx:        tx,
		header:    header,
		gas:       NewGasTracker(gasLimit),
		addrStack: NewAddressStack(e.cfg.MaxCallDepth, e.cfg.ReentrancyGuard),
		arena:     newScopedArena(),
		preload:   e.store.preloadStorage(accessList),
		local:     make(map[Address]map[[32]byte][32]byte),
	}
	defer ex.arena.Drop()

	if tx.Kind == TxDeployment {
		if err := ex.addrStack.Push(contract); err != nil {
			return fail(rec, err)
		}
		ex.deployDepth++
		ex.deployed = append(ex.deployed, &ContractRecord{
			VirtualAddress:      contract,
			DeployerPubKey:      tx.Deployment.DeployerPubKey,
			BytecodeHash:        sha256.Sum256(bytecode),
			Bytecode:            bytecode,
			InsertedBlockHeight: header.Height,
		})
	}

	result, err := ex.run(contract, bytecode, calldata)
	if err != nil {
		return fail(rec, err)
	}
	if ex.reverted {
		rec.Status = false
		rec.Reverted = true
		rec.Error = ex.revertMsg
		rec.GasUsed = ex.gas.Used()
		return rec, nil, nil, nil, nil
	}

	rec.ReturnData = result
	rec.GasUsed = ex.gas.Used()
	rec.Logs = ex.events
	if tx.Kind == TxDeployment {
		d := contract
		rec.DeployedAt = &d
	}

	writes := make([]StorageWrite, 0, len(ex.writeOrder))
	for _, ptr := range ex.writeOrder {
		var prev *[32]byte
		if v, ok := e.store.getStorage(ptr.Contract, ptr.Slot); ok {
			pv := *v
			prev = &pv
		}
		writes = append(writes, StorageWrite{Contract: ptr.Contract, Slot: ptr.Slot, Value: ptr.Value, PrevValue: prev})
	}
	return rec, writes, ex.deployed, ex.events, nil
}

func fail(rec *Receipt, err error) (*Receipt, []StorageWrite, []*ContractRecord, []Event, error) {
	return rec, nil, nil, nil, err
}

// sharedParams extracts the embedded SharedInteractionParameters regardless
// of the transaction's concrete variant.
func (tx *Transaction) sharedParams() SharedInteractionParameters {
	switch tx.Kind {
	case TxInteraction:
		return tx.Interaction.SharedInteractionParameters
	case TxDeployment:
		return tx.Deployment.SharedInteractionParameters
	default:
		return SharedInteractionParameters{}
	}
}

// run instantiates bytecode under contract's identity and invokes _start,
// implementing the Idle -> Instantiated -> Running -> (Returned | Reverted |
// OutOfGas | Trap) state machine for one call frame.
func (ex *execution) run(contract Address, bytecode []byte, calldata []byte) ([]byte, error) {
	store := wasmer.NewStore(ex.engine.wasmer)
	mod, err := wasmer.NewModule(store, bytecode)
	if err != nil {
		return nil, WrapError(ErrInvalidInput, "ModuleCompileFailed", "compile wasm module", err)
	}

	hctx := &hostCtx{ex: ex, contract: contract, calldata: calldata}
	imports := registerHost(store, hctx)

	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return nil, WrapError(ErrInvalidInput, "ModuleInstantiateFailed", "instantiate wasm module", err)
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, NewError(ErrInvalidInput, "MemoryExportMissing", "wasm module does not export linear memory")
	}
	hctx.mem = mem

	start, err := instance.Exports.GetFunction("_start")
	if err != nil {
		return nil, NewError(ErrInvalidInput, "EntrypointMissing", "wasm module does not export _start")
	}

	if _, err := start(); err != nil {
		if IsKind(err, ErrGasExceeded) || ex.gas.Remaining() == 0 {
			ex.markReverted(err.Error())
			return nil, nil
		}
		ex.markReverted(err.Error())
		return nil, nil
	}
	return hctx.returnData, nil
}

// markReverted records a Trap/Revert outcome, truncating long messages per
// spec.md §4.4, and drops this frame's pending writes and events.
func (ex *execution) markReverted(msg string) {
	ex.reverted = true
	if len(msg) > ex.engine.cfg.RevertCap {
		msg = revertTooLongMsg
	}
	ex.revertMsg = msg
	ex.local = make(map[Address]map[[32]byte][32]byte)
	ex.writeOrder = nil
	ex.events = nil
}

// storageGet resolves (contract, slot) through the merged view: local
// pending writes first, then the preloaded access-list snapshot. In strict
// access-list mode an undeclared slot fails fast without touching the store.
func (ex *execution) storageGet(contract Address, slot [32]byte) ([32]byte, error) {
	if m, ok := ex.local[contract]; ok {
		if v, ok := m[slot]; ok {
			return v, nil
		}
	}
	declared, ok := ex.preload[contract]
	if !ok {
		if ex.engine.cfg.StrictAccessList {
			return [32]byte{}, ErrOutOfAccessList
		}
		if v, ok := ex.engine.store.getStorage(contract, slot); ok {
			return *v, nil
		}
		return [32]byte{}, nil
	}
	v, ok := declared[slot]
	if !ok {
		if ex.engine.cfg.StrictAccessList {
			return [32]byte{}, ErrOutOfAccessList
		}
		return [32]byte{}, nil
	}
	if v == nil {
		return [32]byte{}, nil
	}
	return *v, nil
}

// storageSet records a local pending write, committed only if the
// transaction's top-level execution succeeds.
func (ex *execution) storageSet(contract Address, slot [32]byte, value [32]byte) {
	m, ok := ex.local[contract]
	if !ok {
		m = make(map[[32]byte][32]byte)
		ex.local[contract] = m
	}
	if _, existed := m[slot]; !existed {
		ex.writeOrder = append(ex.writeOrder, StoragePointer{Contract: contract, Slot: slot, Value: value})
	} else {
		for i := range ex.writeOrder {
			if ex.writeOrder[i].Contract == contract && ex.writeOrder[i].Slot == slot {
				ex.writeOrder[i].Value = value
				break
			}
		}
	}
	m[slot] = value
}

// emit appends an event, enforcing the per-event and per-execution size caps.
func (ex *execution) emit(contract Address, typ, data []byte) error {
	cfg := ex.engine.cfg
	if len(typ) > cfg.MaxEventTypeLen || len(data) > cfg.MaxEventDataLen {
		return ErrMaxEventSize
	}
	total := len(data)
	for _, e := range ex.events {
		total += len(e.Data)
	}
	if total > cfg.MaxEventTotalSize {
		return ErrMaxEventSize
	}
	ex.events = append(ex.events, Event{Contract: contract, Type: append([]byte(nil), typ...), Data: append([]byte(nil), data...)})
	return nil
}

// nestedCall executes target's contract bytecode as a nested call frame,
// sharing this execution's GasTracker and AddressStack per spec.md §4.4.
func (ex *execution) nestedCall(target Address, calldata []byte) ([]byte, bool, error) {
	if err := ex.addrStack.Push(target); err != nil {
		return nil, true, err
	}
	defer ex.addrStack.Pop()

	record, ok := ex.engine.store.getContractRecord(target)
	if !ok {
		return nil, true, NewError(ErrInvalidInput, "ContractNotFound", "call targets an undeployed contract")
	}

	savedLocal := make(map[Address]map[[32]byte][32]byte, len(ex.local))
	for c, m := range ex.local {
		cp := make(map[[32]byte][32]byte, len(m))
		for k, v := range m {
			cp[k] = v
		}
		savedLocal[c] = cp
	}
	savedOrder := append([]StoragePointer(nil), ex.writeOrder...)
	savedEvents := append([]Event(nil), ex.events...)
	savedReverted, savedMsg := ex.reverted, ex.revertMsg
	ex.reverted, ex.revertMsg = false, ""
	result, err := ex.run(target, record.Bytecode, calldata)
	reverted := ex.reverted
	msg := ex.revertMsg
	ex.reverted, ex.revertMsg = savedReverted, savedMsg
	if err != nil {
		return nil, true, err
	}
	if reverted {
		if ex.gas.Remaining() > 0 { // gas exhaustion discards the whole execution's writes
			ex.local, ex.writeOrder, ex.events = savedLocal, savedOrder, savedEvents
		}
		return []byte(msg), true, nil
	}
	return result, false, nil
}

// deployNested synthesises a contract address from bytecode+salt, writes its
// record, and increments the execution's deployment depth, failing above
// MAX_DEPLOYMENT_DEPTH.
func (ex *execution) deployNested(deployerPubKey [32]byte, salt [32]byte, bytecode []byte) (Address, error) {
	if ex.deployDepth >= ex.engine.cfg.MaxDeploymentDepth {
		return Address{}, ErrMaxDeploymentDepth
	}
	ex.deployDepth++
	addr := DeriveDeploymentAddress(deployerPubKey, salt)
	ex.deployed = append(ex.deployed, &ContractRecord{
		VirtualAddress:      addr,
		DeployerPubKey:      deployerPubKey,
		BytecodeHash:        sha256.Sum256(bytecode),
		Bytecode:            bytecode,
		InsertedBlockHeight: ex.header.Height,
	})
	return addr, nil
}

// DeriveDeploymentAddress folds the salt into the deployer's tweaked public
// key before deriving the virtual contract address, so the same deployer key
// can deploy multiple distinct contracts (one per salt) per spec.md §4.2/§4.4.
func DeriveDeploymentAddress(deployerPubKey [32]byte, salt [32]byte) Address {
	h := sha256.New()
	h.Write(deployerPubKey[:])
	h.Write(salt[:])
	var folded [32]byte
	copy(folded[:], h.Sum(nil))
	return DeriveContractAddress(folded)
}

//---------------------------------------------------------------------
// Host ABI bindings (Wasmer)
//---------------------------------------------------------------------

type hostCtx struct {
	ex         *execution
	mem        *wasmer.Memory
	contract   Address
	calldata   []byte
	returnData []byte
}

func (h *hostCtx) read(ptr, ln int32) []byte {
	if ln <= 0 {
		return nil
	}
	raw := h.mem.Data()[ptr : ptr+ln]
	return h.ex.arena.Borrow(raw)
}

func (h *hostCtx) write(ptr int32, data []byte) { copy(h.mem.Data()[ptr:], data) }

// registerHost converts the engine's Go callbacks into WASM imports under
// the "env" namespace, following the teacher's registerHost wiring
// mechanism rebound to the OP_NET host ABI surface.
func registerHost(store *wasmer.Store, h *hostCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()
	i32 := wasmer.ValueKind(wasmer.I32)

	hostUseGas := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			n := uint64(args[0].I32())
			if err := Dispatch(h, OpUseGas); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := h.ex.gas.addGas(n); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	hostStorageGet := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := Dispatch(h, OpStorageGet); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			slotPtr, dstPtr := args[0].I32(), args[2].I32()
			var slot [32]byte
			copy(slot[:], h.read(slotPtr, 32))
			val, err := h.ex.storageGet(h.contract, slot)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			h.write(dstPtr, val[:])
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	hostStorageSet := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := Dispatch(h, OpStorageSet); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			slotPtr, valPtr := args[0].I32(), args[1].I32()
			var slot, val [32]byte
			copy(slot[:], h.read(slotPtr, 32))
			copy(val[:], h.read(valPtr, 32))
			h.ex.storageSet(h.contract, slot, val)
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	hostEmit := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := Dispatch(h, OpEmit); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			tPtr, tLen, dPtr, dLen := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32()
			typ := h.read(tPtr, tLen)
			data := h.read(dPtr, dLen)
			if err := h.ex.emit(h.contract, typ, data); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	hostCall := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := Dispatch(h, OpCall); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			targetPtr, cdPtr, cdLen, dstPtr := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32()
			var target Address
			copy(target[:], h.read(targetPtr, 32))
			calldata := h.read(cdPtr, cdLen)
			result, reverted, err := h.ex.nestedCall(target, calldata)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			h.write(dstPtr, result)
			if reverted {
				return []wasmer.Value{wasmer.NewI32(int32(-(len(result) + 1)))}, nil
			}
			return []wasmer.Value{wasmer.NewI32(int32(len(result)))}, nil
		})

	hostDeploy := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32, i32, i32, i32, i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := Dispatch(h, OpDeploy); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			bcPtr, bcLen, saltPtr, dstPtr := args[0].I32(), args[1].I32(), args[2].I32(), args[4].I32()
			bytecode := h.read(bcPtr, bcLen)
			var salt [32]byte
			copy(salt[:], h.read(saltPtr, 32))
			addr, err := h.ex.deployNested(h.ex.tx.deployerKey(), salt, bytecode)
			if err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			h.write(dstPtr, addr[:])
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	hostUTXOInputs := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := Dispatch(h, OpUTXOInputs); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			dstPtr := args[0].I32()
			ser := serializeInputs(h.ex.tx.Inputs, h.ex.engine.cfg.MaxInputs)
			h.write(dstPtr, ser)
			return []wasmer.Value{wasmer.NewI32(int32(len(ser)))}, nil
		})

	hostUTXOOutputs := wasmer.NewFunction(store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(i32), wasmer.NewValueTypes(i32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := Dispatch(h, OpUTXOOutputs); err != nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			dstPtr := args[0].I32()
			ser := serializeOutputs(h.ex.tx.Outputs, h.ex.engine.cfg.MaxOutputs)
			h.write(dstPtr, ser)
			return []wasmer.Value{wasmer.NewI32(int32(len(ser)))}, nil
		})

	imports.Register("env", map[string]wasmer.IntoExtern{
		"host_usegas":        hostUseGas,
		"host_storage_get":   hostStorageGet,
		"host_storage_set":   hostStorageSet,
		"host_emit":          hostEmit,
		"host_call":          hostCall,
		"host_deploy":        hostDeploy,
		"host_utxo_inputs":   hostUTXOInputs,
		"host_utxo_outputs":  hostUTXOOutputs,
	})
	return imports
}

// Call implements Context for host-ABI bookkeeping that does not need
// per-call Go state beyond the opcode name (gas pricing is charged by
// Dispatch before it invokes Call).
func (h *hostCtx) Call(name string) error { return nil }

// Gas implements Context, charging the transaction-global GasTracker.
func (h *hostCtx) Gas(n uint64) error { return h.ex.gas.addGas(n) }

func (tx *Transaction) deployerKey() [32]byte {
	if tx.Deployment != nil {
		return tx.Deployment.DeployerPubKey
	}
	return [32]byte{}
}

// serializeInputs produces the lazily-serialised utxo.inputs() view, capped
// at max entries.
func serializeInputs(ins []TxInput, max int) []byte {
	n := len(ins)
	if max > 0 && n > max {
		n = max
	}
	var buf []byte
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(n))
	buf = append(buf, countBuf[:]...)
	for i := 0; i < n; i++ {
		in := ins[i]
		buf = append(buf, in.TxID[:]...)
		var idxBuf [2]byte
		binary.BigEndian.PutUint16(idxBuf[:], in.OutputIndex)
		buf = append(buf, idxBuf[:]...)
		coinbase := byte(0)
		if in.OriginalTransactionID == nil {
			coinbase = 1
		}
		buf = append(buf, coinbase)
	}
	return buf
}

// serializeOutputs produces the lazily-serialised utxo.outputs() view,
// capped at max entries.
func serializeOutputs(outs []TxOutput, max int) []byte {
	n := len(outs)
	if max > 0 && n > max {
		n = max
	}
	var buf []byte
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(n))
	buf = append(buf, countBuf[:]...)
	for i := 0; i < n; i++ {
		out := outs[i]
		var valBuf [8]byte
		binary.BigEndian.PutUint64(valBuf[:], out.Value)
		buf = append(buf, valBuf[:]...)
		buf = append(buf, []byte(out.ScriptPubKey.Address)...)
		buf = append(buf, 0) // NUL-terminate the variable-length address field
	}
	return buf
}

//---------------------------------------------------------------------
// Block-level orchestration
//---------------------------------------------------------------------

// ExecuteBlock sorts a prefetched task's transactions, runs every
// non-Generic one through the engine, assembles the block's write-set, and
// commits it to the store. This is the default execute callback passed to
// Scheduler.Run.
func (e *Engine) ExecuteBlock(task *IndexingTask) error {
	sorted, err := SortTransactions(task.txs)
	if err != nil {
		return err
	}

	header := BlockHeader{
		Height:     task.Height,
		Hash:       task.raw.Hash,
		PrevHash:   task.raw.PrevHash,
		Timestamp:  task.raw.Timestamp,
		NTx:        uint32(len(sorted)),
		MerkleRoot: ComputeMerkleRoot(sorted),
		GasUsed:    big.NewInt(0),
		BaseGas:    big.NewInt(0),
		EMA:        big.NewInt(0),
	}

	var writes BlockWrites
	for _, tx := range sorted {
		for _, in := range tx.Inputs {
			if in.OriginalTransactionID != nil {
				writes.UTXOSpend = append(writes.UTXOSpend, UTXOSpend{TxID: in.TxID, Index: in.OutputIndex})
			}
		}
		for idx, out := range tx.Outputs {
			writes.UTXOCreate = append(writes.UTXOCreate, &Unspent{
				TxID:           tx.TxID,
				OutputIndex:    uint16(idx),
				Value:          out.Value,
				ScriptPubKey:   out.ScriptPubKey,
				CreatedAtBlock: header.Height,
			})
		}
		if tx.Kind == TxGeneric || tx.Compromised {
			continue
		}
		rec, txWrites, deployed, events, err := e.Execute(tx, header)
		if err != nil {
			return err
		}
		writes.StorageSet = append(writes.StorageSet, txWrites...)
		writes.ContractDeploy = append(writes.ContractDeploy, deployed...)
		writes.Events = append(writes.Events, events...)
		header.GasUsed.Add(header.GasUsed, new(big.Int).SetUint64(rec.GasUsed))
		e.metrics.observeReceipt(rec)
	}

	header.ChecksumRoot = ChecksumRoot(writes)
	if _, err := e.store.commitBlock(header, writes, sorted); err != nil {
		return err
	}
	e.metrics.observeBlock(header.Height, header.GasUsed.Uint64())
	return nil
}
