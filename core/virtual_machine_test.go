package core

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestGasTrackerChargesAndExhausts(t *testing.T) {
	g := NewGasTracker(1000)
	if err := g.addGas(400); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Used() != 400 || g.Remaining() != 600 {
		t.Fatalf("unexpected used/remaining: %d/%d", g.Used(), g.Remaining())
	}
	if err := g.addGas(700); err != ErrOutOfGas {
		t.Fatalf("expected ErrOutOfGas, got %v", err)
	}
	if g.Remaining() != 0 {
		t.Fatalf("expected budget fully consumed on overflow, got %d remaining", g.Remaining())
	}
}

func TestAddressStackDepthLimit(t *testing.T) {
	as := NewAddressStack(2, false)
	if err := as.Push(Address{1}); err != nil {
		t.Fatalf("push 1: %v", err)
	}
	if err := as.Push(Address{2}); err != nil {
		t.Fatalf("push 2: %v", err)
	}
	if err := as.Push(Address{3}); err != ErrCallStackTooDeep {
		t.Fatalf("expected ErrCallStackTooDeep, got %v", err)
	}
	as.Pop()
	if as.Depth() != 1 {
		t.Fatalf("expected depth 1 after pop, got %d", as.Depth())
	}
}

func TestAddressStackReentrancyGuard(t *testing.T) {
	as := NewAddressStack(8, true)
	target := Address{9}
	if err := as.Push(target); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := as.Push(target); err != ErrReentrancy {
		t.Fatalf("expected ErrReentrancy, got %v", err)
	}
}

func TestScopedArenaBorrowAndDrop(t *testing.T) {
	a := newScopedArena()
	src := []byte{1, 2, 3}
	owned := a.Borrow(src)
	src[0] = 99
	if owned[0] != 1 {
		t.Fatalf("Borrow must copy, not alias, source bytes")
	}
	a.Drop()
}

func newTestExecution(t *testing.T, store *Store, accessList AccessList) *execution {
	t.Helper()
	e := &Engine{store: store, cfg: defaultEngineConfig(), logger: logrus.StandardLogger()}
	return &execution{
		engine:    e,
		gas:       NewGasTracker(1_000_000),
		addrStack: NewAddressStack(e.cfg.MaxCallDepth, e.cfg.ReentrancyGuard),
		arena:     newScopedArena(),
		preload:   store.preloadStorage(accessList),
		local:     make(map[Address]map[[32]byte][32]byte),
	}
}

func TestStorageGetStrictAccessListRejectsUndeclaredSlot(t *testing.T) {
	cfg := tmpStoreConfig(t, nil)
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	contract := Address{0x01}
	var slot [32]byte
	ex := newTestExecution(t, store, AccessList{})
	if _, err := ex.storageGet(contract, slot); err != ErrOutOfAccessList {
		t.Fatalf("expected ErrOutOfAccessList, got %v", err)
	}
}

func TestStorageGetReturnsPreloadedValue(t *testing.T) {
	cfg := tmpStoreConfig(t, nil)
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	contract := Address{0x01}
	var slot, val [32]byte
	val[0] = 77
	if _, err := store.commitBlock(BlockHeader{Height: 0}, BlockWrites{StorageSet: []StorageWrite{{Contract: contract, Slot: slot, Value: val}}}, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}

	ex := newTestExecution(t, store, AccessList{contract: [][32]byte{slot}})
	got, err := ex.storageGet(contract, slot)
	if err != nil {
		t.Fatalf("storageGet: %v", err)
	}
	if got != val {
		t.Fatalf("got %x want %x", got, val)
	}
}

func TestStorageSetThenGetSeesLocalWrite(t *testing.T) {
	cfg := tmpStoreConfig(t, nil)
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	contract := Address{0x02}
	var slot, val [32]byte
	val[0] = 5

	ex := newTestExecution(t, store, AccessList{contract: [][32]byte{slot}})
	ex.storageSet(contract, slot, val)
	got, err := ex.storageGet(contract, slot)
	if err != nil {
		t.Fatalf("storageGet: %v", err)
	}
	if got != val {
		t.Fatalf("local write not visible: got %x want %x", got, val)
	}
	if len(ex.writeOrder) != 1 {
		t.Fatalf("expected 1 tracked write, got %d", len(ex.writeOrder))
	}
}

func TestEmitEnforcesPerEventAndTotalCaps(t *testing.T) {
	cfg := tmpStoreConfig(t, nil)
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	contract := Address{0x03}
	ex := newTestExecution(t, store, AccessList{})
	ex.engine.cfg.MaxEventDataLen = 4
	ex.engine.cfg.MaxEventTotalSize = 5

	if err := ex.emit(contract, []byte("t"), []byte("ab")); err != nil {
		t.Fatalf("first emit: %v", err)
	}
	if err := ex.emit(contract, []byte("t"), []byte("toolong")); err != ErrMaxEventSize {
		t.Fatalf("expected ErrMaxEventSize for oversized event, got %v", err)
	}
	if err := ex.emit(contract, []byte("t"), []byte("cdef")); err != ErrMaxEventSize {
		t.Fatalf("expected ErrMaxEventSize once total cap exceeded, got %v", err)
	}
}

func TestMarkRevertedTruncatesLongMessages(t *testing.T) {
	cfg := tmpStoreConfig(t, nil)
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	ex := newTestExecution(t, store, AccessList{})
	ex.engine.cfg.RevertCap = 8
	ex.storageSet(Address{1}, [32]byte{}, [32]byte{1})

	long := make([]byte, 100)
	ex.markReverted(string(long))

	if ex.revertMsg != revertTooLongMsg {
		t.Fatalf("expected truncated revert message, got %q", ex.revertMsg)
	}
	if len(ex.writeOrder) != 0 {
		t.Fatalf("expected pending writes discarded on revert")
	}
}

func TestDeriveDeploymentAddressDeterministicAndSaltSensitive(t *testing.T) {
	deployer := [32]byte{0xAA}
	saltA := [32]byte{0x01}
	saltB := [32]byte{0x02}

	a1 := DeriveDeploymentAddress(deployer, saltA)
	a2 := DeriveDeploymentAddress(deployer, saltA)
	if a1 != a2 {
		t.Fatalf("expected deterministic address for same deployer+salt")
	}
	b := DeriveDeploymentAddress(deployer, saltB)
	if a1 == b {
		t.Fatalf("expected different salts to yield different addresses")
	}
}

func TestSerializeInputsOutputsRespectCaps(t *testing.T) {
	ins := make([]TxInput, 5)
	for i := range ins {
		ins[i] = TxInput{TxID: Hash{byte(i)}, OutputIndex: uint16(i)}
	}
	ser := serializeInputs(ins, 2)
	// 4-byte count prefix + 2 entries * (32 + 2 + 1) bytes
	want := 4 + 2*(32+2+1)
	if len(ser) != want {
		t.Fatalf("serializeInputs cap not respected: got %d want %d", len(ser), want)
	}

	outs := make([]TxOutput, 3)
	for i := range outs {
		outs[i] = TxOutput{Value: uint64(i), ScriptPubKey: ScriptPubKey{Address: "a"}}
	}
	serOut := serializeOutputs(outs, 10)
	if len(serOut) == 0 {
		t.Fatalf("serializeOutputs produced empty output")
	}
}

func TestExecuteBlockGenericOnlyCommitsUTXOs(t *testing.T) {
	cfg := tmpStoreConfig(t, nil)
	store, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	eng := NewEngine(store, defaultEngineConfig(), logrus.StandardLogger())

	txid := Hash{0x10}
	tx := &Transaction{
		TxID: txid,
		Kind: TxGeneric,
		Outputs: []TxOutput{
			{Value: 5000, ScriptPubKey: ScriptPubKey{Address: "bc1qexample"}},
		},
	}
	task := &IndexingTask{
		Height: 0,
		raw:    &RawBlock{Height: 0, Hash: Hash{0x99}},
		txs:    []*Transaction{tx},
	}

	if err := eng.ExecuteBlock(task); err != nil {
		t.Fatalf("ExecuteBlock: %v", err)
	}

	u, ok := store.getUtxo(txid, 0)
	if !ok {
		t.Fatalf("expected output committed as a live UTXO")
	}
	if u.Value != 5000 {
		t.Fatalf("unexpected utxo value: %d", u.Value)
	}
	if _, ok := store.getLatestBlock(); !ok {
		t.Fatalf("expected a committed block header")
	}
}
