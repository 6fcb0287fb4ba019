// SPDX-License-Identifier: BUSL-1.1
//
// OP_NET Core ▸ Host ABI Dispatcher
// ----------------------------------
//
//   - Every host function a WASM contract can import is assigned a unique
//     Opcode (vm_opcodes.go).
//   - The dispatcher maps opcodes -> concrete handlers and enforces
//     gas-pricing through GasCost() before the handler runs.
//   - Collisions are fatal at start-up; a missing handler makes Dispatch
//     return an error when that opcode is invoked.
package core

import (
	"fmt"
	"log"
	"sync"
)

// Context is provided by the engine; it gives a host handler controlled
// access to the current call frame's storage view, gas tracker, and
// transaction metadata.
type Context interface {
	Call(string) error // unified façade for host-function dispatch
	Gas(uint64) error  // deducts gas or returns an error if exhausted
}

// Opcode is a deterministic host-function identifier.
type Opcode uint32

// OpcodeFunc is the concrete implementation invoked by the engine.
type OpcodeFunc func(ctx Context) error

// opcodeTable holds the runtime mapping (populated once in init()).
var (
	opcodeTable = make(map[Opcode]OpcodeFunc, 16)
	nameToOp    = make(map[string]Opcode, 16)
	mu          sync.RWMutex
)

// Register binds an opcode to its function handler. It panics on
// duplicates — this should never happen in CI-tested builds.
func Register(op Opcode, fn OpcodeFunc) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := opcodeTable[op]; exists {
		log.Panicf("[OPCODES] collision: opcode %d already registered", op)
	}
	opcodeTable[op] = fn
}

// Dispatch is called by the engine for every host call a contract makes.
func Dispatch(ctx Context, op Opcode) error {
	mu.RLock()
	fn, ok := opcodeTable[op]
	mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown host opcode %d", op)
	}
	if err := ctx.Gas(GasCost(op)); err != nil {
		return err
	}
	return fn(ctx)
}

// wrap returns a closure that delegates the call to Context.Call(<name>).
func wrap(name string) OpcodeFunc {
	return func(ctx Context) error { return ctx.Call(name) }
}

// catalogue binds every host ABI opcode to the name the engine's Context
// dispatches by.
var catalogue = []struct {
	name string
	op   Opcode
}{
	{"storage.get", OpStorageGet},
	{"storage.set", OpStorageSet},
	{"call", OpCall},
	{"deploy", OpDeploy},
	{"emit", OpEmit},
	{"utxo.inputs", OpUTXOInputs},
	{"utxo.outputs", OpUTXOOutputs},
	{"usegas", OpUseGas},
}

// init wires the catalogue into the live dispatcher.
func init() {
	for _, entry := range catalogue {
		nameToOp[entry.name] = entry.op
		Register(entry.op, wrap(entry.name))
	}
}

// String implements fmt.Stringer.
func (op Opcode) String() string {
	for name, o := range nameToOp {
		if o == op {
			return name
		}
	}
	return fmt.Sprintf("opcode(%d)", uint32(op))
}
