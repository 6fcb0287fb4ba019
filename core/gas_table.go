// SPDX-License-Identifier: BUSL-1.1
//
// OP_NET Core Gas Schedule
// ------------------------
// The canonical gas-pricing table for every host ABI opcode a WASM contract
// can import. Numbers reflect the relative I/O and storage cost of each
// host call and are DoS-resistant; storage.set is priced well above
// storage.get since it carries a WAL entry.
//
// IMPORTANT
//   - The table MUST contain a unique entry for every opcode in vm_opcodes.go
//     (map-literal keys are unique at compile time; completeness is not
//     checked).
//   - Unknown / un-priced opcodes fall back to DefaultGasCost, which is set
//     deliberately high and logged exactly once per missing opcode.
//   - All reads from the table are fully concurrent-safe (read-only map).
package core

import (
	"log"
	"sync"
)

// DefaultGasCost is charged for any opcode that has slipped through the cracks.
const DefaultGasCost uint64 = 100_000

// loggedMissing records the unknown opcodes GasCost has already logged.
var loggedMissing sync.Map // map[Opcode]struct{}

// gasTable maps every host ABI Opcode to its base gas cost. Gas is charged
// before the host call runs; the WASM instrumentation layer additionally
// injects usegas(n) calls for user-code-side metering.
var gasTable = map[Opcode]uint64{
	OpStorageGet: 200,
	OpStorageSet: 5_000,
	OpCall:       700,
	OpDeploy:     32_000,
	OpEmit:       375,
	OpUTXOInputs: 150,
	OpUTXOOutputs: 150,
	OpUseGas:     0,
}

// GasCost returns the **base** gas cost for a single opcode.  Dynamic portions
// (e.g. per-word fees, storage-touch refunds, call-stipends) are handled by the
// VM’s gas-meter layer.
//
// The function is lock-free and safe for concurrent use by every worker-thread
// in the execution engine.
func GasCost(op Opcode) uint64 {
	if cost, ok := gasTable[op]; ok {
		return cost
	}
	// Log only the first occurrence of an unknown opcode to avoid log spam.
	if _, seen := loggedMissing.LoadOrStore(op, struct{}{}); !seen {
		log.Printf("gas_table: missing cost for opcode %d – charging default", op)
	}
	return DefaultGasCost
}
