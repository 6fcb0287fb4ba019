package core

// Host ABI opcodes: the fixed surface a WASM contract imports from "env".
// Each corresponds 1:1 to a spec'd host function; gas_table.go prices them.
const (
	OpStorageGet Opcode = iota + 1
	OpStorageSet
	OpCall
	OpDeploy
	OpEmit
	OpUTXOInputs
	OpUTXOOutputs
	OpUseGas
)
