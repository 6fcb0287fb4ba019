package core

// vm_sandbox_management.go tracks each transaction's call-frame stack: the
// reentrancy guard, the call-depth bound, and the scoped arena that borrows
// values lifted out of WASM linear memory for the lifetime of one
// transaction's execution. Sandboxes were tracked globally keyed by contract address before;
// here the sandbox is per-transaction, keyed by the execution itself, since
// reentrancy is a property of one call chain, not of a contract in the
// abstract.

import (
	"sync"
)

// CallFrameState is a WASM call frame's position in its lifecycle.
type CallFrameState int

const (
	FrameIdle CallFrameState = iota
	FrameInstantiated
	FrameRunning
	FrameReturned
	FrameReverted
	FrameOutOfGas
	FrameTrap
)

// AddressStack is the reentrancy guard and call-depth bound shared by every
// nested call within one transaction's execution.
type AddressStack struct {
	mu            sync.Mutex
	stack         []Address
	maxDepth      int
	reentrancy    bool // true: a target already on the stack fails
}

// NewAddressStack constructs a call stack bounded to maxDepth, rejecting
// reentrant calls to an address already on the stack when reentrancyGuard is
// set.
func NewAddressStack(maxDepth int, reentrancyGuard bool) *AddressStack {
	return &AddressStack{maxDepth: maxDepth, reentrancy: reentrancyGuard}
}

// Push attempts to enter a call to target. Returns ErrCallStackTooDeep if
// the stack is already at maxDepth, or ErrReentrancy if reentrancyGuard is
// set and target is already present.
func (a *AddressStack) Push(target Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.stack) >= a.maxDepth {
		return ErrCallStackTooDeep
	}
	if a.reentrancy {
		for _, addr := range a.stack {
			if addr == target {
				return ErrReentrancy
			}
		}
	}
	a.stack = append(a.stack, target)
	return nil
}

// Pop removes the most recently pushed address on return from a call frame.
func (a *AddressStack) Pop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.stack) > 0 {
		a.stack = a.stack[:len(a.stack)-1]
	}
}

// Depth reports the current call depth.
func (a *AddressStack) Depth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.stack)
}

// scopedArena owns every byte slice lifted out of WASM linear memory for one
// transaction's execution, shared by its nested call frames; it is dropped
// (values released) when the top-level frame ends, mirroring the
// FinalizationRegistry-style cleanup this file replaces.
type scopedArena struct {
	mu     sync.Mutex
	values [][]byte
}

func newScopedArena() *scopedArena {
	return &scopedArena{}
}

// Borrow copies src into arena-owned memory and returns the owned slice. The
// caller must not retain a reference beyond the arena's lifetime.
func (a *scopedArena) Borrow(src []byte) []byte {
	owned := make([]byte, len(src))
	copy(owned, src)
	a.mu.Lock()
	a.values = append(a.values, owned)
	a.mu.Unlock()
	return owned
}

// Drop releases every value the arena is holding, run when the top-level
// call frame ends regardless of outcome.
func (a *scopedArena) Drop() {
	a.mu.Lock()
	a.values = nil
	a.mu.Unlock()
}
