package wasm

import "github.com/woxQAQ/wasm-sandbox-host/pkg/protocol"

// FunctionContext is the capability every host function is given: access to
// the calling module's memory and heap, and to the sandbox operations.
//
// Errors returned by its methods are host-contract errors. A host function
// propagates them by trapping the caller.
type FunctionContext interface {
	// ReadMemoryInto fills dest from memory at address.
	ReadMemoryInto(address uint32, dest []byte) error
	// WriteMemory copies data to memory at address.
	WriteMemory(address uint32, data []byte) error
	// AllocateMemory allocates size bytes on the module's heap.
	AllocateMemory(size uint32) (uint32, error)
	// DeallocateMemory frees a block returned by AllocateMemory.
	DeallocateMemory(ptr uint32) error
	// RegisterPanicErrorMessage records message as the reason of an
	// upcoming panic.
	RegisterPanicErrorMessage(message string)
	// Sandbox returns the sandbox capability.
	Sandbox() Sandbox
}

// Sandbox creates and drives sandboxed instances and memories.
//
// Results typed uint32 that are not ids are status codes from api/sandbox.
type Sandbox interface {
	MemoryGet(memoryID, offset, bufPtr, bufLen uint32) (uint32, error)
	MemorySet(memoryID, offset, valPtr, valLen uint32) (uint32, error)
	MemoryNew(initial, maximum uint32) (uint32, error)
	MemoryTeardown(memoryID uint32) error
	// MemorySize returns the size in pages.
	MemorySize(memoryID uint32) (uint32, error)
	// MemoryGrow grows by pages and returns the previous size in pages.
	MemoryGrow(memoryID, pages uint32) (uint32, error)
	// GetBuff returns the host address of the memory's buffer.
	GetBuff(memoryID uint32) (uint64, error)

	InstanceNew(dispatchThunkID uint32, wasm, rawEnvDef []byte, state uint32) (uint32, error)
	InstanceTeardown(instanceID uint32) error
	Invoke(instanceID uint32, exportName string, args []byte, returnValPtr, returnValLen, state uint32) (uint32, error)
	GetGlobalVal(instanceID uint32, name string) (protocol.Value, bool, error)
	GetGlobalI64(instanceID uint32, name string) (int64, bool, error)
	SetGlobalI64(instanceID uint32, name string, value int64) (uint32, error)
	// GetInstancePtr returns an opaque handle of the instance, valid while
	// the instance is registered.
	GetInstancePtr(instanceID uint32) (uint64, error)
}
