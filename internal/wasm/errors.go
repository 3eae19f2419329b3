package wasm

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfBounds is wrapped by every MemoryAccessError caused by a range
	// that does not fit in the memory.
	ErrOutOfBounds = errors.New("out of bounds")

	// ErrNoMemory is returned when a module does not export its linear memory.
	ErrNoMemory = errors.New("module has no exported memory")

	// ErrTooManyInstances is returned when the runtime instance limit is reached.
	ErrTooManyInstances = errors.New("too many instances")

	// ErrRuntimeClosed is returned by operations on a closed runtime.
	ErrRuntimeClosed = errors.New("runtime is closed")
)

// CompilationError occurs when Wasm module compilation fails
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile Wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// InstantiationError occurs when module instantiation fails
type InstantiationError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("failed to instantiate module '%s' (instance: %s): %v",
		e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// ModuleNotFoundError occurs when a module is not in cache
type ModuleNotFoundError struct {
	ModuleName string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module '%s' not found in cache", e.ModuleName)
}

// FunctionNotFoundError occurs when an exported function is missing
type FunctionNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function '%s' not found in module '%s'",
		e.FunctionName, e.ModuleName)
}

// MemoryAccessError occurs when memory operations fail
type MemoryAccessError struct {
	Operation string
	Address   uint32
	Length    uint64
	Size      uint32
	Err       error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("memory access failed (op=%s, addr=%d, len=%d, size=%d): %v",
		e.Operation, e.Address, e.Length, e.Size, e.Err)
}

func (e *MemoryAccessError) Unwrap() error {
	return e.Err
}

// HostFunctionError occurs when host function execution fails.
//
// Host functions panic with a *HostFunctionError to abort the calling wasm
// code; the engine recovers the panic and fails the outer call with it.
type HostFunctionError struct {
	FunctionName string
	Err          error
}

func (e *HostFunctionError) Error() string {
	return fmt.Sprintf("host function '%s' failed: %v", e.FunctionName, e.Err)
}

func (e *HostFunctionError) Unwrap() error {
	return e.Err
}

// SignatureError occurs when a function does not have the expected type.
type SignatureError struct {
	FunctionName string
	Want         string
	Got          string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("function '%s' has signature %s, want %s", e.FunctionName, e.Got, e.Want)
}
