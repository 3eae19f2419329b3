// Package allocator implements the heap allocator that serves
// allocate/deallocate requests on behalf of wasm code running in a
// supervisor's linear memory.
package allocator

import (
	"errors"
	"fmt"
)

// PageSize is the size of one wasm page in bytes.
const PageSize = 65536

// MaxWasmPages is the maximum number of pages a 32-bit linear memory can have.
const MaxWasmPages = 4 * 1024 * 1024 * 1024 / PageSize

// MaxPossibleAllocation is the largest single allocation in bytes (32 MiB).
const MaxPossibleAllocation uint32 = 1 << 25

// Memory grants the allocator access to a linear memory.
//
// Bytes returns a view of the whole memory; writes to it are visible to the
// memory's owner. The view is invalidated by Grow.
type Memory interface {
	Bytes() []byte
	Grow(additional uint32) error
	Pages() uint32
	// MaxPages reports the maximum number of pages, or false if the memory
	// is only bounded by MaxWasmPages.
	MaxPages() (uint32, bool)
}

var (
	// ErrRequestedAllocationTooLarge is returned for requests above MaxPossibleAllocation.
	ErrRequestedAllocationTooLarge = errors.New("requested allocation size is too large")

	// ErrOutOfSpace is returned when the memory cannot grow to fit a request.
	ErrOutOfSpace = errors.New("allocator ran out of space")

	// ErrInvalidPointer is returned when a pointer was not issued by the allocator.
	ErrInvalidPointer = errors.New("invalid pointer for deallocation")

	// ErrPoisoned is returned after the allocator observed corrupted heap
	// metadata. A poisoned allocator refuses all further requests.
	ErrPoisoned = errors.New("allocator poisoned")

	// ErrMemoryShrunk is returned when the memory became smaller between calls.
	ErrMemoryShrunk = errors.New("memory shrunk since the last allocator call")
)

// Error carries the pointer or size an allocator request failed on.
type Error struct {
	Op    string
	Value uint32
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("allocator %s(%d): %v", e.Op, e.Value, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AllocationStats summarizes the allocator's activity.
type AllocationStats struct {
	// BytesAllocated is the number of bytes currently allocated, headers included.
	BytesAllocated uint32
	// BytesAllocatedPeak is the highest value BytesAllocated has reached.
	BytesAllocatedPeak uint32
	// BytesAllocatedSum is the total of all bytes ever allocated.
	BytesAllocatedSum uint64
	// AddressSpaceUsed is the distance between the heap base and the bump pointer.
	AddressSpaceUsed uint32
	// Allocations is the number of live allocations.
	Allocations uint32
}
