// Package sandbox defines the status codes returned to supervisor code by the
// sandbox host functions. The values are part of the guest ABI and must not
// change.
//
// Status codes report outcomes a supervisor is expected to branch on. Contract
// violations by the caller are never reported through them; those trap the
// calling host function instead.
package sandbox

const (
	// ErrOK is returned when the operation succeeded.
	ErrOK uint32 = 0

	// ErrExecution is returned when the guest trapped, either in its start
	// function or in an invoked export.
	ErrExecution uint32 = 0xFFFF_FFFF // -1 as i32

	// ErrOutOfBounds is returned when a memory_get or memory_set touched
	// memory outside the sandboxed or the supervisor memory.
	ErrOutOfBounds uint32 = 0xFFFF_FFFE // -2 as i32

	// ErrModule is returned when a guest module could not be instantiated.
	ErrModule uint32 = 0xFFFF_FFFD // -3 as i32
)

// Results of set_global_i64.
const (
	GlobalsOK       uint32 = 0
	GlobalsNotFound uint32 = 0xFFFF_FFFF
	GlobalsOther    uint32 = 0xFFFF_FFFE
)

// MemUnlimited as the maximum of memory_new means the memory has no maximum
// besides the engine limit.
const MemUnlimited uint32 = 0xFFFF_FFFF
