package host

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHostState is returned when a host function runs outside of a
	// runtime call. It indicates a bug in the embedder.
	ErrNoHostState = errors.New("host state is not set")

	// ErrSandboxStoreTaken is returned when the sandbox store is needed while
	// it is lent out to a running instantiation.
	ErrSandboxStoreTaken = errors.New("sandbox store is in use by an instantiation")

	// ErrAllocatorTaken is returned when the allocator is needed while it is
	// lent out.
	ErrAllocatorTaken = errors.New("allocator is in use")

	// ErrNoTable is returned by InstanceNew for a runtime without a function table.
	ErrNoTable = errors.New("runtime doesn't have a table; sandbox is unavailable")

	// ErrReturnBufferTooSmall is returned when the encoded return value of an
	// invocation does not fit the buffer given by the supervisor.
	ErrReturnBufferTooSmall = errors.New("return value buffer is too small")

	// ErrUnexpectedThunkResult is returned when a dispatch thunk does not
	// have the dispatch signature.
	ErrUnexpectedThunkResult = errors.New("supervisor function returned unexpected result")
)

// TableIndexError occurs when a dispatch thunk index is outside the table.
type TableIndexError struct {
	Index uint32
	Len   uint32
}

func (e *TableIndexError) Error() string {
	return fmt.Sprintf("dispatch thunk index %d is out of range for table of length %d", e.Index, e.Len)
}

// DispatchError occurs when a call into the supervisor's dispatch thunk fails.
type DispatchError struct {
	Thunk string
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("calling dispatch thunk '%s': %v", e.Thunk, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
