package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrStartTrapped is wrapped by an InstantiationError when the guest's
	// start function trapped.
	ErrStartTrapped = errors.New("start function trapped")

	ErrTooManyInstances    = errors.New("too many sandbox instances")
	ErrTooManyMemories     = errors.New("too many sandbox memories")
	ErrInvalidMemoryLimits = errors.New("invalid memory limits")
	ErrMemoryLimit         = errors.New("memory cannot grow past its maximum")
	ErrMemoryInUse         = errors.New("memory is attached to another instance")
	ErrExportNotFound      = errors.New("export not found")
	ErrArgumentMismatch    = errors.New("arguments do not match the export signature")
	ErrUnexpectedResult    = errors.New("unexpected result")
	ErrGlobalTypeMismatch  = errors.New("global is not an i64")
	ErrGlobalImmutable     = errors.New("global is immutable")
	ErrNoSandboxContext    = errors.New("no sandbox context in call")
)

// NotFoundError is returned for an id that does not name a live entry.
type NotFoundError struct {
	Kind string
	ID   uint32
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sandbox %s %d not found", e.Kind, e.ID)
}

// InstantiationError occurs when a guest could not be instantiated.
type InstantiationError struct {
	Err error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("sandbox instantiation failed: %v", e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// ImportError occurs when a guest import cannot be satisfied.
type ImportError struct {
	Module string
	Name   string
	Kind   string
	Reason string
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("%s import %s.%s: %s", e.Kind, e.Module, e.Name, e.Reason)
}

// ExecutionError occurs when invoking a guest export fails, including traps.
type ExecutionError struct {
	Export string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing export '%s': %v", e.Export, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// HostCallError is raised into the guest when a supervisor function it
// imported fails.
type HostCallError struct {
	Module string
	Name   string
	Err    error
}

func (e *HostCallError) Error() string {
	return fmt.Sprintf("imported function %s.%s: %v", e.Module, e.Name, e.Err)
}

func (e *HostCallError) Unwrap() error {
	return e.Err
}
