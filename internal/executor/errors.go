package executor

import "fmt"

// RuntimePanicError occurs when supervisor code panicked after registering
// a panic message.
type RuntimePanicError struct {
	Method  string
	Message string
	Err     error
}

func (e *RuntimePanicError) Error() string {
	return fmt.Sprintf("runtime panicked in '%s': %s", e.Method, e.Message)
}

func (e *RuntimePanicError) Unwrap() error {
	return e.Err
}

// CallError occurs when a runtime call fails for any other reason.
type CallError struct {
	Method string
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("runtime call '%s' failed: %v", e.Method, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}
