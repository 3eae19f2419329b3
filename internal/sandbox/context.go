// Package sandbox is the registry of sandboxed guest instances and memories
// created by a supervisor module.
//
// Guests run in their own wazero runtimes. Calls a guest makes to its
// imports are routed back to the supervisor through a Context, which
// travels with the context.Context of the invocation.
package sandbox

import (
	"context"

	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
)

// Context represents one in-flight call from the supervisor into a guest.
type Context interface {
	// Invoke calls the supervisor's dispatch thunk with the encoded
	// arguments at argsPtr and the supervisor function index funcIdx. It
	// returns the thunk's packed (pointer, length) result.
	Invoke(ctx context.Context, argsPtr, argsLen, funcIdx uint32) (int64, error)

	// SupervisorContext gives access to the supervisor's memory and heap.
	SupervisorContext() wasm.FunctionContext
}

type contextKey struct{}

// WithContext returns a copy of ctx carrying sc.
func WithContext(ctx context.Context, sc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, sc)
}

// FromContext returns the Context carried by ctx, or nil.
func FromContext(ctx context.Context) Context {
	sc, _ := ctx.Value(contextKey{}).(Context)
	return sc
}
