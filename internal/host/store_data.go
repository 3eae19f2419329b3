package host

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/woxQAQ/wasm-sandbox-host/internal/sandbox"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
)

// StoreData is the per-supervisor data host functions reach through the
// context of a call.
type StoreData struct {
	// Limits applied to the sandbox store of every runtime call.
	Limits sandbox.Limits

	// HostState is set only while a runtime call is in progress.
	HostState *State

	// Memory is the supervisor's exported linear memory. It is set once
	// when the supervisor is instantiated.
	Memory api.Memory

	// Table resolves dispatch thunk indices. Nil if the supervisor has no
	// function table.
	Table wasm.FuncTable
}

type storeDataKey struct{}

// WithStoreData returns a copy of ctx carrying data.
func WithStoreData(ctx context.Context, data *StoreData) context.Context {
	return context.WithValue(ctx, storeDataKey{}, data)
}

// StoreDataFrom returns the StoreData carried by ctx, or nil.
func StoreDataFrom(ctx context.Context) *StoreData {
	data, _ := ctx.Value(storeDataKey{}).(*StoreData)
	return data
}
