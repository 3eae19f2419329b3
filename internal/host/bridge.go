package host

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/woxQAQ/wasm-sandbox-host/internal/sandbox"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
)

// Dispatch thunk signature: (args_ptr, args_len, state, func_idx) -> packed result.
var (
	thunkParams  = []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}
	thunkResults = []api.ValueType{api.ValueTypeI64}
)

// sandboxContext routes calls a guest makes to its imports back to the
// supervisor's dispatch thunk.
type sandboxContext struct {
	host  *Context
	thunk wasm.FuncRef
	state uint32
}

var _ sandbox.Context = (*sandboxContext)(nil)

func (c *Context) sandboxContext(thunk wasm.FuncRef, state uint32) *sandboxContext {
	return &sandboxContext{host: c, thunk: thunk, state: state}
}

func (sc *sandboxContext) Invoke(ctx context.Context, argsPtr, argsLen, funcIdx uint32) (int64, error) {
	fn := sc.thunk.Resolve(sc.host.caller)
	if fn == nil {
		return 0, &DispatchError{
			Thunk: sc.thunk.Name(),
			Err:   &wasm.FunctionNotFoundError{ModuleName: sc.host.caller.Name(), FunctionName: sc.thunk.Name()},
		}
	}
	if err := wasm.CheckSignature(sc.thunk.Name(), fn, thunkParams, thunkResults); err != nil {
		return 0, &DispatchError{Thunk: sc.thunk.Name(), Err: fmt.Errorf("%w: %w", ErrUnexpectedThunkResult, err)}
	}

	results, err := fn.Call(ctx,
		api.EncodeU32(argsPtr),
		api.EncodeU32(argsLen),
		api.EncodeU32(sc.state),
		api.EncodeU32(funcIdx),
	)
	if err != nil {
		return 0, &DispatchError{Thunk: sc.thunk.Name(), Err: err}
	}
	return int64(results[0]), nil
}

func (sc *sandboxContext) SupervisorContext() wasm.FunctionContext {
	return sc.host
}
