package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"

	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
	"github.com/woxQAQ/wasm-sandbox-host/pkg/protocol"
)

// funcImport is a guest function import served by a supervisor function.
type funcImport struct {
	module, name string
	index        uint32
	params       []api.ValueType
	results      []api.ValueType
}

// hostFunc returns the host function that forwards calls of the import to
// the supervisor through the sandbox context of the call.
func (f funcImport) hostFunc() wasm.HostFunc {
	return wasm.HostFunc{
		Name:    f.name,
		Params:  f.params,
		Results: f.results,
		Fn: func(ctx context.Context, _ api.Module, stack []uint64) error {
			if err := f.call(ctx, stack); err != nil {
				return &HostCallError{Module: f.module, Name: f.name, Err: err}
			}
			return nil
		},
	}
}

func (f funcImport) call(ctx context.Context, stack []uint64) error {
	sc := FromContext(ctx)
	if sc == nil {
		return ErrNoSandboxContext
	}

	args := make([]protocol.Value, len(f.params))
	for i, t := range f.params {
		v, err := protocol.FromRaw(protocol.ValueType(t), stack[i])
		if err != nil {
			return err
		}
		args[i] = v
	}

	ret, err := Dispatch(ctx, sc, f.index, args)
	if err != nil {
		return err
	}
	if err := checkReturn(ret, f.results); err != nil {
		return fmt.Errorf("supervisor function %d: %w", f.index, err)
	}
	if ret.HasValue {
		stack[0] = ret.Value.Raw()
	}
	return nil
}

func checkReturn(ret protocol.ReturnValue, results []api.ValueType) error {
	switch {
	case len(results) == 0 && !ret.HasValue:
		return nil
	case len(results) == 1 && ret.HasValue && ret.Value.Type == protocol.ValueType(results[0]):
		return nil
	case ret.HasValue:
		return fmt.Errorf("%w: returned %s", ErrUnexpectedResult, ret.Value.Type)
	default:
		return fmt.Errorf("%w: returned no value", ErrUnexpectedResult)
	}
}

// Dispatch calls supervisor function funcIdx with args through sc.
//
// The arguments are encoded into a buffer allocated on the supervisor's
// heap. The supervisor returns a packed pointer to an encoded ReturnValue
// that it allocated on the same heap; Dispatch frees both buffers.
func Dispatch(ctx context.Context, sc Context, funcIdx uint32, args []protocol.Value) (protocol.ReturnValue, error) {
	fc := sc.SupervisorContext()

	encoded := protocol.EncodeValues(args)
	argsPtr, err := fc.AllocateMemory(uint32(len(encoded)))
	if err != nil {
		return protocol.Unit, fmt.Errorf("allocating dispatch arguments: %w", err)
	}
	if err := fc.WriteMemory(argsPtr, encoded); err != nil {
		return protocol.Unit, multierr.Append(err, fc.DeallocateMemory(argsPtr))
	}

	packed, err := sc.Invoke(ctx, argsPtr, uint32(len(encoded)), funcIdx)
	deallocErr := fc.DeallocateMemory(argsPtr)
	if err != nil {
		return protocol.Unit, err
	}
	if deallocErr != nil {
		return protocol.Unit, fmt.Errorf("freeing dispatch arguments: %w", deallocErr)
	}

	resultPtr, resultLen := protocol.UnpackPtrLen(uint64(packed))
	if resultLen > protocol.ReturnValueMaxEncodedSize {
		return protocol.Unit, fmt.Errorf("%w: encoded return value of %d bytes", ErrUnexpectedResult, resultLen)
	}
	buf := make([]byte, resultLen)
	if err := fc.ReadMemoryInto(resultPtr, buf); err != nil {
		return protocol.Unit, fmt.Errorf("reading dispatch result: %w", err)
	}
	if err := fc.DeallocateMemory(resultPtr); err != nil {
		return protocol.Unit, fmt.Errorf("freeing dispatch result: %w", err)
	}

	ret, err := protocol.DecodeReturnValue(buf)
	if err != nil {
		return protocol.Unit, fmt.Errorf("%w: %w", ErrUnexpectedResult, err)
	}
	return ret, nil
}
