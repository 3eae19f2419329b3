package sandbox

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-sandbox-host/pkg/protocol"
)

// Instance is a sandboxed guest instance.
type Instance struct {
	id       uint32
	runtime  wazero.Runtime
	module   api.Module
	memories []*Memory
	logger   *zap.Logger

	// running counts invocations in flight. An instance torn down while
	// running is released when the outermost invocation returns.
	running      int
	closePending bool
	closed       bool
}

// ID returns the registry id, valid once the instance is registered.
func (i *Instance) ID() uint32 {
	return i.id
}

// Ptr returns an opaque handle identifying the instance.
func (i *Instance) Ptr() uint64 {
	return uint64(uintptr(unsafe.Pointer(i)))
}

// Invoke calls the export name with args. Calls the guest makes to its
// imports are routed through sc.
func (i *Instance) Invoke(ctx context.Context, name string, args []protocol.Value, sc Context) (protocol.ReturnValue, error) {
	if i.closed {
		return protocol.Unit, &ExecutionError{Export: name, Err: &NotFoundError{Kind: "instance", ID: i.id}}
	}

	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return protocol.Unit, &ExecutionError{Export: name, Err: ErrExportNotFound}
	}
	def := fn.Definition()

	params := def.ParamTypes()
	if len(params) != len(args) {
		return protocol.Unit, &ExecutionError{Export: name, Err: fmt.Errorf("%w: got %d, want %d", ErrArgumentMismatch, len(args), len(params))}
	}
	raw := make([]uint64, len(args))
	for k, arg := range args {
		if arg.Type != protocol.ValueType(params[k]) {
			return protocol.Unit, &ExecutionError{Export: name, Err: fmt.Errorf("%w: argument %d is %s, want %s", ErrArgumentMismatch, k, arg.Type, protocol.ValueType(params[k]))}
		}
		raw[k] = arg.Raw()
	}

	i.running++
	defer func() {
		i.running--
		if i.running == 0 && i.closePending {
			if err := i.release(ctx); err != nil {
				i.logger.Warn("Failed to release sandbox instance", zap.Uint32("instance_id", i.id), zap.Error(err))
			}
		}
	}()

	results, err := fn.Call(WithContext(ctx, sc), raw...)
	if err != nil {
		return protocol.Unit, &ExecutionError{Export: name, Err: err}
	}

	resultTypes := def.ResultTypes()
	switch len(resultTypes) {
	case 0:
		return protocol.Unit, nil
	case 1:
		v, err := protocol.FromRaw(protocol.ValueType(resultTypes[0]), results[0])
		if err != nil {
			return protocol.Unit, &ExecutionError{Export: name, Err: fmt.Errorf("%w: %w", ErrUnexpectedResult, err)}
		}
		return protocol.ReturnOf(v), nil
	default:
		return protocol.Unit, &ExecutionError{Export: name, Err: fmt.Errorf("%w: %d results", ErrUnexpectedResult, len(resultTypes))}
	}
}

// GetGlobalVal returns the value of the exported global name.
func (i *Instance) GetGlobalVal(name string) (protocol.Value, bool) {
	g := i.global(name)
	if g == nil {
		return protocol.Value{}, false
	}
	v, err := protocol.FromRaw(protocol.ValueType(g.Type()), g.Get())
	if err != nil {
		return protocol.Value{}, false
	}
	return v, true
}

// GetGlobalI64 returns the value of the exported global name if it is an i64.
func (i *Instance) GetGlobalI64(name string) (int64, bool) {
	g := i.global(name)
	if g == nil || g.Type() != api.ValueTypeI64 {
		return 0, false
	}
	return int64(g.Get()), true
}

// SetGlobalI64 sets the exported global name. found is false if there is no
// such global; err is set if it exists but is not a mutable i64.
func (i *Instance) SetGlobalI64(name string, value int64) (found bool, err error) {
	g := i.global(name)
	if g == nil {
		return false, nil
	}
	if g.Type() != api.ValueTypeI64 {
		return true, ErrGlobalTypeMismatch
	}
	mg, ok := g.(api.MutableGlobal)
	if !ok {
		return true, ErrGlobalImmutable
	}
	mg.Set(uint64(value))
	return true, nil
}

func (i *Instance) global(name string) api.Global {
	if i.closed {
		return nil
	}
	return i.module.ExportedGlobal(name)
}

// Close releases the instance, or defers it until the running invocation
// returns.
func (i *Instance) Close(ctx context.Context) error {
	if i.closed {
		return nil
	}
	if i.running > 0 {
		i.closePending = true
		return nil
	}
	return i.release(ctx)
}

func (i *Instance) release(ctx context.Context) error {
	i.closed = true
	i.closePending = false
	for _, mem := range i.memories {
		mem.detach()
	}
	i.memories = nil
	return i.runtime.Close(ctx)
}
