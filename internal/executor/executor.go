// Package executor runs calls into a supervisor module.
//
// A supervisor exports methods of type (input_ptr i32, input_len i32) -> i64.
// The input is copied into a buffer allocated on the supervisor's heap and
// the result packs the pointer of the output in the low 32 bits and its
// length in the high 32 bits.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-sandbox-host/internal/host"
	"github.com/woxQAQ/wasm-sandbox-host/internal/sandbox"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
	"github.com/woxQAQ/wasm-sandbox-host/pkg/protocol"
)

// HeapBaseExport is the global marking where the supervisor's heap starts.
const HeapBaseExport = "__heap_base"

var (
	methodParams  = []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}
	methodResults = []api.ValueType{api.ValueTypeI64}
)

// Options configure an Executor.
type Options struct {
	// ModuleName is the name of a module compiled by the runtime's loader.
	ModuleName string

	// DispatchTable lists the export names of the supervisor's function
	// table. Nil means the supervisor has no table.
	DispatchTable []string

	// Limits of the sandbox store of every call.
	Limits sandbox.Limits

	// HeapExtraPages are grown on instantiation to give the heap room
	// before the first allocation.
	HeapExtraPages uint32
}

// Executor owns one supervisor instance. Calls are serialized.
type Executor struct {
	mu       sync.Mutex
	runtime  *wasm.Runtime
	instance *wasm.Instance
	data     *host.StoreData
	heapBase uint32
	logger   *zap.Logger
}

// New instantiates the supervisor opts.ModuleName.
func New(ctx context.Context, runtime *wasm.Runtime, opts Options, logger *zap.Logger) (*Executor, error) {
	// The host module is shared by every supervisor of the runtime.
	if err := runtime.EnsureHostModule(ctx, host.ModuleName, host.Functions(logger)); err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("component", "executor"), zap.String("module", opts.ModuleName))

	data := &host.StoreData{Limits: opts.Limits}
	if opts.DispatchTable != nil {
		data.Table = wasm.NewExportTable(opts.DispatchTable)
	}

	instance, err := wasm.NewInstanceManager(runtime, logger).Instantiate(
		host.WithStoreData(ctx, data),
		&wasm.InstanceConfig{ModuleName: opts.ModuleName},
	)
	if err != nil {
		return nil, err
	}

	mem, err := instance.Memory()
	if err != nil {
		_ = instance.Close(ctx)
		return nil, err
	}
	if opts.HeapExtraPages > 0 {
		if _, ok := mem.Grow(opts.HeapExtraPages); !ok {
			_ = instance.Close(ctx)
			return nil, fmt.Errorf("cannot grow memory of %s by %d pages", opts.ModuleName, opts.HeapExtraPages)
		}
	}
	data.Memory = mem

	heapBase := heapBaseOf(instance.Module())
	logger.Info("Supervisor instantiated",
		zap.String("instance_id", instance.ID),
		zap.Uint32("heap_base", heapBase),
		zap.Int("dispatch_table", len(opts.DispatchTable)),
	)

	return &Executor{
		runtime:  runtime,
		instance: instance,
		data:     data,
		heapBase: heapBase,
		logger:   logger,
	}, nil
}

// heapBaseOf reads the heap base global, or returns 0 if there is none.
func heapBaseOf(mod api.Module) uint32 {
	g := mod.ExportedGlobal(HeapBaseExport)
	if g == nil || g.Type() != api.ValueTypeI32 {
		return 0
	}
	return api.DecodeU32(g.Get())
}

// Call runs method with input and returns its output.
//
// Every call gets a fresh heap and an empty sandbox store. Sandbox instances
// and memories left over by the supervisor are released when the call
// returns.
func (e *Executor) Call(ctx context.Context, method string, input []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn, err := e.instance.Function(method)
	if err != nil {
		return nil, err
	}
	if err := wasm.CheckSignature(method, fn, methodParams, methodResults); err != nil {
		return nil, err
	}

	state := host.NewState(e.runtime, e.data.Limits, e.heapBase, e.logger)
	e.data.HostState = state
	defer func() {
		if stats, err := state.AllocationStats(); err == nil {
			e.logger.Debug("Runtime call finished",
				zap.String("method", method),
				zap.Uint32("bytes_allocated_peak", stats.BytesAllocatedPeak),
				zap.Uint32("address_space_used", stats.AddressSpaceUsed),
			)
		}
		if err := state.Close(ctx); err != nil {
			e.logger.Warn("Failed to release sandbox store", zap.String("method", method), zap.Error(err))
		}
		e.data.HostState = nil
	}()

	ctx = host.WithStoreData(ctx, e.data)
	hc, err := host.NewContext(ctx, e.instance.Module())
	if err != nil {
		return nil, err
	}

	inputPtr, err := hc.AllocateMemory(uint32(len(input)))
	if err != nil {
		return nil, &CallError{Method: method, Err: fmt.Errorf("allocating input: %w", err)}
	}
	if err := hc.WriteMemory(inputPtr, input); err != nil {
		return nil, &CallError{Method: method, Err: fmt.Errorf("writing input: %w", err)}
	}

	results, err := fn.Call(ctx, api.EncodeU32(inputPtr), api.EncodeU32(uint32(len(input))))
	if err != nil {
		if msg, ok := state.TakePanicMessage(); ok {
			return nil, &RuntimePanicError{Method: method, Message: msg, Err: err}
		}
		return nil, &CallError{Method: method, Err: err}
	}

	outputPtr, outputLen := protocol.UnpackPtrLen(results[0])
	output := make([]byte, outputLen)
	if err := hc.ReadMemoryInto(outputPtr, output); err != nil {
		return nil, &CallError{Method: method, Err: fmt.Errorf("reading output: %w", err)}
	}
	return output, nil
}

// Close releases the supervisor instance.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instance.Close(ctx)
}
