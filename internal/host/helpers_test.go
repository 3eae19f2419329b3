package host

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/wasm-sandbox-host/internal/sandbox"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasmbin"
	"github.com/woxQAQ/wasm-sandbox-host/pkg/protocol"
)

const testHeapBase = 1024

// Table of the test supervisor.
const (
	nullThunk    = 0
	dispatchFunc = 1
	missingThunk = 2
	badThunk     = 3
)

type testBackend struct{}

func (testBackend) NewSandboxRuntime(ctx context.Context) wazero.Runtime {
	return wazero.NewRuntime(ctx)
}

type handler func(c *Context, args []protocol.Value) (protocol.ReturnValue, error)

// fixture is a supervisor whose dispatch thunk forwards to Go handlers.
type fixture struct {
	ctx      context.Context
	data     *StoreData
	mod      api.Module
	handlers map[uint32]handler
	states   []uint32
}

// supervisorModule exports memory, dispatch_thunk which calls test.dispatch,
// and bad_thunk which has the wrong signature.
func supervisorModule() []byte {
	var m wasmbin.Module
	thunkType := wasmbin.FuncType{Params: []api.ValueType{i32, i32, i32, i32}, Results: []api.ValueType{i64}}
	dispatch := m.ImportFunc("test", "dispatch", thunkType)
	m.ExportMemory("memory", m.AddMemory(wasmbin.Limits{Min: 2}))
	thunk := m.AddFunc(thunkType, nil,
		wasmbin.LocalGet(0), wasmbin.LocalGet(1), wasmbin.LocalGet(2), wasmbin.LocalGet(3),
		wasmbin.Call(dispatch))
	m.ExportFunc("dispatch_thunk", thunk)
	bad := m.AddFunc(wasmbin.FuncType{Params: []api.ValueType{i32}, Results: []api.ValueType{i32}}, nil,
		wasmbin.LocalGet(0))
	m.ExportFunc("bad_thunk", bad)
	return m.Bytes()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })

	f := &fixture{handlers: make(map[uint32]handler)}

	builder := r.NewHostModuleBuilder("test")
	wasm.ExportHostFunctions(builder, []wasm.HostFunc{{
		Name:    "dispatch",
		Params:  []api.ValueType{i32, i32, i32, i32},
		Results: []api.ValueType{i64},
		Fn:      f.dispatch,
	}})
	_, err := builder.Instantiate(ctx)
	require.NoError(t, err)

	f.mod, err = r.InstantiateWithConfig(ctx, supervisorModule(), wazero.NewModuleConfig().WithName("supervisor"))
	require.NoError(t, err)

	limits := sandbox.DefaultLimits()
	f.data = &StoreData{
		Limits:    limits,
		HostState: NewState(testBackend{}, limits, testHeapBase, zaptest.NewLogger(t)),
		Memory:    f.mod.ExportedMemory("memory"),
		Table:     wasm.NewExportTable([]string{"", "dispatch_thunk", "missing", "bad_thunk"}),
	}
	f.ctx = WithStoreData(ctx, f.data)
	t.Cleanup(func() { f.data.HostState.Close(ctx) })
	return f
}

func (f *fixture) context(t *testing.T) *Context {
	t.Helper()
	c, err := NewContext(f.ctx, f.mod)
	require.NoError(t, err)
	return c
}

func (f *fixture) dispatch(ctx context.Context, mod api.Module, stack []uint64) error {
	c, err := NewContext(ctx, mod)
	if err != nil {
		return err
	}
	argsPtr, argsLen := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	state, funcIdx := api.DecodeU32(stack[2]), api.DecodeU32(stack[3])
	f.states = append(f.states, state)

	raw := make([]byte, argsLen)
	if err := c.ReadMemoryInto(argsPtr, raw); err != nil {
		return err
	}
	args, err := protocol.DecodeValues(raw)
	if err != nil {
		return err
	}
	h, ok := f.handlers[funcIdx]
	if !ok {
		return fmt.Errorf("no handler for function %d", funcIdx)
	}
	ret, err := h(c, args)
	if err != nil {
		return err
	}
	packed, err := c.allocateBytes(protocol.EncodeReturnValue(ret))
	if err != nil {
		return err
	}
	stack[0] = packed
	return nil
}

// put copies data into a fresh supervisor allocation.
func put(t *testing.T, c *Context, data []byte) uint32 {
	t.Helper()
	ptr, err := c.AllocateMemory(uint32(len(data)))
	require.NoError(t, err)
	require.NoError(t, c.WriteMemory(ptr, data))
	return ptr
}

func read(t *testing.T, c *Context, ptr, n uint32) []byte {
	t.Helper()
	buf := make([]byte, n)
	require.NoError(t, c.ReadMemoryInto(ptr, buf))
	return buf
}

func environment(entries ...protocol.Entry) []byte {
	return (&protocol.EnvironmentDefinition{Entries: entries}).Encode()
}

func funcEntry(module, name string, index uint32) protocol.Entry {
	return protocol.Entry{ModuleName: module, FieldName: name, Entity: protocol.ExternEntity{Kind: protocol.ExternFunction, Index: index}}
}

// Guest fixtures.

func addGuest() []byte {
	var m wasmbin.Module
	add := m.AddFunc(wasmbin.FuncType{Params: []api.ValueType{i32, i32}, Results: []api.ValueType{i32}}, nil,
		wasmbin.LocalGet(0), wasmbin.LocalGet(1), wasmbin.I32Add())
	m.ExportFunc("add", add)
	m.ExportFunc("nop", m.AddFunc(wasmbin.FuncType{}, nil))
	m.ExportFunc("trap", m.AddFunc(wasmbin.FuncType{}, nil, wasmbin.Unreachable()))
	m.ExportFunc("wide", m.AddFunc(wasmbin.FuncType{Results: []api.ValueType{i64}}, nil, wasmbin.I64Const(-1)))
	m.ExportGlobal("counter", m.AddGlobal(i64, true, wasmbin.I64Const(1)))
	m.ExportGlobal("fixed", m.AddGlobal(i64, false, wasmbin.I64Const(2)))
	m.ExportGlobal("small", m.AddGlobal(i32, true, wasmbin.I32Const(3)))
	return m.Bytes()
}

// doubleGuest exports run(x) = env.double(x) + 1.
func doubleGuest() []byte {
	var m wasmbin.Module
	double := m.ImportFunc("env", "double", wasmbin.FuncType{Params: []api.ValueType{i32}, Results: []api.ValueType{i32}})
	run := m.AddFunc(wasmbin.FuncType{Params: []api.ValueType{i32}, Results: []api.ValueType{i32}}, nil,
		wasmbin.LocalGet(0), wasmbin.Call(double), wasmbin.I32Const(1), wasmbin.I32Add())
	m.ExportFunc("run", run)
	return m.Bytes()
}

// startGuest calls env.notify from its start function.
func startGuest() []byte {
	var m wasmbin.Module
	notify := m.ImportFunc("env", "notify", wasmbin.FuncType{})
	m.SetStart(m.AddFunc(wasmbin.FuncType{}, nil, wasmbin.Call(notify)))
	return m.Bytes()
}

func trappingStartGuest() []byte {
	var m wasmbin.Module
	m.SetStart(m.AddFunc(wasmbin.FuncType{}, nil, wasmbin.Unreachable()))
	return m.Bytes()
}

// newInstance instantiates guest through the host context and returns its id.
func newInstance(t *testing.T, c *Context, guest []byte, entries ...protocol.Entry) uint32 {
	t.Helper()
	id, err := c.InstanceNew(dispatchFunc, guest, environment(entries...), 0)
	require.NoError(t, err)
	require.Less(t, id, uint32(0xFFFF_FFFD), "status code instead of an id")
	return id
}
