package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasmbin"
	"github.com/woxQAQ/wasm-sandbox-host/pkg/protocol"
)

func addGuest() []byte {
	var m wasmbin.Module
	add := m.AddFunc(wasmbin.FuncType{Params: []api.ValueType{i32, i32}, Results: []api.ValueType{i32}}, nil,
		wasmbin.LocalGet(0), wasmbin.LocalGet(1), wasmbin.I32Add())
	m.ExportFunc("add", add)
	trap := m.AddFunc(wasmbin.FuncType{}, nil, wasmbin.Unreachable())
	m.ExportFunc("trap", trap)
	return m.Bytes()
}

// importGuest exports run(x) = env.double(x) + 1.
func importGuest() []byte {
	var m wasmbin.Module
	double := m.ImportFunc("env", "double", wasmbin.FuncType{Params: []api.ValueType{i32}, Results: []api.ValueType{i32}})
	run := m.AddFunc(wasmbin.FuncType{Params: []api.ValueType{i32}, Results: []api.ValueType{i32}}, nil,
		wasmbin.LocalGet(0), wasmbin.Call(double), wasmbin.I32Const(1), wasmbin.I32Add())
	m.ExportFunc("run", run)
	return m.Bytes()
}

func globalsGuest() []byte {
	var m wasmbin.Module
	m.ExportGlobal("counter", m.AddGlobal(i64, true, wasmbin.I64Const(41)))
	m.ExportGlobal("fixed", m.AddGlobal(i64, false, wasmbin.I64Const(7)))
	m.ExportGlobal("small", m.AddGlobal(i32, true, wasmbin.I32Const(-3)))
	return m.Bytes()
}

// memoryGuest imports env.memory and exports load() and store(v), which
// access the i32 at offset 0 and 4.
func memoryGuest() []byte {
	var m wasmbin.Module
	m.ImportMemory("env", "memory", wasmbin.Limits{Min: 1})
	load := m.AddFunc(wasmbin.FuncType{Results: []api.ValueType{i32}}, nil,
		wasmbin.I32Const(0), wasmbin.I32Load(0))
	m.ExportFunc("load", load)
	store := m.AddFunc(wasmbin.FuncType{Params: []api.ValueType{i32}}, nil,
		wasmbin.I32Const(4), wasmbin.LocalGet(0), wasmbin.I32Store(0))
	m.ExportFunc("store", store)
	return m.Bytes()
}

func TestInvokeExport(t *testing.T) {
	store := newTestStore(t)
	sup := newFakeSupervisor()
	inst, id := instantiate(t, store, sup, addGuest())

	got, err := store.Instance(id)
	require.NoError(t, err)
	assert.Same(t, inst, got)
	assert.Equal(t, id, inst.ID())
	assert.NotZero(t, inst.Ptr())

	ret, err := inst.Invoke(context.Background(), "add", []protocol.Value{protocol.I32(2), protocol.I32(3)}, sup)
	require.NoError(t, err)
	require.True(t, ret.HasValue)
	v, _ := ret.Value.AsI32()
	assert.Equal(t, int32(5), v)

	ret, err = inst.Invoke(context.Background(), "add", []protocol.Value{protocol.I32(-1), protocol.I32(-1)}, sup)
	require.NoError(t, err)
	v, _ = ret.Value.AsI32()
	assert.Equal(t, int32(-2), v)
}

func TestInvokeFailures(t *testing.T) {
	store := newTestStore(t)
	sup := newFakeSupervisor()
	inst, _ := instantiate(t, store, sup, addGuest())
	ctx := context.Background()

	var execErr *ExecutionError

	_, err := inst.Invoke(ctx, "missing", nil, sup)
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, ErrExportNotFound)

	_, err = inst.Invoke(ctx, "add", []protocol.Value{protocol.I32(1)}, sup)
	assert.ErrorIs(t, err, ErrArgumentMismatch)

	_, err = inst.Invoke(ctx, "add", []protocol.Value{protocol.I32(1), protocol.I64(1)}, sup)
	assert.ErrorIs(t, err, ErrArgumentMismatch)

	ret, err := inst.Invoke(ctx, "trap", nil, sup)
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "trap", execErr.Export)
	assert.False(t, ret.HasValue)

	// The instance stays usable after a trap.
	_, err = inst.Invoke(ctx, "add", []protocol.Value{protocol.I32(1), protocol.I32(1)}, sup)
	assert.NoError(t, err)
}

func TestGuestImportDispatchesToSupervisor(t *testing.T) {
	store := newTestStore(t)
	sup := newFakeSupervisor()
	sup.handlers[7] = func(args []protocol.Value) (protocol.ReturnValue, error) {
		x, ok := args[0].AsI32()
		if !ok || len(args) != 1 {
			return protocol.Unit, errors.New("bad arguments")
		}
		return protocol.ReturnOf(protocol.I32(x * 2)), nil
	}

	inst, _ := instantiate(t, store, sup, importGuest(), funcEntry("env", "double", 7))

	before := sup.heap.Stats()
	ret, err := inst.Invoke(context.Background(), "run", []protocol.Value{protocol.I32(20)}, sup)
	require.NoError(t, err)
	v, _ := ret.Value.AsI32()
	assert.Equal(t, int32(41), v)
	assert.Equal(t, 1, sup.calls)

	after := sup.heap.Stats()
	assert.Equal(t, before.Allocations, after.Allocations, "dispatch buffers are freed")
	assert.Equal(t, before.BytesAllocated, after.BytesAllocated)
}

func TestGuestImportWrongReturnTypeTraps(t *testing.T) {
	store := newTestStore(t)
	sup := newFakeSupervisor()
	sup.handlers[7] = func([]protocol.Value) (protocol.ReturnValue, error) {
		return protocol.ReturnOf(protocol.I64(1)), nil
	}
	inst, _ := instantiate(t, store, sup, importGuest(), funcEntry("env", "double", 7))

	_, err := inst.Invoke(context.Background(), "run", []protocol.Value{protocol.I32(1)}, sup)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, err.Error(), ErrUnexpectedResult.Error())
}

func TestGuestImportSupervisorFailureTraps(t *testing.T) {
	store := newTestStore(t)
	sup := newFakeSupervisor()
	inst, _ := instantiate(t, store, sup, importGuest(), funcEntry("env", "double", 99))

	_, err := inst.Invoke(context.Background(), "run", []protocol.Value{protocol.I32(1)}, sup)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown supervisor function")
}

func TestInstantiateMissingImport(t *testing.T) {
	store := newTestStore(t)
	env, err := DecodeGuestEnvironment(store, environment(funcEntry("env", "other", 1)))
	require.NoError(t, err)

	_, err = store.Instantiate(context.Background(), importGuest(), env, newFakeSupervisor())
	var instErr *InstantiationError
	require.ErrorAs(t, err, &instErr)
	var importErr *ImportError
	require.ErrorAs(t, err, &importErr)
	assert.Equal(t, "double", importErr.Name)
	assert.NotErrorIs(t, err, ErrStartTrapped)
}

func TestInstantiateMalformedModule(t *testing.T) {
	store := newTestStore(t)
	env, err := DecodeGuestEnvironment(store, environment())
	require.NoError(t, err)

	_, err = store.Instantiate(context.Background(), []byte("not wasm"), env, newFakeSupervisor())
	var instErr *InstantiationError
	require.ErrorAs(t, err, &instErr)
	assert.NotErrorIs(t, err, ErrStartTrapped)
}

func TestInstantiateStartTrap(t *testing.T) {
	store := newTestStore(t)

	var m wasmbin.Module
	m.SetStart(m.AddFunc(wasmbin.FuncType{}, nil, wasmbin.Unreachable()))

	env, err := DecodeGuestEnvironment(store, environment())
	require.NoError(t, err)
	_, err = store.Instantiate(context.Background(), m.Bytes(), env, newFakeSupervisor())
	assert.ErrorIs(t, err, ErrStartTrapped)
	assert.Empty(t, store.instances, "nothing is registered")
}

func TestStartFunctionCallsSupervisor(t *testing.T) {
	store := newTestStore(t)
	sup := newFakeSupervisor()
	sup.handlers[3] = func([]protocol.Value) (protocol.ReturnValue, error) { return protocol.Unit, nil }

	var m wasmbin.Module
	notify := m.ImportFunc("env", "notify", wasmbin.FuncType{})
	m.SetStart(m.AddFunc(wasmbin.FuncType{}, nil, wasmbin.Call(notify)))

	instantiate(t, store, sup, m.Bytes(), funcEntry("env", "notify", 3))
	assert.Equal(t, 1, sup.calls)
}

func TestStartFunctionSupervisorFailureTraps(t *testing.T) {
	store := newTestStore(t)
	sup := newFakeSupervisor()
	sup.handlers[3] = func([]protocol.Value) (protocol.ReturnValue, error) {
		return protocol.Unit, errors.New("supervisor refused")
	}

	var m wasmbin.Module
	notify := m.ImportFunc("env", "notify", wasmbin.FuncType{})
	m.SetStart(m.AddFunc(wasmbin.FuncType{}, nil, wasmbin.Call(notify)))

	env, err := DecodeGuestEnvironment(store, environment(funcEntry("env", "notify", 3)))
	require.NoError(t, err)
	_, err = store.Instantiate(context.Background(), m.Bytes(), env, sup)
	assert.ErrorIs(t, err, ErrStartTrapped)

	var hostErr *HostCallError
	require.ErrorAs(t, err, &hostErr)
	assert.Equal(t, "notify", hostErr.Name)
	assert.Contains(t, err.Error(), "supervisor refused")
	assert.Equal(t, 1, sup.calls)
}

func TestIsTrapMatchesEngineErrors(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })

	var trapping wasmbin.Module
	trapping.SetStart(trapping.AddFunc(wasmbin.FuncType{}, nil, wasmbin.Unreachable()))
	_, err := r.InstantiateWithConfig(ctx, trapping.Bytes(), wazero.NewModuleConfig().WithName("trapping"))
	require.Error(t, err)
	assert.True(t, isTrap(err), "unreachable in start: %v", err)

	var unlinked wasmbin.Module
	unlinked.ImportFunc("absent", "f", wasmbin.FuncType{})
	_, err = r.InstantiateWithConfig(ctx, unlinked.Bytes(), wazero.NewModuleConfig().WithName("unlinked"))
	require.Error(t, err)
	assert.False(t, isTrap(err), "missing import: %v", err)

	_, err = r.CompileModule(ctx, []byte{0x00, 0x61, 0x73, 0x6d})
	require.Error(t, err)
	assert.False(t, isTrap(err), "malformed binary: %v", err)
}

func TestGlobals(t *testing.T) {
	store := newTestStore(t)
	inst, _ := instantiate(t, store, newFakeSupervisor(), globalsGuest())

	v, ok := inst.GetGlobalVal("counter")
	require.True(t, ok)
	assert.Equal(t, protocol.I64(41), v)

	v, ok = inst.GetGlobalVal("small")
	require.True(t, ok)
	assert.Equal(t, protocol.I32(-3), v)

	_, ok = inst.GetGlobalVal("missing")
	assert.False(t, ok)

	n, ok := inst.GetGlobalI64("fixed")
	assert.True(t, ok)
	assert.Equal(t, int64(7), n)
	_, ok = inst.GetGlobalI64("small")
	assert.False(t, ok, "not an i64")

	found, err := inst.SetGlobalI64("counter", -100)
	assert.True(t, found)
	assert.NoError(t, err)
	n, _ = inst.GetGlobalI64("counter")
	assert.Equal(t, int64(-100), n)

	found, err = inst.SetGlobalI64("missing", 1)
	assert.False(t, found)
	assert.NoError(t, err)

	found, err = inst.SetGlobalI64("fixed", 1)
	assert.True(t, found)
	assert.ErrorIs(t, err, ErrGlobalImmutable)

	found, err = inst.SetGlobalI64("small", 1)
	assert.True(t, found)
	assert.ErrorIs(t, err, ErrGlobalTypeMismatch)
}

func TestInstanceTeardown(t *testing.T) {
	store := newTestStore(t)
	sup := newFakeSupervisor()
	_, first := instantiate(t, store, sup, addGuest())
	_, second := instantiate(t, store, sup, addGuest())
	assert.NotEqual(t, first, second)

	require.NoError(t, store.InstanceTeardown(context.Background(), first))

	var notFound *NotFoundError
	_, err := store.Instance(first)
	assert.ErrorAs(t, err, &notFound)
	_, err = store.DispatchThunk(first)
	assert.ErrorAs(t, err, &notFound)
	assert.ErrorAs(t, store.InstanceTeardown(context.Background(), first), &notFound)

	thunk, err := store.DispatchThunk(second)
	require.NoError(t, err)
	assert.Equal(t, "dispatch_thunk", thunk.Name())

	_, third := instantiate(t, store, sup, addGuest())
	assert.NotEqual(t, first, third, "ids are not reused")
}

func TestInstanceCountLimit(t *testing.T) {
	store := NewStore(testBackend{}, Limits{MaxInstances: 1, MemoryLimitPages: 4}, newTestStore(t).logger)
	sup := newFakeSupervisor()
	_, id := instantiate(t, store, sup, addGuest())

	env, err := DecodeGuestEnvironment(store, environment())
	require.NoError(t, err)
	_, err = store.Instantiate(context.Background(), addGuest(), env, sup)
	assert.ErrorIs(t, err, ErrTooManyInstances)

	require.NoError(t, store.InstanceTeardown(context.Background(), id))
	instantiate(t, store, sup, addGuest())
}

func TestImportedMemory(t *testing.T) {
	store := newTestStore(t)
	sup := newFakeSupervisor()
	ctx := context.Background()

	memID, err := store.NewMemory(1, 2)
	require.NoError(t, err)
	mem, err := store.Memory(memID)
	require.NoError(t, err)
	require.NoError(t, wasm.WriteMemory(mem, 0, []byte{0x2a, 0, 0, 0}))

	inst, instID := instantiate(t, store, sup, memoryGuest(), memoryEntry("env", "memory", memID))
	assert.True(t, mem.Attached())

	ret, err := inst.Invoke(ctx, "load", nil, sup)
	require.NoError(t, err)
	v, _ := ret.Value.AsI32()
	assert.Equal(t, int32(42), v, "guest sees bytes written before instantiation")

	_, err = inst.Invoke(ctx, "store", []protocol.Value{protocol.I32(0x01020304)}, sup)
	require.NoError(t, err)
	got, err := wasm.ReadMemory(mem, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 3, 2, 1}, got, "host sees guest writes")

	prev, err := mem.Grow(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), prev)
	assert.Equal(t, uint32(2), mem.Pages())

	// A second guest cannot import a memory that is in use.
	env, err := DecodeGuestEnvironment(store, environment(memoryEntry("env", "memory", memID)))
	require.NoError(t, err)
	_, err = store.Instantiate(ctx, memoryGuest(), env, sup)
	var importErr *ImportError
	assert.ErrorAs(t, err, &importErr)

	require.NoError(t, store.InstanceTeardown(ctx, instID))
	assert.False(t, mem.Attached())
	assert.Equal(t, uint32(2), mem.Pages())
	got, err = wasm.ReadMemory(mem, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 3, 2, 1}, got, "contents survive detaching")

	// Now it can be imported again.
	instantiate(t, store, sup, memoryGuest(), memoryEntry("env", "memory", memID))
}

func TestMemoryImportWithFunctions(t *testing.T) {
	store := newTestStore(t)
	sup := newFakeSupervisor()
	sup.handlers[1] = func(args []protocol.Value) (protocol.ReturnValue, error) {
		return protocol.ReturnOf(args[0]), nil
	}

	var m wasmbin.Module
	echo := m.ImportFunc("env", "echo", wasmbin.FuncType{Params: []api.ValueType{i64}, Results: []api.ValueType{i64}})
	m.ImportMemory("env", "memory", wasmbin.Limits{Min: 1})
	run := m.AddFunc(wasmbin.FuncType{Results: []api.ValueType{i64}}, nil, wasmbin.I64Const(-9), wasmbin.Call(echo))
	m.ExportFunc("run", run)

	memID, err := store.NewMemory(1, 1)
	require.NoError(t, err)
	inst, _ := instantiate(t, store, sup, m.Bytes(), funcEntry("env", "echo", 1), memoryEntry("env", "memory", memID))

	ret, err := inst.Invoke(context.Background(), "run", nil, sup)
	require.NoError(t, err)
	assert.Equal(t, protocol.I64(-9), ret.Value)
}

func TestFailedInstantiationDetachesMemory(t *testing.T) {
	store := newTestStore(t)
	memID, err := store.NewMemory(1, 1)
	require.NoError(t, err)
	mem, err := store.Memory(memID)
	require.NoError(t, err)

	var m wasmbin.Module
	m.ImportMemory("env", "memory", wasmbin.Limits{Min: 1})
	m.SetStart(m.AddFunc(wasmbin.FuncType{}, nil, wasmbin.Unreachable()))

	env, err := DecodeGuestEnvironment(store, environment(memoryEntry("env", "memory", memID)))
	require.NoError(t, err)
	_, err = store.Instantiate(context.Background(), m.Bytes(), env, newFakeSupervisor())
	require.ErrorIs(t, err, ErrStartTrapped)
	assert.False(t, mem.Attached())
}

func TestDecodeGuestEnvironment(t *testing.T) {
	store := newTestStore(t)

	_, err := DecodeGuestEnvironment(store, []byte{0x04, 0x00})
	assert.Error(t, err, "malformed input")

	_, err = DecodeGuestEnvironment(store, environment(memoryEntry("env", "memory", 3)))
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound, "memory must exist")

	memID, err := store.NewMemory(0, 1)
	require.NoError(t, err)
	env, err := DecodeGuestEnvironment(store, environment(
		funcEntry("env", "f", 1),
		funcEntry("env", "f", 2),
		memoryEntry("env", "m", memID),
	))
	require.NoError(t, err)

	idx, ok := env.Func("env", "f")
	assert.True(t, ok)
	assert.Equal(t, uint32(2), idx, "later entries win")
	_, ok = env.Memory("env", "m")
	assert.True(t, ok)
	_, ok = env.Func("other", "f")
	assert.False(t, ok)
}

func TestStoreClose(t *testing.T) {
	store := newTestStore(t)
	sup := newFakeSupervisor()
	inst, _ := instantiate(t, store, sup, addGuest())

	require.NoError(t, store.Close(context.Background()))

	_, err := inst.Invoke(context.Background(), "add", []protocol.Value{protocol.I32(1), protocol.I32(1)}, sup)
	assert.Error(t, err)
	_, err = store.Instance(0)
	assert.Error(t, err)
}
