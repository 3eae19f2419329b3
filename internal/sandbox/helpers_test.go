package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/wasm-sandbox-host/internal/allocator"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
	"github.com/woxQAQ/wasm-sandbox-host/pkg/protocol"
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// testBackend gives every guest a plain wazero runtime.
type testBackend struct{}

func (testBackend) NewSandboxRuntime(ctx context.Context) wazero.Runtime {
	return wazero.NewRuntime(ctx)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := NewStore(testBackend{}, DefaultLimits(), zaptest.NewLogger(t))
	t.Cleanup(func() { store.Close(context.Background()) })
	return store
}

// heapMemory is a growable byte slice standing in for supervisor memory.
type heapMemory struct {
	buf []byte
}

func (m *heapMemory) Bytes() []byte            { return m.buf }
func (m *heapMemory) Pages() uint32            { return uint32(len(m.buf) / allocator.PageSize) }
func (m *heapMemory) MaxPages() (uint32, bool) { return 0, false }
func (m *heapMemory) Size() uint32             { return uint32(len(m.buf)) }

func (m *heapMemory) Grow(additional uint32) error {
	m.buf = append(m.buf, make([]byte, additional*allocator.PageSize)...)
	return nil
}

func (m *heapMemory) Read(offset, n uint32) ([]byte, bool) {
	if uint64(offset)+uint64(n) > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[offset : offset+n], true
}

func (m *heapMemory) Write(offset uint32, v []byte) bool {
	if uint64(offset)+uint64(len(v)) > uint64(len(m.buf)) {
		return false
	}
	copy(m.buf[offset:], v)
	return true
}

// fakeSupervisor serves dispatched calls with Go handlers, keeping
// arguments and results on a real heap so leaks show in the stats.
type fakeSupervisor struct {
	mem      *heapMemory
	heap     *allocator.FreeingBumpHeapAllocator
	handlers map[uint32]func(args []protocol.Value) (protocol.ReturnValue, error)
	calls    int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		mem:      &heapMemory{buf: make([]byte, allocator.PageSize)},
		heap:     allocator.NewFreeingBumpHeapAllocator(1024),
		handlers: make(map[uint32]func([]protocol.Value) (protocol.ReturnValue, error)),
	}
}

func (s *fakeSupervisor) ReadMemoryInto(address uint32, dest []byte) error {
	return wasm.ReadMemoryInto(s.mem, address, dest)
}

func (s *fakeSupervisor) WriteMemory(address uint32, data []byte) error {
	return wasm.WriteMemory(s.mem, address, data)
}

func (s *fakeSupervisor) AllocateMemory(size uint32) (uint32, error) {
	return s.heap.Allocate(s.mem, size)
}

func (s *fakeSupervisor) DeallocateMemory(ptr uint32) error {
	return s.heap.Deallocate(s.mem, ptr)
}

func (s *fakeSupervisor) RegisterPanicErrorMessage(string) {}

func (s *fakeSupervisor) Sandbox() wasm.Sandbox { return nil }

// Invoke plays the supervisor's dispatch thunk.
func (s *fakeSupervisor) Invoke(_ context.Context, argsPtr, argsLen, funcIdx uint32) (int64, error) {
	s.calls++
	raw := make([]byte, argsLen)
	if err := s.ReadMemoryInto(argsPtr, raw); err != nil {
		return 0, err
	}
	args, err := protocol.DecodeValues(raw)
	if err != nil {
		return 0, err
	}
	handler, ok := s.handlers[funcIdx]
	if !ok {
		return 0, errors.New("unknown supervisor function")
	}
	ret, err := handler(args)
	if err != nil {
		return 0, err
	}

	encoded := protocol.EncodeReturnValue(ret)
	ptr, err := s.AllocateMemory(uint32(len(encoded)))
	if err != nil {
		return 0, err
	}
	if err := s.WriteMemory(ptr, encoded); err != nil {
		return 0, err
	}
	return int64(protocol.PackPtrLen(ptr, uint32(len(encoded)))), nil
}

func (s *fakeSupervisor) SupervisorContext() wasm.FunctionContext { return s }

func environment(entries ...protocol.Entry) []byte {
	return (&protocol.EnvironmentDefinition{Entries: entries}).Encode()
}

func funcEntry(module, name string, index uint32) protocol.Entry {
	return protocol.Entry{ModuleName: module, FieldName: name, Entity: protocol.ExternEntity{Kind: protocol.ExternFunction, Index: index}}
}

func memoryEntry(module, name string, id uint32) protocol.Entry {
	return protocol.Entry{ModuleName: module, FieldName: name, Entity: protocol.ExternEntity{Kind: protocol.ExternMemory, Index: id}}
}

// instantiate builds the environment and registers the guest.
func instantiate(t *testing.T, store *Store, sup *fakeSupervisor, bin []byte, entries ...protocol.Entry) (*Instance, uint32) {
	t.Helper()
	env, err := DecodeGuestEnvironment(store, environment(entries...))
	if err != nil {
		t.Fatalf("DecodeGuestEnvironment: %v", err)
	}
	inst, err := store.Instantiate(context.Background(), bin, env, sup)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	return inst, store.Register(inst, wasm.NewFuncRef("dispatch_thunk"))
}
