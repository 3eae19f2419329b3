package host

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/wasm-sandbox-host/internal/allocator"
	"github.com/woxQAQ/wasm-sandbox-host/internal/sandbox"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
	"github.com/woxQAQ/wasm-sandbox-host/pkg/protocol"
)

func TestNewContextWithoutHostState(t *testing.T) {
	f := newFixture(t)

	_, err := NewContext(context.Background(), f.mod)
	assert.ErrorIs(t, err, ErrNoHostState)

	_, err = NewContext(WithStoreData(context.Background(), &StoreData{}), f.mod)
	assert.ErrorIs(t, err, ErrNoHostState)
}

func TestMemoryReadWrite(t *testing.T) {
	f := newFixture(t)
	c := f.context(t)
	size := f.data.Memory.Size()

	require.NoError(t, c.WriteMemory(100, []byte("hello")))
	assert.Equal(t, []byte("hello"), read(t, c, 100, 5))

	require.NoError(t, c.WriteMemory(size-2, []byte{9, 9}))
	err := c.WriteMemory(size-2, []byte{1, 2, 3})
	assert.ErrorIs(t, err, wasm.ErrOutOfBounds)
	assert.Equal(t, []byte{9, 9}, read(t, c, size-2, 2), "no partial write")

	msg, err := c.readPackedString(protocol.PackPtrLen(100, 5))
	require.NoError(t, err)
	assert.Equal(t, "hello", msg)
	_, err = c.readPackedString(protocol.PackPtrLen(size-2, 3))
	assert.ErrorIs(t, err, wasm.ErrOutOfBounds)

	err = c.ReadMemoryInto(size, make([]byte, 1))
	assert.ErrorIs(t, err, wasm.ErrOutOfBounds)
	err = c.ReadMemoryInto(0xFFFF_FFFF, make([]byte, 2))
	assert.ErrorIs(t, err, wasm.ErrOutOfBounds)
}

func TestAllocationRoundTrip(t *testing.T) {
	f := newFixture(t)
	c := f.context(t)

	for _, n := range []uint32{1, 8, 100, 4096, 70000, allocator.MaxPossibleAllocation} {
		before, err := f.data.HostState.AllocationStats()
		require.NoError(t, err)

		ptr, err := c.AllocateMemory(n)
		require.NoError(t, err, "size %d", n)
		assert.GreaterOrEqual(t, ptr, uint32(testHeapBase))
		require.NoError(t, c.DeallocateMemory(ptr))

		after, err := f.data.HostState.AllocationStats()
		require.NoError(t, err)
		assert.Equal(t, before.BytesAllocated, after.BytesAllocated, "size %d", n)
		assert.Equal(t, before.Allocations, after.Allocations, "size %d", n)
	}
}

func TestAllocationFailuresKeepAllocator(t *testing.T) {
	f := newFixture(t)
	c := f.context(t)

	_, err := c.AllocateMemory(allocator.MaxPossibleAllocation + 1)
	assert.ErrorIs(t, err, allocator.ErrRequestedAllocationTooLarge)

	assert.ErrorIs(t, c.DeallocateMemory(3), allocator.ErrInvalidPointer)

	_, err = f.data.HostState.AllocationStats()
	require.NoError(t, err, "allocator is back in place")

	ptr, err := c.AllocateMemory(16)
	require.NoError(t, err)
	require.NoError(t, c.DeallocateMemory(ptr))
}

// unwritableMemory refuses plain writes. The allocator edits its headers
// through the Read view, so allocation still succeeds.
type unwritableMemory struct {
	api.Memory
}

func (unwritableMemory) Write(uint32, []byte) bool { return false }

func TestAllocateBytesFreesOnWriteFailure(t *testing.T) {
	f := newFixture(t)
	c := f.context(t)

	before, err := f.data.HostState.AllocationStats()
	require.NoError(t, err)

	f.data.Memory = unwritableMemory{f.data.Memory}
	_, err = c.allocateBytes([]byte{1, 2, 3, 4, 5, 6})
	assert.ErrorIs(t, err, wasm.ErrOutOfBounds)

	after, err := f.data.HostState.AllocationStats()
	require.NoError(t, err)
	assert.Equal(t, before.Allocations, after.Allocations, "the allocation is released")
	assert.Equal(t, before.BytesAllocated, after.BytesAllocated)
}

func TestTakenStateIsRestoredOnPanic(t *testing.T) {
	state := NewState(testBackend{}, sandbox.DefaultLimits(), 0, zaptest.NewLogger(t))

	assert.Panics(t, func() {
		_ = state.withSandboxStore(func(*sandbox.Store) error {
			_, err := state.sandboxStoreRef()
			assert.ErrorIs(t, err, ErrSandboxStoreTaken)
			panic("guest panicked")
		})
	})
	_, err := state.sandboxStoreRef()
	assert.NoError(t, err)

	assert.Panics(t, func() {
		_ = state.withAllocator(func(*allocator.FreeingBumpHeapAllocator) error {
			_, err := state.AllocationStats()
			assert.ErrorIs(t, err, ErrAllocatorTaken)
			panic("guest panicked")
		})
	})
	_, err = state.AllocationStats()
	assert.NoError(t, err)
}

func TestTakenStateIsRestoredOnError(t *testing.T) {
	state := NewState(testBackend{}, sandbox.DefaultLimits(), 0, zaptest.NewLogger(t))
	boom := errors.New("boom")

	err := state.withSandboxStore(func(*sandbox.Store) error {
		return state.withSandboxStore(func(*sandbox.Store) error { return nil })
	})
	assert.ErrorIs(t, err, ErrSandboxStoreTaken, "the store cannot be taken twice")

	assert.ErrorIs(t, state.withSandboxStore(func(*sandbox.Store) error { return boom }), boom)
	_, err = state.sandboxStoreRef()
	assert.NoError(t, err)

	assert.ErrorIs(t, state.withAllocator(func(*allocator.FreeingBumpHeapAllocator) error { return boom }), boom)
	_, err = state.AllocationStats()
	assert.NoError(t, err)
}

func TestPanicMessage(t *testing.T) {
	f := newFixture(t)
	c := f.context(t)

	_, ok := f.data.HostState.TakePanicMessage()
	assert.False(t, ok)

	c.RegisterPanicErrorMessage("first")
	c.RegisterPanicErrorMessage("index out of bounds")
	msg, ok := f.data.HostState.TakePanicMessage()
	assert.True(t, ok)
	assert.Equal(t, "index out of bounds", msg)

	_, ok = f.data.HostState.TakePanicMessage()
	assert.False(t, ok, "taken exactly once")
}

func TestSandboxCapability(t *testing.T) {
	f := newFixture(t)
	c := f.context(t)
	assert.Same(t, c, c.Sandbox())
}
