package host

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"

	"github.com/woxQAQ/wasm-sandbox-host/internal/allocator"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
	"github.com/woxQAQ/wasm-sandbox-host/pkg/protocol"
)

// Context is created for every host function call. It gives the host
// function access to the calling supervisor's memory and heap, and to the
// sandbox.
type Context struct {
	ctx    context.Context
	caller api.Module
	data   *StoreData
	state  *State
}

var (
	_ wasm.FunctionContext = (*Context)(nil)
	_ wasm.Sandbox         = (*Context)(nil)
)

// NewContext returns the context of a host function called by caller. ctx
// must carry StoreData with a HostState.
func NewContext(ctx context.Context, caller api.Module) (*Context, error) {
	data := StoreDataFrom(ctx)
	if data == nil || data.HostState == nil {
		return nil, ErrNoHostState
	}
	return &Context{
		ctx:    ctx,
		caller: caller,
		data:   data,
		state:  data.HostState,
	}, nil
}

func (c *Context) memory() (api.Memory, error) {
	if c.data.Memory != nil {
		return c.data.Memory, nil
	}
	if mem := c.caller.Memory(); mem != nil {
		return mem, nil
	}
	return nil, wasm.ErrNoMemory
}

// ReadMemoryInto fills dest from the supervisor's memory at address.
func (c *Context) ReadMemoryInto(address uint32, dest []byte) error {
	mem, err := c.memory()
	if err != nil {
		return err
	}
	return wasm.ReadMemoryInto(mem, address, dest)
}

// WriteMemory copies data into the supervisor's memory at address.
func (c *Context) WriteMemory(address uint32, data []byte) error {
	mem, err := c.memory()
	if err != nil {
		return err
	}
	return wasm.WriteMemory(mem, address, data)
}

// readPacked reads the byte slice a packed (pointer, length) refers to.
func (c *Context) readPacked(packed uint64) ([]byte, error) {
	mem, err := c.memory()
	if err != nil {
		return nil, err
	}
	ptr, length := protocol.UnpackPtrLen(packed)
	return wasm.ReadMemory(mem, ptr, length)
}

// readPackedString reads the string a packed (pointer, length) refers to.
func (c *Context) readPackedString(packed uint64) (string, error) {
	mem, err := c.memory()
	if err != nil {
		return "", err
	}
	ptr, length := protocol.UnpackPtrLen(packed)
	return wasm.NewMemory(mem).ReadString(ptr, length)
}

// AllocateMemory allocates size bytes on the supervisor's heap.
func (c *Context) AllocateMemory(size uint32) (uint32, error) {
	mem, err := c.memory()
	if err != nil {
		return 0, err
	}
	var ptr uint32
	err = c.state.withAllocator(func(a *allocator.FreeingBumpHeapAllocator) error {
		var allocErr error
		ptr, allocErr = a.Allocate(wasm.AllocatorMemory(mem), size)
		return allocErr
	})
	return ptr, err
}

// DeallocateMemory frees an allocation made by AllocateMemory.
func (c *Context) DeallocateMemory(ptr uint32) error {
	mem, err := c.memory()
	if err != nil {
		return err
	}
	return c.state.withAllocator(func(a *allocator.FreeingBumpHeapAllocator) error {
		return a.Deallocate(wasm.AllocatorMemory(mem), ptr)
	})
}

// RegisterPanicErrorMessage records the message of a supervisor panic.
func (c *Context) RegisterPanicErrorMessage(message string) {
	c.state.RegisterPanicMessage(message)
}

// Sandbox returns c, which implements the sandbox capability.
func (c *Context) Sandbox() wasm.Sandbox {
	return c
}

// allocateBytes copies data into a fresh allocation and returns the packed
// (pointer, length) of it.
func (c *Context) allocateBytes(data []byte) (uint64, error) {
	ptr, err := c.AllocateMemory(uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if err := c.WriteMemory(ptr, data); err != nil {
		return 0, multierr.Append(err, c.DeallocateMemory(ptr))
	}
	return protocol.PackPtrLen(ptr, uint32(len(data))), nil
}
