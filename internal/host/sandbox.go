package host

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	sandboxapi "github.com/woxQAQ/wasm-sandbox-host/api/sandbox"
	"github.com/woxQAQ/wasm-sandbox-host/internal/sandbox"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
	"github.com/woxQAQ/wasm-sandbox-host/pkg/protocol"
)

func (c *Context) sandboxMemory(memoryID uint32) (*sandbox.Memory, error) {
	store, err := c.state.sandboxStoreRef()
	if err != nil {
		return nil, err
	}
	return store.Memory(memoryID)
}

// MemoryGet copies bufLen bytes at offset of a sandboxed memory into the
// supervisor buffer at bufPtr. Bad ranges yield ErrOutOfBounds.
func (c *Context) MemoryGet(memoryID, offset, bufPtr, bufLen uint32) (uint32, error) {
	sm, err := c.sandboxMemory(memoryID)
	if err != nil {
		return 0, err
	}
	buf, err := wasm.ReadMemory(sm, offset, bufLen)
	if err != nil {
		return sandboxapi.ErrOutOfBounds, nil
	}
	if err := c.WriteMemory(bufPtr, buf); err != nil {
		return sandboxapi.ErrOutOfBounds, nil
	}
	return sandboxapi.ErrOK, nil
}

// MemorySet copies valLen bytes at valPtr of the supervisor into a
// sandboxed memory at offset. Bad ranges yield ErrOutOfBounds.
func (c *Context) MemorySet(memoryID, offset, valPtr, valLen uint32) (uint32, error) {
	sm, err := c.sandboxMemory(memoryID)
	if err != nil {
		return 0, err
	}
	mem, err := c.memory()
	if err != nil {
		return 0, err
	}
	buf, err := wasm.ReadMemory(mem, valPtr, valLen)
	if err != nil {
		return sandboxapi.ErrOutOfBounds, nil
	}
	if err := wasm.WriteMemory(sm, offset, buf); err != nil {
		return sandboxapi.ErrOutOfBounds, nil
	}
	return sandboxapi.ErrOK, nil
}

// MemoryNew creates a sandboxed memory and returns its id.
func (c *Context) MemoryNew(initial, maximum uint32) (uint32, error) {
	store, err := c.state.sandboxStoreRef()
	if err != nil {
		return 0, err
	}
	return store.NewMemory(initial, maximum)
}

// MemoryTeardown releases a sandboxed memory.
func (c *Context) MemoryTeardown(memoryID uint32) error {
	store, err := c.state.sandboxStoreRef()
	if err != nil {
		return err
	}
	return store.MemoryTeardown(memoryID)
}

// MemorySize returns the size of a sandboxed memory in pages.
func (c *Context) MemorySize(memoryID uint32) (uint32, error) {
	sm, err := c.sandboxMemory(memoryID)
	if err != nil {
		return 0, err
	}
	return sm.Pages(), nil
}

// MemoryGrow grows a sandboxed memory and returns its previous size in
// pages.
func (c *Context) MemoryGrow(memoryID, pages uint32) (uint32, error) {
	sm, err := c.sandboxMemory(memoryID)
	if err != nil {
		return 0, err
	}
	return sm.Grow(pages)
}

// GetBuff returns the host address of a sandboxed memory's bytes.
func (c *Context) GetBuff(memoryID uint32) (uint64, error) {
	sm, err := c.sandboxMemory(memoryID)
	if err != nil {
		return 0, err
	}
	return sm.Buffer(), nil
}

// InstanceNew instantiates a guest and registers it with the dispatch thunk
// at dispatchThunkID of the supervisor's function table.
//
// The guest's start function runs while the sandbox store is taken out of
// the host state, so sandbox operations made from the supervisor during
// that time fail.
func (c *Context) InstanceNew(dispatchThunkID uint32, wasmBytes, rawEnvDef []byte, state uint32) (uint32, error) {
	table := c.data.Table
	if table == nil {
		return 0, ErrNoTable
	}
	thunk, ok := table.Get(dispatchThunkID)
	if !ok {
		return 0, &TableIndexError{Index: dispatchThunkID, Len: table.Len()}
	}
	if thunk.Resolve(c.caller) == nil {
		c.state.logger.Debug("Dispatch thunk is not a function",
			zap.Uint32("dispatch_thunk_id", dispatchThunkID),
			zap.String("dispatch_thunk", thunk.Name()),
		)
		return sandboxapi.ErrModule, nil
	}

	var (
		id     uint32
		status = sandboxapi.ErrOK
	)
	err := c.state.withSandboxStore(func(store *sandbox.Store) error {
		env, err := sandbox.DecodeGuestEnvironment(store, rawEnvDef)
		if err != nil {
			c.state.logger.Debug("Invalid guest environment", zap.Error(err))
			status = sandboxapi.ErrModule
			return nil
		}

		inst, err := store.Instantiate(c.ctx, wasmBytes, env, c.sandboxContext(thunk, state))
		if err != nil {
			c.state.logger.Debug("Sandbox instantiation failed", zap.Error(err))
			if errors.Is(err, sandbox.ErrStartTrapped) {
				status = sandboxapi.ErrExecution
			} else {
				status = sandboxapi.ErrModule
			}
			return nil
		}
		id = store.Register(inst, thunk)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if status != sandboxapi.ErrOK {
		return status, nil
	}
	return id, nil
}

// InstanceTeardown releases a guest instance.
func (c *Context) InstanceTeardown(instanceID uint32) error {
	store, err := c.state.sandboxStoreRef()
	if err != nil {
		return err
	}
	return store.InstanceTeardown(c.ctx, instanceID)
}

// Invoke calls the export exportName of a guest with the encoded args. A
// return value is encoded into the buffer at returnValPtr.
func (c *Context) Invoke(instanceID uint32, exportName string, args []byte, returnValPtr, returnValLen, state uint32) (uint32, error) {
	c.state.logger.Debug("Invoke sandbox export",
		zap.Uint32("instance_id", instanceID),
		zap.String("export", exportName),
	)

	values, err := protocol.DecodeValues(args)
	if err != nil {
		return 0, fmt.Errorf("can't decode serialized arguments for the invocation: %w", err)
	}

	store, err := c.state.sandboxStoreRef()
	if err != nil {
		return 0, err
	}
	inst, err := store.Instance(instanceID)
	if err != nil {
		return 0, err
	}
	thunk, err := store.DispatchThunk(instanceID)
	if err != nil {
		return 0, err
	}

	ret, err := inst.Invoke(c.ctx, exportName, values, c.sandboxContext(thunk, state))
	if err != nil {
		c.state.logger.Debug("Sandbox invocation failed",
			zap.Uint32("instance_id", instanceID),
			zap.String("export", exportName),
			zap.Error(err),
		)
		return sandboxapi.ErrExecution, nil
	}
	if !ret.HasValue {
		return sandboxapi.ErrOK, nil
	}

	encoded := protocol.EncodeReturnValue(ret)
	if uint64(len(encoded)) > uint64(returnValLen) {
		return 0, ErrReturnBufferTooSmall
	}
	if err := c.WriteMemory(returnValPtr, encoded); err != nil {
		return 0, fmt.Errorf("can't write return value: %w", err)
	}
	return sandboxapi.ErrOK, nil
}

// GetGlobalVal reads an exported global of a guest.
func (c *Context) GetGlobalVal(instanceID uint32, name string) (protocol.Value, bool, error) {
	inst, err := c.instance(instanceID)
	if err != nil {
		return protocol.Value{}, false, err
	}
	v, ok := inst.GetGlobalVal(name)
	return v, ok, nil
}

// GetGlobalI64 reads an exported i64 global of a guest.
func (c *Context) GetGlobalI64(instanceID uint32, name string) (int64, bool, error) {
	inst, err := c.instance(instanceID)
	if err != nil {
		return 0, false, err
	}
	v, ok := inst.GetGlobalI64(name)
	return v, ok, nil
}

// SetGlobalI64 sets a guest global. A global that exists but is not a
// mutable i64 yields GlobalsOther.
func (c *Context) SetGlobalI64(instanceID uint32, name string, value int64) (uint32, error) {
	inst, err := c.instance(instanceID)
	if err != nil {
		return 0, err
	}

	status := sandboxapi.GlobalsOK
	found, err := inst.SetGlobalI64(name, value)
	switch {
	case !found:
		status = sandboxapi.GlobalsNotFound
	case err != nil:
		status = sandboxapi.GlobalsOther
	}

	c.state.logger.Debug("Set sandbox global",
		zap.Uint32("instance_id", instanceID),
		zap.String("name", name),
		zap.Int64("value", value),
		zap.Uint32("status", status),
	)
	return status, nil
}

// GetInstancePtr returns the opaque pointer identifying a guest instance.
func (c *Context) GetInstancePtr(instanceID uint32) (uint64, error) {
	inst, err := c.instance(instanceID)
	if err != nil {
		return 0, err
	}
	return inst.Ptr(), nil
}

func (c *Context) instance(instanceID uint32) (*sandbox.Instance, error) {
	store, err := c.state.sandboxStoreRef()
	if err != nil {
		return nil, err
	}
	return store.Instance(instanceID)
}
