package host

import (
	"context"
	"encoding/binary"
	"errors"
	"math"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	sandboxapi "github.com/woxQAQ/wasm-sandbox-host/api/sandbox"
	"github.com/woxQAQ/wasm-sandbox-host/internal/sandbox"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
	"github.com/woxQAQ/wasm-sandbox-host/pkg/protocol"
)

// ModuleName is the name supervisors import host functions from.
const ModuleName = "env"

// memoryGrowFailed is returned by memory_grow when the memory would exceed
// its maximum, like the memory.grow instruction.
const memoryGrowFailed = math.MaxUint32

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// hostCall is the body of a host function.
type hostCall func(c *Context, stack []uint64) error

func hostFunc(name string, params, results []api.ValueType, paramNames []string, fn hostCall) wasm.HostFunc {
	return wasm.HostFunc{
		Name:       name,
		Params:     params,
		Results:    results,
		ParamNames: paramNames,
		Fn: func(ctx context.Context, mod api.Module, stack []uint64) error {
			c, err := NewContext(ctx, mod)
			if err != nil {
				return err
			}
			return fn(c, stack)
		},
	}
}

// Functions returns the host functions of the env module. Guest log
// messages are written to logger.
func Functions(logger *zap.Logger) []wasm.HostFunc {
	guestLogger := logger.With(zap.String("component", "supervisor"))

	return []wasm.HostFunc{
		hostFunc("ext_allocator_malloc_version_1", []api.ValueType{i32}, []api.ValueType{i32},
			[]string{"size"},
			func(c *Context, stack []uint64) error {
				ptr, err := c.AllocateMemory(api.DecodeU32(stack[0]))
				if err != nil {
					return err
				}
				stack[0] = api.EncodeU32(ptr)
				return nil
			}),
		hostFunc("ext_allocator_free_version_1", []api.ValueType{i32}, nil,
			[]string{"ptr"},
			func(c *Context, stack []uint64) error {
				return c.DeallocateMemory(api.DecodeU32(stack[0]))
			}),
		hostFunc("ext_panic_handler_register_version_1", []api.ValueType{i64}, nil,
			[]string{"message"},
			func(c *Context, stack []uint64) error {
				msg, err := c.readPackedString(stack[0])
				if err != nil {
					return err
				}
				c.RegisterPanicErrorMessage(msg)
				return nil
			}),
		hostFunc("ext_logging_log_version_1", []api.ValueType{i32, i64, i64}, nil,
			[]string{"level", "target", "message"},
			func(c *Context, stack []uint64) error {
				target, err := c.readPackedString(stack[1])
				if err != nil {
					return err
				}
				msg, err := c.readPackedString(stack[2])
				if err != nil {
					return err
				}
				logGuestMessage(guestLogger, api.DecodeU32(stack[0]), target, msg)
				return nil
			}),

		hostFunc("ext_sandbox_memory_new_version_1", []api.ValueType{i32, i32}, []api.ValueType{i32},
			[]string{"initial", "maximum"},
			func(c *Context, stack []uint64) error {
				id, err := c.MemoryNew(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
				if err != nil {
					return err
				}
				stack[0] = api.EncodeU32(id)
				return nil
			}),
		hostFunc("ext_sandbox_memory_get_version_1", []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32},
			[]string{"memory_id", "offset", "buf_ptr", "buf_len"},
			func(c *Context, stack []uint64) error {
				status, err := c.MemoryGet(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2]), api.DecodeU32(stack[3]))
				if err != nil {
					return err
				}
				stack[0] = api.EncodeU32(status)
				return nil
			}),
		hostFunc("ext_sandbox_memory_set_version_1", []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32},
			[]string{"memory_id", "offset", "val_ptr", "val_len"},
			func(c *Context, stack []uint64) error {
				status, err := c.MemorySet(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]), api.DecodeU32(stack[2]), api.DecodeU32(stack[3]))
				if err != nil {
					return err
				}
				stack[0] = api.EncodeU32(status)
				return nil
			}),
		hostFunc("ext_sandbox_memory_teardown_version_1", []api.ValueType{i32}, nil,
			[]string{"memory_id"},
			func(c *Context, stack []uint64) error {
				return c.MemoryTeardown(api.DecodeU32(stack[0]))
			}),
		hostFunc("ext_sandbox_memory_size_version_1", []api.ValueType{i32}, []api.ValueType{i32},
			[]string{"memory_id"},
			func(c *Context, stack []uint64) error {
				pages, err := c.MemorySize(api.DecodeU32(stack[0]))
				if err != nil {
					return err
				}
				stack[0] = api.EncodeU32(pages)
				return nil
			}),
		hostFunc("ext_sandbox_memory_grow_version_1", []api.ValueType{i32, i32}, []api.ValueType{i32},
			[]string{"memory_id", "pages"},
			func(c *Context, stack []uint64) error {
				prev, err := c.MemoryGrow(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
				switch {
				case errors.Is(err, sandbox.ErrMemoryLimit):
					prev = memoryGrowFailed
				case err != nil:
					return err
				}
				stack[0] = api.EncodeU32(prev)
				return nil
			}),
		hostFunc("ext_sandbox_get_buff_version_1", []api.ValueType{i32}, []api.ValueType{i64},
			[]string{"memory_id"},
			func(c *Context, stack []uint64) error {
				buff, err := c.GetBuff(api.DecodeU32(stack[0]))
				if err != nil {
					return err
				}
				stack[0] = buff
				return nil
			}),

		hostFunc("ext_sandbox_instantiate_version_1", []api.ValueType{i32, i64, i64, i32}, []api.ValueType{i32},
			[]string{"dispatch_thunk", "wasm_code", "env_def", "state"},
			func(c *Context, stack []uint64) error {
				code, err := c.readPacked(stack[1])
				if err != nil {
					return err
				}
				envDef, err := c.readPacked(stack[2])
				if err != nil {
					return err
				}
				id, err := c.InstanceNew(api.DecodeU32(stack[0]), code, envDef, api.DecodeU32(stack[3]))
				if err != nil {
					return err
				}
				stack[0] = api.EncodeU32(id)
				return nil
			}),
		hostFunc("ext_sandbox_invoke_version_1", []api.ValueType{i32, i64, i64, i32, i32, i32}, []api.ValueType{i32},
			[]string{"instance_id", "function", "args", "return_val_ptr", "return_val_len", "state"},
			func(c *Context, stack []uint64) error {
				name, err := c.readPackedString(stack[1])
				if err != nil {
					return err
				}
				args, err := c.readPacked(stack[2])
				if err != nil {
					return err
				}
				status, err := c.Invoke(api.DecodeU32(stack[0]), name, args,
					api.DecodeU32(stack[3]), api.DecodeU32(stack[4]), api.DecodeU32(stack[5]))
				if err != nil {
					return err
				}
				stack[0] = api.EncodeU32(status)
				return nil
			}),
		hostFunc("ext_sandbox_instance_teardown_version_1", []api.ValueType{i32}, nil,
			[]string{"instance_id"},
			func(c *Context, stack []uint64) error {
				return c.InstanceTeardown(api.DecodeU32(stack[0]))
			}),
		hostFunc("ext_sandbox_get_global_val_version_1", []api.ValueType{i32, i64}, []api.ValueType{i64},
			[]string{"instance_id", "name"},
			func(c *Context, stack []uint64) error {
				name, err := c.readPackedString(stack[1])
				if err != nil {
					return err
				}
				v, ok, err := c.GetGlobalVal(api.DecodeU32(stack[0]), name)
				if err != nil {
					return err
				}
				ret := protocol.Unit
				if ok {
					ret = protocol.ReturnOf(v)
				}
				packed, err := c.allocateBytes(protocol.EncodeReturnValue(ret))
				if err != nil {
					return err
				}
				stack[0] = packed
				return nil
			}),
		hostFunc("ext_sandbox_get_global_i64_version_1", []api.ValueType{i32, i64, i32}, []api.ValueType{i32},
			[]string{"instance_id", "name", "out_ptr"},
			func(c *Context, stack []uint64) error {
				name, err := c.readPackedString(stack[1])
				if err != nil {
					return err
				}
				v, ok, err := c.GetGlobalI64(api.DecodeU32(stack[0]), name)
				if err != nil {
					return err
				}
				if !ok {
					stack[0] = api.EncodeU32(sandboxapi.GlobalsNotFound)
					return nil
				}
				if err := c.WriteMemory(api.DecodeU32(stack[2]), binary.LittleEndian.AppendUint64(nil, uint64(v))); err != nil {
					return err
				}
				stack[0] = api.EncodeU32(sandboxapi.GlobalsOK)
				return nil
			}),
		hostFunc("ext_sandbox_set_global_i64_version_1", []api.ValueType{i32, i64, i64}, []api.ValueType{i32},
			[]string{"instance_id", "name", "value"},
			func(c *Context, stack []uint64) error {
				name, err := c.readPackedString(stack[1])
				if err != nil {
					return err
				}
				status, err := c.SetGlobalI64(api.DecodeU32(stack[0]), name, int64(stack[2]))
				if err != nil {
					return err
				}
				stack[0] = api.EncodeU32(status)
				return nil
			}),
		hostFunc("ext_sandbox_get_instance_ptr_version_1", []api.ValueType{i32}, []api.ValueType{i64},
			[]string{"instance_id"},
			func(c *Context, stack []uint64) error {
				ptr, err := c.GetInstancePtr(api.DecodeU32(stack[0]))
				if err != nil {
					return err
				}
				stack[0] = ptr
				return nil
			}),
	}
}

// logGuestMessage writes a message logged by supervisor code. Levels 0 to 3
// are debug, info, warn and error.
func logGuestMessage(logger *zap.Logger, level uint32, target, message string) {
	fields := []zap.Field{zap.String("target", target)}
	switch level {
	case 1:
		logger.Info(message, fields...)
	case 2:
		logger.Warn(message, fields...)
	case 3:
		logger.Error(message, fields...)
	default:
		logger.Debug(message, fields...)
	}
}
