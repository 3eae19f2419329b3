package wasm

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// HostFunc describes one function of a host module.
//
// Fn reads its parameters from stack and writes its results back to it. A
// non-nil error traps the calling wasm code.
type HostFunc struct {
	Name       string
	Params     []api.ValueType
	Results    []api.ValueType
	ParamNames []string
	Fn         func(ctx context.Context, mod api.Module, stack []uint64) error
}

// ExportHostFunctions registers funcs for import by Wasm modules.
func ExportHostFunctions(builder wazero.HostModuleBuilder, funcs []HostFunc) {
	for _, f := range funcs {
		b := builder.NewFunctionBuilder().
			WithGoModuleFunction(trapOnError(f), f.Params, f.Results)
		if len(f.ParamNames) > 0 {
			b = b.WithParameterNames(f.ParamNames...)
		}
		b.Export(f.Name)
	}
}

func trapOnError(f HostFunc) api.GoModuleFunction {
	name, fn := f.Name, f.Fn
	return api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
		if err := fn(ctx, mod, stack); err != nil {
			panic(&HostFunctionError{FunctionName: name, Err: err})
		}
	})
}
