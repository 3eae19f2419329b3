package sandbox

import (
	"context"
	"fmt"
	"slices"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasmbin"
)

// hostModulePrefix names the host module behind a linker module. The NUL
// byte keeps it from colliding with module names a guest can import.
const hostModulePrefix = "\x00host:"

type memoryImport struct {
	name   string
	memory *Memory
}

// importModule gathers what a guest imports from one module name.
type importModule struct {
	name   string
	funcs  []funcImport
	memory *memoryImport
}

// link instantiates, in r, one module per module name the guest imports
// from. It returns the memories it attached, including on failure, so the
// caller can detach them.
//
// A module that only provides functions is a host module. A module that
// also provides a memory is a synthesized wasm module defining that memory
// and re-exporting the functions of a host module; the sandboxed memory is
// then attached to the memory it defines.
func link(ctx context.Context, r wazero.Runtime, compiled wazero.CompiledModule, env *GuestEnvironment) ([]*Memory, error) {
	modules := make(map[string]*importModule)
	group := func(name string) *importModule {
		m, ok := modules[name]
		if !ok {
			m = &importModule{name: name}
			modules[name] = m
		}
		return m
	}

	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		idx, ok := env.Func(module, name)
		if !ok {
			return nil, &ImportError{Module: module, Name: name, Kind: "function", Reason: "not provided by the environment"}
		}
		params, results := def.ParamTypes(), def.ResultTypes()
		if !numeric(params) || !numeric(results) || len(results) > 1 {
			return nil, &ImportError{Module: module, Name: name, Kind: "function", Reason: "unsupported signature " + wasm.SignatureOf(def)}
		}
		m := group(module)
		if slices.ContainsFunc(m.funcs, func(f funcImport) bool { return f.name == name }) {
			continue
		}
		m.funcs = append(m.funcs, funcImport{module: module, name: name, index: idx, params: params, results: results})
	}

	for _, def := range compiled.ImportedMemories() {
		module, name, _ := def.Import()
		mem, ok := env.Memory(module, name)
		if !ok {
			return nil, &ImportError{Module: module, Name: name, Kind: "memory", Reason: "not provided by the environment"}
		}
		if mem.Attached() {
			return nil, &ImportError{Module: module, Name: name, Kind: "memory", Reason: ErrMemoryInUse.Error()}
		}
		group(module).memory = &memoryImport{name: name, memory: mem}
	}

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	slices.Sort(names)

	var attached []*Memory
	for _, name := range names {
		m := modules[name]
		if m.memory == nil {
			if err := instantiateHostModule(ctx, r, name, m.funcs); err != nil {
				return attached, err
			}
			continue
		}

		linker, err := instantiateLinkerModule(ctx, r, m)
		if err != nil {
			return attached, err
		}
		if err := m.memory.memory.attach(linker.ExportedMemory(m.memory.name)); err != nil {
			return attached, &ImportError{Module: name, Name: m.memory.name, Kind: "memory", Reason: err.Error()}
		}
		attached = append(attached, m.memory.memory)
	}
	return attached, nil
}

func instantiateHostModule(ctx context.Context, r wazero.Runtime, name string, funcs []funcImport) error {
	hostFuncs := make([]wasm.HostFunc, len(funcs))
	for i, f := range funcs {
		hostFuncs[i] = f.hostFunc()
	}
	builder := r.NewHostModuleBuilder(name)
	wasm.ExportHostFunctions(builder, hostFuncs)
	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiating import module %q: %w", name, err)
	}
	return nil
}

func instantiateLinkerModule(ctx context.Context, r wazero.Runtime, m *importModule) (api.Module, error) {
	hostName := hostModulePrefix + m.name

	var bin wasmbin.Module
	for _, f := range m.funcs {
		idx := bin.ImportFunc(hostName, f.name, wasmbin.FuncType{Params: f.params, Results: f.results})
		bin.ExportFunc(f.name, idx)
	}
	mem := m.memory.memory
	memIdx := bin.AddMemory(wasmbin.Limits{Min: mem.Pages(), Max: mem.MaxPages(), HasMax: true})
	bin.ExportMemory(m.memory.name, memIdx)

	if len(m.funcs) > 0 {
		if err := instantiateHostModule(ctx, r, hostName, m.funcs); err != nil {
			return nil, err
		}
	}

	compiled, err := r.CompileModule(ctx, bin.Bytes())
	if err != nil {
		return nil, fmt.Errorf("compiling linker for %q: %w", m.name, err)
	}
	linker, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(m.name))
	if err != nil {
		return nil, fmt.Errorf("instantiating linker for %q: %w", m.name, err)
	}
	return linker, nil
}

func numeric(types []api.ValueType) bool {
	for _, t := range types {
		switch t {
		case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64:
		default:
			return false
		}
	}
	return true
}
