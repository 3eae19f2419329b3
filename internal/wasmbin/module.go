// Package wasmbin builds small WebAssembly binaries.
//
// It covers what is needed to synthesize glue modules at runtime: function
// types, function and memory imports, defined functions, a single memory,
// globals, exports, a start function and active data segments. Encoding is
// done by wabin.
package wasmbin

import (
	"fmt"
	"slices"

	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/wasm"
	"github.com/tetratelabs/wazero/api"
)

// FuncType is a function signature.
type FuncType struct {
	Params  []api.ValueType
	Results []api.ValueType
}

func (ft FuncType) equal(other FuncType) bool {
	return slices.Equal(ft.Params, other.Params) && slices.Equal(ft.Results, other.Results)
}

// Limits are the page limits of a memory.
type Limits struct {
	Min    uint32
	Max    uint32
	HasMax bool
}

func (l Limits) memory() *wasm.Memory {
	return &wasm.Memory{Min: l.Min, Max: l.Max, IsMaxEncoded: l.HasMax}
}

// Module accumulates the contents of a module. The zero value is an empty
// module.
//
// Function imports must be added before any function is defined, since
// imported functions occupy the low function indices. At most one memory,
// imported or defined, is supported.
type Module struct {
	types       []FuncType
	mod         wasm.Module
	importFuncs uint32
	hasMemory   bool
}

// AddType returns the index of ft, adding it if it is not present yet.
func (m *Module) AddType(ft FuncType) uint32 {
	for i, t := range m.types {
		if t.equal(ft) {
			return uint32(i)
		}
	}
	m.types = append(m.types, ft)
	m.mod.TypeSection = append(m.mod.TypeSection, &wasm.FunctionType{
		Params:  valueTypes(ft.Params),
		Results: valueTypes(ft.Results),
	})
	return uint32(len(m.types) - 1)
}

// ImportFunc imports a function and returns its function index.
func (m *Module) ImportFunc(module, name string, ft FuncType) uint32 {
	if len(m.mod.FunctionSection) > 0 {
		panic("wasmbin: function import added after a defined function")
	}
	m.mod.ImportSection = append(m.mod.ImportSection, &wasm.Import{
		Type:     wasm.ExternTypeFunc,
		Module:   module,
		Name:     name,
		DescFunc: wasm.Index(m.AddType(ft)),
	})
	m.importFuncs++
	return m.importFuncs - 1
}

// ImportMemory imports the module's memory and returns its index.
func (m *Module) ImportMemory(module, name string, limits Limits) uint32 {
	m.claimMemory()
	m.mod.ImportSection = append(m.mod.ImportSection, &wasm.Import{
		Type:    wasm.ExternTypeMemory,
		Module:  module,
		Name:    name,
		DescMem: limits.memory(),
	})
	return 0
}

// AddFunc defines a function. body holds the instructions without the
// trailing end opcode.
func (m *Module) AddFunc(ft FuncType, locals []api.ValueType, body ...[]byte) uint32 {
	m.mod.FunctionSection = append(m.mod.FunctionSection, wasm.Index(m.AddType(ft)))
	code := slices.Concat(body...)
	code = append(code, byte(wasm.OpcodeEnd))
	m.mod.CodeSection = append(m.mod.CodeSection, &wasm.Code{
		LocalTypes: valueTypes(locals),
		Body:       code,
	})
	return m.importFuncs + uint32(len(m.mod.FunctionSection)-1)
}

// AddMemory defines the module's memory and returns its index.
func (m *Module) AddMemory(limits Limits) uint32 {
	m.claimMemory()
	m.mod.MemorySection = limits.memory()
	return 0
}

func (m *Module) claimMemory() {
	if m.hasMemory {
		panic("wasmbin: module already has a memory")
	}
	m.hasMemory = true
}

// AddGlobal defines a global initialized by a constant expression, given
// without the trailing end opcode.
func (m *Module) AddGlobal(t api.ValueType, mutable bool, init []byte) uint32 {
	m.mod.GlobalSection = append(m.mod.GlobalSection, &wasm.Global{
		Type: &wasm.GlobalType{ValType: wasm.ValueType(t), Mutable: mutable},
		Init: constExpr(init),
	})
	return uint32(len(m.mod.GlobalSection) - 1)
}

// ExportFunc exports the function at idx.
func (m *Module) ExportFunc(name string, idx uint32) {
	m.export(name, wasm.ExternTypeFunc, idx)
}

// ExportMemory exports the memory at idx.
func (m *Module) ExportMemory(name string, idx uint32) {
	m.export(name, wasm.ExternTypeMemory, idx)
}

// ExportGlobal exports the global at idx.
func (m *Module) ExportGlobal(name string, idx uint32) {
	m.export(name, wasm.ExternTypeGlobal, idx)
}

// export panics on a repeated name, which would make the module invalid.
func (m *Module) export(name string, kind wasm.ExternType, idx uint32) {
	for _, e := range m.mod.ExportSection {
		if e.Name == name {
			panic(fmt.Sprintf("wasmbin: duplicate export %q", name))
		}
	}
	m.mod.ExportSection = append(m.mod.ExportSection, &wasm.Export{
		Type:  kind,
		Name:  name,
		Index: wasm.Index(idx),
	})
}

// SetStart makes the function at idx the start function.
func (m *Module) SetStart(idx uint32) {
	start := wasm.Index(idx)
	m.mod.StartSection = &start
}

// AddData adds an active data segment at a constant offset. Only memory 0
// exists.
func (m *Module) AddData(memIdx, offset uint32, data []byte) {
	if memIdx != 0 {
		panic("wasmbin: data segment for a memory other than 0")
	}
	m.mod.DataSection = append(m.mod.DataSection, &wasm.DataSegment{
		OffsetExpression: constExpr(I32Const(int32(offset))),
		Init:             data,
	})
}

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	return binary.EncodeModule(&m.mod)
}

// constExpr splits a single encoded instruction into the opcode and
// immediate form wabin expects.
func constExpr(instr []byte) *wasm.ConstantExpression {
	return &wasm.ConstantExpression{Opcode: wasm.Opcode(instr[0]), Data: instr[1:]}
}

func valueTypes(types []api.ValueType) []wasm.ValueType {
	if len(types) == 0 {
		return nil
	}
	out := make([]wasm.ValueType, len(types))
	for i, t := range types {
		out[i] = wasm.ValueType(t)
	}
	return out
}
