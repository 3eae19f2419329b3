package wasm

import (
	"slices"

	"github.com/tetratelabs/wazero/api"
)

// FuncRef is an entry of a module's function table.
//
// wazero does not expose wasm tables to the host, so a table entry refers to
// a function by its export name. The zero value is the null reference.
type FuncRef struct {
	name string
}

// NewFuncRef returns a reference to the exported function name.
func NewFuncRef(name string) FuncRef {
	return FuncRef{name: name}
}

// IsNull reports whether r is the null reference.
func (r FuncRef) IsNull() bool {
	return r.name == ""
}

// Name returns the export name r refers to.
func (r FuncRef) Name() string {
	return r.name
}

// Resolve returns the function r refers to in mod, or nil if r is null or
// mod does not export a function by that name.
//
// The result must not be kept across calls: a reentrant call needs its own
// api.Function.
func (r FuncRef) Resolve(mod api.Module) api.Function {
	if r.IsNull() || mod == nil {
		return nil
	}
	return mod.ExportedFunction(r.name)
}

// FuncTable is a module's function table.
type FuncTable interface {
	Len() uint32
	// Get returns the entry at index, or false if index is out of range.
	Get(index uint32) (FuncRef, bool)
}

// ExportTable is a FuncTable listing export names. An empty name is a null
// entry.
type ExportTable struct {
	entries []string
}

// NewExportTable returns a table with the given entries.
func NewExportTable(entries []string) *ExportTable {
	return &ExportTable{entries: slices.Clone(entries)}
}

// Len returns the number of table slots.
func (t *ExportTable) Len() uint32 {
	return uint32(len(t.entries))
}

// Get returns the function at index, or false for an empty or missing slot.
func (t *ExportTable) Get(index uint32) (FuncRef, bool) {
	if uint64(index) >= uint64(len(t.entries)) {
		return FuncRef{}, false
	}
	return FuncRef{name: t.entries[index]}, true
}

// SignatureOf formats a function type as "(i32,i32)->(i64)".
func SignatureOf(def api.FunctionDefinition) string {
	return formatSignature(def.ParamTypes(), def.ResultTypes())
}

func formatSignature(params, results []api.ValueType) string {
	s := "("
	for i, p := range params {
		if i > 0 {
			s += ","
		}
		s += api.ValueTypeName(p)
	}
	s += ")->("
	for i, r := range results {
		if i > 0 {
			s += ","
		}
		s += api.ValueTypeName(r)
	}
	return s + ")"
}

// CheckSignature returns a *SignatureError unless fn has exactly the given
// parameter and result types.
func CheckSignature(name string, fn api.Function, params, results []api.ValueType) error {
	def := fn.Definition()
	if slices.Equal(def.ParamTypes(), params) && slices.Equal(def.ResultTypes(), results) {
		return nil
	}
	return &SignatureError{
		FunctionName: name,
		Want:         formatSignature(params, results),
		Got:          SignatureOf(def),
	}
}
