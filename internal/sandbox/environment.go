package sandbox

import (
	"fmt"

	"github.com/woxQAQ/wasm-sandbox-host/pkg/protocol"
)

type importKey struct {
	module, name string
}

// GuestEnvironment resolves the imports of a guest: functions to supervisor
// function indices and memories to sandboxed memories.
type GuestEnvironment struct {
	funcs    map[importKey]uint32
	memories map[importKey]*Memory
}

// DecodeGuestEnvironment decodes an encoded protocol.EnvironmentDefinition
// against the memories of store. A later entry for the same import replaces
// an earlier one.
func DecodeGuestEnvironment(store *Store, raw []byte) (*GuestEnvironment, error) {
	def, err := protocol.DecodeEnvironmentDefinition(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding environment definition: %w", err)
	}

	env := &GuestEnvironment{
		funcs:    make(map[importKey]uint32),
		memories: make(map[importKey]*Memory),
	}
	for _, entry := range def.Entries {
		key := importKey{module: entry.ModuleName, name: entry.FieldName}
		switch entry.Entity.Kind {
		case protocol.ExternFunction:
			delete(env.memories, key)
			env.funcs[key] = entry.Entity.Index
		case protocol.ExternMemory:
			mem, err := store.Memory(entry.Entity.Index)
			if err != nil {
				return nil, fmt.Errorf("import %s.%s: %w", entry.ModuleName, entry.FieldName, err)
			}
			delete(env.funcs, key)
			env.memories[key] = mem
		}
	}
	return env, nil
}

// Func returns the supervisor function index an import resolves to.
func (e *GuestEnvironment) Func(module, name string) (uint32, bool) {
	idx, ok := e.funcs[importKey{module: module, name: name}]
	return idx, ok
}

// Memory returns the memory an import resolves to.
func (e *GuestEnvironment) Memory(module, name string) (*Memory, bool) {
	mem, ok := e.memories[importKey{module: module, name: name}]
	return mem, ok
}
