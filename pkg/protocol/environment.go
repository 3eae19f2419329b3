package protocol

import (
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
)

// ExternKind tells what an environment entry resolves to.
type ExternKind byte

const (
	// ExternFunction resolves an import to a supervisor function index.
	ExternFunction ExternKind = 0
	// ExternMemory resolves an import to a sandboxed memory id.
	ExternMemory ExternKind = 1
)

func (k ExternKind) String() string {
	switch k {
	case ExternFunction:
		return "function"
	case ExternMemory:
		return "memory"
	default:
		return fmt.Sprintf("unknown(%d)", byte(k))
	}
}

// ExternEntity is the target of one guest import.
type ExternEntity struct {
	Kind  ExternKind
	Index uint32
}

// Entry maps one (module, field) import of a guest to an entity.
type Entry struct {
	ModuleName string
	FieldName  string
	Entity     ExternEntity
}

// EnvironmentDefinition lists the imports a supervisor provides to a guest.
type EnvironmentDefinition struct {
	Entries []Entry
}

// Encode writes the kind tag followed by the index.
func (x ExternEntity) Encode(encoder scale.Encoder) error {
	if err := encoder.PushByte(byte(x.Kind)); err != nil {
		return err
	}
	return encoder.Encode(x.Index)
}

// Decode reads an entity, rejecting unknown kinds.
func (x *ExternEntity) Decode(decoder scale.Decoder) error {
	kind, err := decoder.ReadOneByte()
	if err != nil {
		return err
	}
	if ExternKind(kind) != ExternFunction && ExternKind(kind) != ExternMemory {
		return fmt.Errorf("unknown extern entity tag %d", kind)
	}
	x.Kind = ExternKind(kind)
	return decoder.Decode(&x.Index)
}

// Encode encodes the definition.
func (def *EnvironmentDefinition) Encode() []byte {
	return encode(func(e *scale.Encoder) error {
		if err := encodeCompact(e, len(def.Entries)); err != nil {
			return err
		}
		for _, entry := range def.Entries {
			if err := encodeString(e, entry.ModuleName); err != nil {
				return err
			}
			if err := encodeString(e, entry.FieldName); err != nil {
				return err
			}
			if err := entry.Entity.Encode(*e); err != nil {
				return err
			}
		}
		return nil
	})
}

// DecodeEnvironmentDefinition decodes a definition produced by Encode.
func DecodeEnvironmentDefinition(b []byte) (*EnvironmentDefinition, error) {
	rd := newReader(b)
	// Smallest entry: two empty names, a tag and an index.
	n, err := rd.count("environment", 7)
	if err != nil {
		return nil, err
	}

	def := &EnvironmentDefinition{Entries: make([]Entry, 0, n)}
	for i := uint32(0); i < n; i++ {
		module, err := rd.string("module name")
		if err != nil {
			return nil, err
		}
		field, err := rd.string("field name")
		if err != nil {
			return nil, err
		}
		at := rd.offset()
		var entity ExternEntity
		if err := entity.Decode(*rd.dec); err != nil {
			return nil, rd.fail("extern entity", at, err)
		}
		def.Entries = append(def.Entries, Entry{ModuleName: module, FieldName: field, Entity: entity})
	}
	return def, rd.finish()
}
