package protocol

import (
	"fmt"
	"math"
)

// ValueType is the type of a wasm value. The numeric values match the wasm
// binary encoding, so they compare equal to wazero's api.ValueType constants.
type ValueType byte

const (
	ValueTypeI32 ValueType = 0x7f
	ValueTypeI64 ValueType = 0x7e
	ValueTypeF32 ValueType = 0x7d
	ValueTypeF64 ValueType = 0x7c
)

func (t ValueType) String() string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	default:
		return fmt.Sprintf("unknown(0x%x)", byte(t))
	}
}

// Value is a typed wasm value exchanged across the sandbox boundary.
//
// Floats are carried as their IEEE-754 bit patterns so that NaN payloads
// survive a round trip unchanged.
type Value struct {
	Type ValueType
	bits uint64
}

// I32 returns an i32 value.
func I32(v int32) Value { return Value{Type: ValueTypeI32, bits: uint64(uint32(v))} }

// I64 returns an i64 value.
func I64(v int64) Value { return Value{Type: ValueTypeI64, bits: uint64(v)} }

// F32 returns an f32 value from its bit pattern.
func F32(bits uint32) Value { return Value{Type: ValueTypeF32, bits: uint64(bits)} }

// F64 returns an f64 value from its bit pattern.
func F64(bits uint64) Value { return Value{Type: ValueTypeF64, bits: bits} }

// F32FromFloat returns an f32 value.
func F32FromFloat(f float32) Value { return F32(math.Float32bits(f)) }

// F64FromFloat returns an f64 value.
func F64FromFloat(f float64) Value { return F64(math.Float64bits(f)) }

// FromRaw builds a value from the uint64 stack encoding used by wazero.
func FromRaw(t ValueType, raw uint64) (Value, error) {
	switch t {
	case ValueTypeI32, ValueTypeF32:
		return Value{Type: t, bits: uint64(uint32(raw))}, nil
	case ValueTypeI64, ValueTypeF64:
		return Value{Type: t, bits: raw}, nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %s", t)
	}
}

// Raw returns the value in the uint64 stack encoding used by wazero.
func (v Value) Raw() uint64 { return v.bits }

// AsI32 returns the value if it is an i32.
func (v Value) AsI32() (int32, bool) {
	if v.Type != ValueTypeI32 {
		return 0, false
	}
	return int32(uint32(v.bits)), true
}

// AsI64 returns the value if it is an i64.
func (v Value) AsI64() (int64, bool) {
	if v.Type != ValueTypeI64 {
		return 0, false
	}
	return int64(v.bits), true
}

func (v Value) String() string {
	switch v.Type {
	case ValueTypeI32:
		return fmt.Sprintf("I32(%d)", int32(uint32(v.bits)))
	case ValueTypeI64:
		return fmt.Sprintf("I64(%d)", int64(v.bits))
	case ValueTypeF32:
		return fmt.Sprintf("F32(%v)", math.Float32frombits(uint32(v.bits)))
	case ValueTypeF64:
		return fmt.Sprintf("F64(%v)", math.Float64frombits(v.bits))
	default:
		return "Invalid"
	}
}

// ReturnValue is the result of a sandboxed or supervisor call: either unit
// or exactly one value.
type ReturnValue struct {
	Value    Value
	HasValue bool
}

// Unit is the empty return value.
var Unit = ReturnValue{}

// ReturnOf wraps v as a return value.
func ReturnOf(v Value) ReturnValue {
	return ReturnValue{Value: v, HasValue: true}
}
