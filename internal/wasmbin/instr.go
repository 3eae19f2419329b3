package wasmbin

import (
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

// Instruction encoders. Each returns the encoding of a single instruction,
// to be concatenated into a function body.

func op(code wasm.Opcode, immediates ...[]byte) []byte {
	out := []byte{byte(code)}
	for _, imm := range immediates {
		out = append(out, imm...)
	}
	return out
}

func Unreachable() []byte { return op(wasm.OpcodeUnreachable) }

func Return() []byte { return op(wasm.OpcodeReturn) }

func Drop() []byte { return op(wasm.OpcodeDrop) }

func Call(funcIdx uint32) []byte { return op(wasm.OpcodeCall, leb128.EncodeUint32(funcIdx)) }

func LocalGet(idx uint32) []byte { return op(wasm.OpcodeLocalGet, leb128.EncodeUint32(idx)) }

func LocalSet(idx uint32) []byte { return op(wasm.OpcodeLocalSet, leb128.EncodeUint32(idx)) }

func GlobalGet(idx uint32) []byte { return op(wasm.OpcodeGlobalGet, leb128.EncodeUint32(idx)) }

func GlobalSet(idx uint32) []byte { return op(wasm.OpcodeGlobalSet, leb128.EncodeUint32(idx)) }

func I32Const(v int32) []byte { return op(wasm.OpcodeI32Const, leb128.EncodeInt32(v)) }

func I64Const(v int64) []byte { return op(wasm.OpcodeI64Const, leb128.EncodeInt64(v)) }

func I32Add() []byte { return op(wasm.OpcodeI32Add) }

func I32Sub() []byte { return op(wasm.OpcodeI32Sub) }

func I64Or() []byte { return op(wasm.OpcodeI64Or) }

func I64Shl() []byte { return op(wasm.OpcodeI64Shl) }

func I64ExtendI32U() []byte { return op(wasm.OpcodeI64ExtendI32U) }

// memarg for memory 0 with natural 4-byte alignment.
func memarg(offset uint32) []byte {
	return append([]byte{0x02}, leb128.EncodeUint32(offset)...)
}

// I32Load loads from memory 0 with natural alignment.
func I32Load(offset uint32) []byte { return op(wasm.OpcodeI32Load, memarg(offset)) }

// I32Store stores to memory 0 with natural alignment.
func I32Store(offset uint32) []byte { return op(wasm.OpcodeI32Store, memarg(offset)) }

func MemorySize() []byte { return op(wasm.OpcodeMemorySize, []byte{0x00}) }

func MemoryGrow() []byte { return op(wasm.OpcodeMemoryGrow, []byte{0x00}) }

// PackPointerLength leaves (len << 32) | ptr on the stack for the i32 locals
// holding ptr and len.
func PackPointerLength(ptrLocal, lenLocal uint32) []byte {
	var out []byte
	out = append(out, LocalGet(lenLocal)...)
	out = append(out, I64ExtendI32U()...)
	out = append(out, I64Const(32)...)
	out = append(out, I64Shl()...)
	out = append(out, LocalGet(ptrLocal)...)
	out = append(out, I64ExtendI32U()...)
	out = append(out, I64Or()...)
	return out
}
