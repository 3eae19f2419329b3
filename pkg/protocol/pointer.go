package protocol

// PackPtrLen packs a pointer and a length into the i64 returned by wasm
// functions that hand back a buffer: the pointer in the low 32 bits, the
// length in the high 32 bits.
func PackPtrLen(ptr, length uint32) uint64 {
	return uint64(length)<<32 | uint64(ptr)
}

// UnpackPtrLen is the inverse of PackPtrLen.
func UnpackPtrLen(packed uint64) (ptr, length uint32) {
	return uint32(packed), uint32(packed >> 32)
}
