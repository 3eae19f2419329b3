package wasm

import (
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/woxQAQ/wasm-sandbox-host/internal/allocator"
)

// ByteMemory is a linear memory as seen by the access layer.
//
// api.Memory satisfies it, as do sandboxed memories that are not backed by
// an engine memory.
type ByteMemory interface {
	// Size returns the size in bytes.
	Size() uint32
	// Read returns a view of byteCount bytes at offset, or false if the
	// range is out of bounds.
	Read(offset, byteCount uint32) ([]byte, bool)
	// Write copies v to offset, or returns false without writing anything
	// if the range is out of bounds.
	Write(offset uint32, v []byte) bool
}

// Memory provides bounds-checked access to a linear memory.
//
// Addresses handed to a Memory come from untrusted wasm code. Every range is
// validated against the current memory size before any byte is copied, so a
// failed call never performs a partial read or write.
type Memory struct {
	mem ByteMemory
}

// NewMemory creates a memory helper.
func NewMemory(mem ByteMemory) *Memory {
	return &Memory{mem: mem}
}

// Size returns the current size in bytes.
func (m *Memory) Size() uint32 {
	return m.mem.Size()
}

// ReadInto fills dest with the bytes at address.
func (m *Memory) ReadInto(address uint32, dest []byte) error {
	view, err := m.view("read", address, uint64(len(dest)))
	if err != nil {
		return err
	}
	copy(dest, view)
	return nil
}

// ReadBytes returns a copy of length bytes at address.
func (m *Memory) ReadBytes(address, length uint32) ([]byte, error) {
	view, err := m.view("read", address, uint64(length))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), view...), nil
}

// ReadString reads a string of length bytes at address.
func (m *Memory) ReadString(address, length uint32) (string, error) {
	view, err := m.view("read", address, uint64(length))
	if err != nil {
		return "", err
	}
	return string(view), nil
}

// Write copies data to address.
func (m *Memory) Write(address uint32, data []byte) error {
	if err := m.check("write", address, uint64(len(data))); err != nil {
		return err
	}
	if !m.mem.Write(address, data) {
		return &MemoryAccessError{Operation: "write", Address: address, Length: uint64(len(data)), Size: m.mem.Size(), Err: ErrOutOfBounds}
	}
	return nil
}

func (m *Memory) view(op string, address uint32, length uint64) ([]byte, error) {
	if err := m.check(op, address, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	view, ok := m.mem.Read(address, uint32(length))
	if !ok {
		return nil, &MemoryAccessError{Operation: op, Address: address, Length: length, Size: m.mem.Size(), Err: ErrOutOfBounds}
	}
	return view, nil
}

func (m *Memory) check(op string, address uint32, length uint64) error {
	size := m.mem.Size()
	if uint64(address)+length > uint64(size) {
		return &MemoryAccessError{Operation: op, Address: address, Length: length, Size: size, Err: ErrOutOfBounds}
	}
	return nil
}

// ReadMemoryInto fills dest with the bytes of mem at address.
func ReadMemoryInto(mem ByteMemory, address uint32, dest []byte) error {
	return NewMemory(mem).ReadInto(address, dest)
}

// ReadMemory returns a copy of length bytes of mem at address.
func ReadMemory(mem ByteMemory, address, length uint32) ([]byte, error) {
	return NewMemory(mem).ReadBytes(address, length)
}

// WriteMemory copies data into mem at address.
func WriteMemory(mem ByteMemory, address uint32, data []byte) error {
	return NewMemory(mem).Write(address, data)
}

var errGrowFailed = errors.New("memory.grow failed")

// allocatorMemory lets the heap allocator manage an engine memory.
type allocatorMemory struct {
	mem api.Memory
}

// AllocatorMemory exposes an engine memory to the heap allocator.
func AllocatorMemory(mem api.Memory) allocator.Memory {
	return allocatorMemory{mem: mem}
}

func (m allocatorMemory) Bytes() []byte {
	buf, _ := m.mem.Read(0, m.mem.Size())
	return buf
}

func (m allocatorMemory) Grow(additional uint32) error {
	if _, ok := m.mem.Grow(additional); !ok {
		return fmt.Errorf("%w: %d pages", errGrowFailed, additional)
	}
	return nil
}

func (m allocatorMemory) Pages() uint32 {
	return m.mem.Size() / allocator.PageSize
}

func (m allocatorMemory) MaxPages() (uint32, bool) {
	if m.mem.Definition() == nil {
		return 0, false
	}
	return m.mem.Definition().Max()
}
