package sandbox

import (
	"fmt"
	"unsafe"

	"github.com/tetratelabs/wazero/api"

	sandboxapi "github.com/woxQAQ/wasm-sandbox-host/api/sandbox"
	"github.com/woxQAQ/wasm-sandbox-host/internal/allocator"
)

// MaxMemoryPages is the largest size a sandboxed memory can have. One page
// short of the wasm maximum keeps byte sizes within 32 bits.
const MaxMemoryPages = allocator.MaxWasmPages - 1

// Memory is a sandboxed linear memory.
//
// A memory starts out detached, holding its own bytes. When a guest imports
// it, the memory is attached to the guest's engine memory: its bytes move
// into that memory and every access goes through it until the guest is torn
// down and the bytes move back. A memory is attached to at most one live
// guest at a time.
type Memory struct {
	maximum  uint32
	detached []byte
	attached api.Memory
}

// newMemory creates a memory of initial pages. maximum is a page count or
// MemUnlimited; limit caps both.
func newMemory(initial, maximum, limit uint32) (*Memory, error) {
	limit = min(limit, MaxMemoryPages)
	if maximum == sandboxapi.MemUnlimited || maximum > limit {
		maximum = limit
	}
	if initial > maximum {
		return nil, fmt.Errorf("%w: initial %d, maximum %d", ErrInvalidMemoryLimits, initial, maximum)
	}
	return &Memory{
		maximum:  maximum,
		detached: make([]byte, uint64(initial)*allocator.PageSize),
	}, nil
}

// Pages returns the current size in pages.
func (m *Memory) Pages() uint32 {
	return m.Size() / allocator.PageSize
}

// MaxPages returns the maximum size in pages.
func (m *Memory) MaxPages() uint32 {
	return m.maximum
}

// Size returns the current size in bytes.
func (m *Memory) Size() uint32 {
	if m.attached != nil {
		return m.attached.Size()
	}
	return uint32(len(m.detached))
}

// Read returns a view of byteCount bytes at offset.
func (m *Memory) Read(offset, byteCount uint32) ([]byte, bool) {
	if m.attached != nil {
		return m.attached.Read(offset, byteCount)
	}
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(m.detached)) {
		return nil, false
	}
	return m.detached[offset:end], true
}

// Write copies v to offset.
func (m *Memory) Write(offset uint32, v []byte) bool {
	if m.attached != nil {
		return m.attached.Write(offset, v)
	}
	if uint64(offset)+uint64(len(v)) > uint64(len(m.detached)) {
		return false
	}
	copy(m.detached[offset:], v)
	return true
}

// Grow adds pages and returns the previous size in pages.
func (m *Memory) Grow(pages uint32) (uint32, error) {
	prev := m.Pages()
	if uint64(prev)+uint64(pages) > uint64(m.maximum) {
		return 0, fmt.Errorf("%w: %d + %d pages exceeds %d", ErrMemoryLimit, prev, pages, m.maximum)
	}
	if m.attached != nil {
		if _, ok := m.attached.Grow(pages); !ok {
			return 0, fmt.Errorf("%w: engine refused %d pages", ErrMemoryLimit, pages)
		}
		return prev, nil
	}
	m.detached = append(m.detached, make([]byte, uint64(pages)*allocator.PageSize)...)
	return prev, nil
}

// Buffer returns the host address of the memory's bytes, or 0 for an empty
// memory. The address is invalidated by Grow and by attaching or detaching.
func (m *Memory) Buffer() uint64 {
	buf, _ := m.Read(0, m.Size())
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
}

// Attached reports whether the memory is in use by a guest.
func (m *Memory) Attached() bool {
	return m.attached != nil
}

func (m *Memory) attach(mem api.Memory) error {
	if m.attached != nil {
		return ErrMemoryInUse
	}
	if mem.Size() < uint32(len(m.detached)) || !mem.Write(0, m.detached) {
		return fmt.Errorf("engine memory of %d bytes cannot hold %d bytes", mem.Size(), len(m.detached))
	}
	m.attached = mem
	m.detached = nil
	return nil
}

func (m *Memory) detach() {
	if m.attached == nil {
		return
	}
	buf, _ := m.attached.Read(0, m.attached.Size())
	m.detached = append([]byte(nil), buf...)
	m.attached = nil
}
