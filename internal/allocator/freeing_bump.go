package allocator

import (
	"encoding/binary"
	"errors"
	"math"
	"math/bits"
)

const (
	alignment             = 8
	headerSize            = 8
	numOrders             = 23
	minPossibleAllocation = 8
	nilMarker             = math.MaxUint32
	occupiedFlag          = uint64(1) << 32
)

var errCorruptedHeader = errors.New("heap header is corrupted")

// order is the index of a power-of-two size class: size = 8 << order.
type order uint32

func orderFromSize(size uint32) (order, error) {
	if size > MaxPossibleAllocation {
		return 0, ErrRequestedAllocationTooLarge
	}
	if size < minPossibleAllocation {
		size = minPossibleAllocation
	}
	amount := uint32(1) << bits.Len32(size-1)
	return order(bits.TrailingZeros32(amount) - bits.TrailingZeros32(minPossibleAllocation)), nil
}

func (o order) size() uint32 {
	return minPossibleAllocation << o
}

// FreeingBumpHeapAllocator is a bump allocator with per-size-class free lists.
//
// Every allocation is rounded up to a power of two between 8 bytes and
// MaxPossibleAllocation and is preceded by an 8-byte header. An occupied
// header stores the order with bit 32 set; a free header stores the pointer
// of the next free header of the same order. Freed blocks are reused by later
// allocations of the same order; otherwise the bump pointer advances and the
// memory grows as needed.
//
// The allocator keeps all its bookkeeping in the memory it manages, so it
// must always be handed the same memory.
type FreeingBumpHeapAllocator struct {
	heapStart      uint32
	bumper         uint32
	freeLists      [numOrders]uint32
	poisoned       bool
	lastMemorySize uint64
	stats          AllocationStats
}

// NewFreeingBumpHeapAllocator returns an allocator whose heap starts at the
// first aligned address at or after heapBase.
func NewFreeingBumpHeapAllocator(heapBase uint32) *FreeingBumpHeapAllocator {
	aligned := uint32((uint64(heapBase) + alignment - 1) / alignment * alignment)
	a := &FreeingBumpHeapAllocator{
		heapStart: aligned,
		bumper:    aligned,
	}
	for i := range a.freeLists {
		a.freeLists[i] = nilMarker
	}
	return a
}

// Allocate reserves size bytes and returns a pointer to them.
func (a *FreeingBumpHeapAllocator) Allocate(mem Memory, size uint32) (uint32, error) {
	if a.poisoned {
		return 0, &Error{Op: "allocate", Value: size, Err: ErrPoisoned}
	}
	if err := a.observeMemorySize(mem); err != nil {
		return 0, &Error{Op: "allocate", Value: size, Err: err}
	}

	ord, err := orderFromSize(size)
	if err != nil {
		return 0, &Error{Op: "allocate", Value: size, Err: err}
	}

	var headerPtr uint32
	if head := a.freeLists[ord]; head != nilMarker {
		header, err := readHeader(mem.Bytes(), head)
		if err != nil || header&occupiedFlag != 0 {
			a.poisoned = true
			return 0, &Error{Op: "allocate", Value: size, Err: errCorruptedHeader}
		}
		a.freeLists[ord] = uint32(header)
		headerPtr = head
	} else {
		headerPtr, err = a.bump(mem, ord.size()+headerSize)
		if err != nil {
			return 0, &Error{Op: "allocate", Value: size, Err: err}
		}
	}

	buf := mem.Bytes()
	if err := writeHeader(buf, headerPtr, occupiedFlag|uint64(ord)); err != nil {
		a.poisoned = true
		return 0, &Error{Op: "allocate", Value: size, Err: err}
	}
	a.lastMemorySize = uint64(len(buf))

	blockSize := ord.size() + headerSize
	a.stats.BytesAllocated += blockSize
	a.stats.BytesAllocatedSum += uint64(blockSize)
	a.stats.BytesAllocatedPeak = max(a.stats.BytesAllocatedPeak, a.stats.BytesAllocated)
	a.stats.AddressSpaceUsed = a.bumper - a.heapStart
	a.stats.Allocations++

	return headerPtr + headerSize, nil
}

// Deallocate releases the block at ptr, which must have been returned by
// Allocate and not freed since.
func (a *FreeingBumpHeapAllocator) Deallocate(mem Memory, ptr uint32) error {
	if a.poisoned {
		return &Error{Op: "deallocate", Value: ptr, Err: ErrPoisoned}
	}
	if err := a.observeMemorySize(mem); err != nil {
		return &Error{Op: "deallocate", Value: ptr, Err: err}
	}

	if ptr < a.heapStart+headerSize || ptr > a.bumper || (ptr-a.heapStart)%alignment != 0 {
		return &Error{Op: "deallocate", Value: ptr, Err: ErrInvalidPointer}
	}
	headerPtr := ptr - headerSize

	buf := mem.Bytes()
	header, err := readHeader(buf, headerPtr)
	if err != nil {
		return &Error{Op: "deallocate", Value: ptr, Err: ErrInvalidPointer}
	}
	if header&occupiedFlag == 0 || uint32(header) >= numOrders {
		return &Error{Op: "deallocate", Value: ptr, Err: ErrInvalidPointer}
	}
	ord := order(uint32(header))

	if err := writeHeader(buf, headerPtr, uint64(a.freeLists[ord])); err != nil {
		a.poisoned = true
		return &Error{Op: "deallocate", Value: ptr, Err: err}
	}
	a.freeLists[ord] = headerPtr

	a.stats.BytesAllocated -= ord.size() + headerSize
	a.stats.Allocations--

	return nil
}

// Stats returns a snapshot of the allocation statistics.
func (a *FreeingBumpHeapAllocator) Stats() AllocationStats {
	return a.stats
}

// bump advances the bump pointer by size bytes, growing the memory first
// when the new block would not fit.
func (a *FreeingBumpHeapAllocator) bump(mem Memory, size uint32) (uint32, error) {
	required := uint64(a.bumper) + uint64(size)
	if required > math.MaxUint32 {
		return 0, ErrOutOfSpace
	}

	if required > uint64(len(mem.Bytes())) {
		requiredPages := (required + PageSize - 1) / PageSize
		current := uint64(mem.Pages())
		maxPages := uint64(MaxWasmPages)
		if m, ok := mem.MaxPages(); ok {
			maxPages = uint64(m)
		}
		if current >= maxPages || requiredPages > maxPages {
			return 0, ErrOutOfSpace
		}

		// Grow to at least double the current size to amortize growth.
		next := max(min(current*2, maxPages), requiredPages)
		if err := mem.Grow(uint32(next - current)); err != nil {
			return 0, ErrOutOfSpace
		}
	}

	res := a.bumper
	a.bumper += size
	return res, nil
}

func (a *FreeingBumpHeapAllocator) observeMemorySize(mem Memory) error {
	size := uint64(len(mem.Bytes()))
	if size < a.lastMemorySize {
		a.poisoned = true
		return ErrMemoryShrunk
	}
	a.lastMemorySize = size
	return nil
}

func readHeader(buf []byte, ptr uint32) (uint64, error) {
	end := uint64(ptr) + headerSize
	if end > uint64(len(buf)) {
		return 0, errCorruptedHeader
	}
	return binary.LittleEndian.Uint64(buf[ptr:end]), nil
}

func writeHeader(buf []byte, ptr uint32, header uint64) error {
	end := uint64(ptr) + headerSize
	if end > uint64(len(buf)) {
		return errCorruptedHeader
	}
	binary.LittleEndian.PutUint64(buf[ptr:end], header)
	return nil
}
