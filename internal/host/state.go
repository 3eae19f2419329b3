// Package host implements the host side of a runtime call into a supervisor:
// the state shared by every host function of the call, and the context each
// host function is given.
package host

import (
	"context"

	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-sandbox-host/internal/allocator"
	"github.com/woxQAQ/wasm-sandbox-host/internal/sandbox"
)

// State lives for one runtime call and is shared by all host functions
// invoked during it.
//
// The sandbox store and the allocator are lent out for the duration of an
// operation that needs them exclusively and put back on every exit path. A
// nil field means it is currently lent out.
type State struct {
	sandboxStore *sandbox.Store
	allocator    *allocator.FreeingBumpHeapAllocator
	panicMessage *string
	logger       *zap.Logger
}

// NewState creates the state of a runtime call with an empty sandbox store
// and a fresh allocator whose heap starts at heapBase.
func NewState(backend sandbox.Backend, limits sandbox.Limits, heapBase uint32, logger *zap.Logger) *State {
	return &State{
		sandboxStore: sandbox.NewStore(backend, limits, logger),
		allocator:    allocator.NewFreeingBumpHeapAllocator(heapBase),
		logger:       logger.With(zap.String("component", "host-state")),
	}
}

// withSandboxStore runs fn with the sandbox store taken out of s. The store
// is restored when fn returns or panics.
func (s *State) withSandboxStore(fn func(*sandbox.Store) error) error {
	store := s.sandboxStore
	if store == nil {
		return ErrSandboxStoreTaken
	}
	s.sandboxStore = nil
	defer func() { s.sandboxStore = store }()
	return fn(store)
}

// sandboxStoreRef returns the store without taking it out. The caller must
// not hold on to it across a call that runs guest code.
func (s *State) sandboxStoreRef() (*sandbox.Store, error) {
	if s.sandboxStore == nil {
		return nil, ErrSandboxStoreTaken
	}
	return s.sandboxStore, nil
}

// withAllocator runs fn with the allocator taken out of s. The allocator is
// restored when fn returns or panics.
func (s *State) withAllocator(fn func(*allocator.FreeingBumpHeapAllocator) error) error {
	a := s.allocator
	if a == nil {
		return ErrAllocatorTaken
	}
	s.allocator = nil
	defer func() { s.allocator = a }()
	return fn(a)
}

// RegisterPanicMessage records the reason of an upcoming panic.
func (s *State) RegisterPanicMessage(message string) {
	s.panicMessage = &message
}

// TakePanicMessage returns the registered panic message and clears it.
func (s *State) TakePanicMessage() (string, bool) {
	if s.panicMessage == nil {
		return "", false
	}
	msg := *s.panicMessage
	s.panicMessage = nil
	return msg, true
}

// AllocationStats returns the allocator's statistics.
func (s *State) AllocationStats() (allocator.AllocationStats, error) {
	if s.allocator == nil {
		return allocator.AllocationStats{}, ErrAllocatorTaken
	}
	return s.allocator.Stats(), nil
}

// Close releases every sandbox instance and memory created during the call.
func (s *State) Close(ctx context.Context) error {
	return s.withSandboxStore(func(store *sandbox.Store) error {
		return store.Close(ctx)
	})
}
