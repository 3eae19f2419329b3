package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	sandboxapi "github.com/woxQAQ/wasm-sandbox-host/api/sandbox"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
)

// guestModuleName is the module name of every guest in its runtime.
const guestModuleName = "guest"

// maxID is the first id that would be mistaken for a status code.
const maxID = sandboxapi.ErrModule

// Limits bound the resources of a Store.
type Limits struct {
	// MaxInstances is the maximum number of live instances.
	MaxInstances int
	// MaxMemories is the maximum number of live memories.
	MaxMemories int
	// MemoryLimitPages caps the size of every sandboxed memory.
	MemoryLimitPages uint32
}

// DefaultLimits returns the default store limits.
func DefaultLimits() Limits {
	return Limits{
		MaxInstances:     64,
		MaxMemories:      64,
		MemoryLimitPages: 16384, // 1GB
	}
}

// Backend creates the runtimes guests are instantiated in.
type Backend interface {
	NewSandboxRuntime(ctx context.Context) wazero.Runtime
}

type instanceEntry struct {
	instance *Instance
	thunk    wasm.FuncRef
}

// Store owns the sandboxed instances and memories of one runtime entry.
//
// Entries are kept in slot arenas indexed by id. A torn-down entry leaves an
// empty slot behind, so ids are never reused within a Store.
type Store struct {
	backend Backend
	limits  Limits
	logger  *zap.Logger

	instances     []*instanceEntry
	memories      []*Memory
	liveInstances int
	liveMemories  int
}

// NewStore creates an empty store.
func NewStore(backend Backend, limits Limits, logger *zap.Logger) *Store {
	return &Store{
		backend: backend,
		limits:  limits,
		logger:  logger.With(zap.String("component", "sandbox-store")),
	}
}

// NewMemory creates a memory of initial pages that can grow up to maximum
// pages, or up to the store limit if maximum is MemUnlimited.
func (s *Store) NewMemory(initial, maximum uint32) (uint32, error) {
	if s.limits.MaxMemories > 0 && s.liveMemories >= s.limits.MaxMemories {
		return 0, ErrTooManyMemories
	}
	if uint64(len(s.memories)) >= uint64(maxID) {
		return 0, ErrTooManyMemories
	}

	mem, err := newMemory(initial, maximum, s.limits.MemoryLimitPages)
	if err != nil {
		return 0, err
	}

	id := uint32(len(s.memories))
	s.memories = append(s.memories, mem)
	s.liveMemories++

	s.logger.Debug("Sandbox memory created",
		zap.Uint32("memory_id", id),
		zap.Uint32("initial", initial),
		zap.Uint32("maximum", mem.MaxPages()),
	)
	return id, nil
}

// Memory returns the memory with the given id.
func (s *Store) Memory(id uint32) (*Memory, error) {
	if uint64(id) >= uint64(len(s.memories)) || s.memories[id] == nil {
		return nil, &NotFoundError{Kind: "memory", ID: id}
	}
	return s.memories[id], nil
}

// MemoryTeardown removes a memory. A guest that imported it keeps using it
// until the guest is torn down.
func (s *Store) MemoryTeardown(id uint32) error {
	if _, err := s.Memory(id); err != nil {
		return err
	}
	s.memories[id] = nil
	s.liveMemories--
	s.logger.Debug("Sandbox memory torn down", zap.Uint32("memory_id", id))
	return nil
}

// Instance returns the instance with the given id.
func (s *Store) Instance(id uint32) (*Instance, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	return entry.instance, nil
}

// DispatchThunk returns the dispatch thunk registered with an instance.
func (s *Store) DispatchThunk(id uint32) (wasm.FuncRef, error) {
	entry, err := s.entry(id)
	if err != nil {
		return wasm.FuncRef{}, err
	}
	return entry.thunk, nil
}

func (s *Store) entry(id uint32) (*instanceEntry, error) {
	if uint64(id) >= uint64(len(s.instances)) || s.instances[id] == nil {
		return nil, &NotFoundError{Kind: "instance", ID: id}
	}
	return s.instances[id], nil
}

// InstanceTeardown removes an instance and releases its resources.
func (s *Store) InstanceTeardown(ctx context.Context, id uint32) error {
	entry, err := s.entry(id)
	if err != nil {
		return err
	}
	s.instances[id] = nil
	s.liveInstances--
	s.logger.Debug("Sandbox instance torn down", zap.Uint32("instance_id", id))
	return entry.instance.Close(ctx)
}

// Instantiate compiles and instantiates a guest against env. The returned
// instance is not part of the store until it is registered.
//
// Guest code may run during instantiation: its start function can call
// imports, which are routed through sc.
//
// A trap in the start function yields an InstantiationError wrapping
// ErrStartTrapped.
func (s *Store) Instantiate(ctx context.Context, wasmBytes []byte, env *GuestEnvironment, sc Context) (_ *Instance, err error) {
	if s.limits.MaxInstances > 0 && s.liveInstances >= s.limits.MaxInstances {
		return nil, &InstantiationError{Err: ErrTooManyInstances}
	}
	if uint64(len(s.instances)) >= uint64(maxID) {
		return nil, &InstantiationError{Err: ErrTooManyInstances}
	}

	r := s.backend.NewSandboxRuntime(ctx)
	var attached []*Memory
	ok := false
	defer func() {
		if ok {
			return
		}
		for _, mem := range attached {
			mem.detach()
		}
		if closeErr := r.Close(ctx); closeErr != nil {
			s.logger.Warn("Failed to close sandbox runtime", zap.Error(closeErr))
		}
	}()

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &InstantiationError{Err: err}
	}

	attached, err = link(ctx, r, compiled, env)
	if err != nil {
		return nil, &InstantiationError{Err: err}
	}

	module, err := r.InstantiateModule(WithContext(ctx, sc), compiled,
		wazero.NewModuleConfig().WithName(guestModuleName).WithStartFunctions())
	if err != nil {
		if isTrap(err) {
			return nil, &InstantiationError{Err: fmt.Errorf("%w: %w", ErrStartTrapped, err)}
		}
		return nil, &InstantiationError{Err: err}
	}

	ok = true
	return &Instance{
		runtime:  r,
		module:   module,
		memories: attached,
		logger:   s.logger,
	}, nil
}

// Register adds an instantiated guest to the store and returns its id.
func (s *Store) Register(inst *Instance, thunk wasm.FuncRef) uint32 {
	id := uint32(len(s.instances))
	inst.id = id
	s.instances = append(s.instances, &instanceEntry{instance: inst, thunk: thunk})
	s.liveInstances++
	s.logger.Debug("Sandbox instance registered",
		zap.Uint32("instance_id", id),
		zap.String("dispatch_thunk", thunk.Name()),
	)
	return id
}

// Close releases every live instance and drops every memory.
func (s *Store) Close(ctx context.Context) error {
	var err error
	for id, entry := range s.instances {
		if entry == nil {
			continue
		}
		if closeErr := entry.instance.Close(ctx); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("instance %d: %w", id, closeErr))
		}
		s.instances[id] = nil
	}
	clear(s.memories)
	s.liveInstances = 0
	s.liveMemories = 0
	return err
}

// isTrap reports whether an instantiation error was raised by running guest
// code rather than by decoding or linking the module.
//
// Failures of imported supervisor functions and guest exits are matched by
// type. Traps raised by guest instructions are matched by the "wasm error:"
// prefix wazero (v1.11) gives its runtime errors, which it does not export.
// TestIsTrapMatchesEngineErrors pins that text.
func isTrap(err error) bool {
	var hostErr *HostCallError
	if errors.As(err, &hostErr) {
		return true
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return true
	}
	return strings.Contains(err.Error(), "wasm error:")
}
