package wasm

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Runtime manages the wazero runtime lifecycle.
//
// It owns the runtime supervisors are instantiated in, and hands out
// isolated runtimes for sandboxed guests. All of them share one compilation
// cache.
type Runtime struct {
	// wazero runtime for supervisors and their host modules
	runtime wazero.Runtime

	// Shared by every runtime created from this one.
	cache         wazero.CompilationCache
	runtimeConfig wazero.RuntimeConfig

	// Compiled module cache (key: module name/path -> value: *CompiledModule)
	modules sync.Map

	// Active supervisor instances (for cleanup on shutdown)
	mu        sync.Mutex
	instances map[string]api.Module

	// Host modules already instantiated in the runtime
	hostModules sync.Map // map[string]struct{}

	config *RuntimeConfig
	logger *zap.Logger

	// Shutdown management
	closeOnce sync.Once
	closed    chan struct{}
}

// RuntimeConfig holds runtime configuration.
type RuntimeConfig struct {
	// Memory limit for every module (in pages, 64KB each)
	MemoryPages uint32

	// Use the interpreter instead of the compiler
	Interpreter bool

	// Compilation cache directory (for persistent caching)
	// If empty, uses in-memory caching only
	CacheDir string

	// Maximum number of concurrent supervisor instances
	MaxInstances int
}

// CompiledModule wraps a wazero.CompiledModule with metadata.
type CompiledModule struct {
	// wazero compiled module
	Module wazero.CompiledModule

	// Module metadata
	Name      string
	Source    string // File path or identifier
	SizeBytes int64
	Digest    string // hex sha256 of the binary

	// Compilation timestamp
	CompiledAt int64
}

// NewRuntime creates and initializes a new wazero runtime.
// This should be called once during application startup.
func NewRuntime(ctx context.Context, logger *zap.Logger, config *RuntimeConfig) (*Runtime, error) {
	if config == nil {
		config = DefaultRuntimeConfig()
	}
	if config.MemoryPages == 0 || config.MemoryPages > 65536 {
		return nil, fmt.Errorf("memory limit must be between 1 and 65536 pages, got %d", config.MemoryPages)
	}

	var cache wazero.CompilationCache
	if config.CacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(config.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache %s: %w", config.CacheDir, err)
		}
	} else {
		cache = wazero.NewCompilationCache()
	}

	rc := wazero.NewRuntimeConfig()
	if config.Interpreter {
		rc = wazero.NewRuntimeConfigInterpreter()
	}
	rc = rc.WithCompilationCache(cache).
		WithMemoryLimitPages(config.MemoryPages).
		WithCloseOnContextDone(true)

	runtime := &Runtime{
		runtime:       wazero.NewRuntimeWithConfig(ctx, rc),
		cache:         cache,
		runtimeConfig: rc,
		instances:     make(map[string]api.Module),
		config:        config,
		logger:        logger.With(zap.String("component", "wasm-runtime")),
		closed:        make(chan struct{}),
	}

	runtime.logger.Info("Wasm runtime initialized",
		zap.Uint32("memory_pages", config.MemoryPages),
		zap.Bool("interpreter", config.Interpreter),
		zap.String("cache_dir", config.CacheDir),
		zap.Int("max_instances", config.MaxInstances),
	)

	return runtime, nil
}

// DefaultRuntimeConfig returns sensible defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MemoryPages:  65536, // 4GB
		Interpreter:  false,
		CacheDir:     "",
		MaxInstances: 100,
	}
}

// Engine returns the underlying wazero runtime.
func (r *Runtime) Engine() wazero.Runtime {
	return r.runtime
}

// NewSandboxRuntime returns a fresh runtime with the same configuration and
// compilation cache. Each sandboxed guest lives in its own runtime so its
// module namespace is isolated from every other guest and from supervisors.
func (r *Runtime) NewSandboxRuntime(ctx context.Context) wazero.Runtime {
	return wazero.NewRuntimeWithConfig(ctx, r.runtimeConfig)
}

// EnsureHostModule instantiates a host module once. Later calls with the
// same name are no-ops.
func (r *Runtime) EnsureHostModule(ctx context.Context, name string, funcs []HostFunc) error {
	if r.IsClosed() {
		return ErrRuntimeClosed
	}
	if _, loaded := r.hostModules.LoadOrStore(name, struct{}{}); loaded {
		return nil
	}

	builder := r.runtime.NewHostModuleBuilder(name)
	ExportHostFunctions(builder, funcs)
	if _, err := builder.Instantiate(ctx); err != nil {
		r.hostModules.Delete(name)
		return fmt.Errorf("failed to instantiate host module %s: %w", name, err)
	}

	r.logger.Debug("Host module instantiated",
		zap.String("module", name),
		zap.Int("functions", len(funcs)),
	)
	return nil
}

// Close gracefully shuts down the runtime.
// Safe to call multiple times (idempotent).
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.logger.Info("Shutting down Wasm runtime")

		// Close all active instances first
		r.mu.Lock()
		for id, mod := range r.instances {
			if closeErr := mod.Close(ctx); closeErr != nil {
				r.logger.Warn("Failed to close instance",
					zap.String("instance_id", id),
					zap.Error(closeErr),
				)
				err = multierr.Append(err, closeErr)
			}
		}
		clear(r.instances)
		r.mu.Unlock()

		// Close the runtime (closes compiled modules)
		err = multierr.Append(err, r.runtime.Close(ctx))
		err = multierr.Append(err, r.cache.Close(ctx))

		close(r.closed)
		r.logger.Info("Wasm runtime shutdown complete")
	})

	return err
}

// GetCompiledModule retrieves a compiled module from cache.
func (r *Runtime) GetCompiledModule(name string) (*CompiledModule, bool) {
	if val, ok := r.modules.Load(name); ok {
		if mod, ok := val.(*CompiledModule); ok {
			return mod, true
		}
	}
	return nil, false
}

// StoreCompiledModule stores a compiled module in cache.
func (r *Runtime) StoreCompiledModule(module *CompiledModule) {
	r.modules.Store(module.Name, module)
}

// StoreInstance tracks an active instance. It fails once MaxInstances
// instances are tracked.
func (r *Runtime) StoreInstance(instanceID string, instance api.Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.config.MaxInstances > 0 && len(r.instances) >= r.config.MaxInstances {
		return fmt.Errorf("%w: limit is %d", ErrTooManyInstances, r.config.MaxInstances)
	}
	r.instances[instanceID] = instance
	return nil
}

// DeleteInstance removes an instance from tracking.
func (r *Runtime) DeleteInstance(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, instanceID)
}

// InstanceCount returns the number of tracked instances.
func (r *Runtime) InstanceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// IsClosed returns whether the runtime has been closed.
func (r *Runtime) IsClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}
