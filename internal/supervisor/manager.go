package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-sandbox-host/internal/config"
	"github.com/woxQAQ/wasm-sandbox-host/internal/executor"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
)

// Manager manages the supervisor lifecycle.
type Manager struct {
	cfg      *config.ExecutorConfig
	runtime  *wasm.Runtime
	loader   *Loader
	registry *Registry
	logger   *zap.Logger
	baseLog  *zap.Logger

	mu        sync.RWMutex
	loaded    bool
	executors map[string]*executor.Executor
}

// NewManager creates a new supervisor manager.
func NewManager(cfg *config.ExecutorConfig, runtime *wasm.Runtime, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		runtime:   runtime,
		loader:    NewLoader(runtime, logger),
		registry:  NewRegistry(logger),
		logger:    logger.With(zap.String("component", "supervisor-manager")),
		baseLog:   logger,
		executors: make(map[string]*executor.Executor),
	}
}

// LoadAll discovers and loads all supervisors from configured paths.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return fmt.Errorf("supervisors already loaded")
	}

	m.logger.Info("Loading supervisors",
		zap.Strings("paths", m.cfg.SupervisorPaths),
	)

	supervisors, err := m.loader.DiscoverSupervisors(ctx, m.cfg.SupervisorPaths)
	if err != nil {
		var notFound *NoSupervisorsFoundError
		if errors.As(err, &notFound) && notFound.Err == nil {
			m.logger.Warn("No supervisors found in configured paths",
				zap.Strings("paths", m.cfg.SupervisorPaths),
			)
			m.loaded = true
			return nil
		}
		return err
	}

	for _, s := range supervisors {
		if err := m.registry.Register(s); err != nil {
			m.logger.Error("Failed to register supervisor",
				zap.String("name", s.Manifest.Name),
				zap.Error(err),
			)
			continue
		}
	}

	m.loaded = true

	m.logger.Info("Supervisors loaded successfully",
		zap.Int("count", m.registry.Count()),
	)

	return nil
}

// Get retrieves a supervisor by name.
func (m *Manager) Get(name string) (*Supervisor, error) {
	s, ok := m.registry.Get(name)
	if !ok {
		return nil, &NotFoundError{SupervisorName: name}
	}
	return s, nil
}

// FindForMethod finds a supervisor exporting method.
func (m *Manager) FindForMethod(method string) (*Supervisor, error) {
	found := m.registry.LookupByExport(method)
	if len(found) == 0 {
		return nil, fmt.Errorf("no supervisor exports method '%s'", method)
	}
	return found[0], nil
}

// Executor returns the executor of a supervisor, instantiating the
// supervisor on first use.
func (m *Manager) Executor(ctx context.Context, name string) (*executor.Executor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.executors[name]; ok {
		return e, nil
	}

	s, ok := m.registry.Get(name)
	if !ok {
		return nil, &NotFoundError{SupervisorName: name}
	}

	extraPages := m.cfg.Heap.ExtraPages
	if s.Manifest.Wasm.HeapExtraPages > 0 {
		extraPages = s.Manifest.Wasm.HeapExtraPages
	}

	e, err := executor.New(ctx, m.runtime, executor.Options{
		ModuleName:     s.Compiled.Name,
		DispatchTable:  s.DispatchTable(),
		Limits:         m.cfg.Limits(),
		HeapExtraPages: extraPages,
	}, m.baseLog)
	if err != nil {
		// Instantiation is deterministic, so the supervisor would fail again.
		m.registry.Unregister(name)
		m.logger.Warn("Unregistered supervisor that failed to instantiate",
			zap.String("name", name),
			zap.Error(err),
		)
		return nil, &LoadError{SupervisorName: name, Err: err}
	}

	m.executors[name] = e
	return e, nil
}

// Call runs method of the named supervisor. Only methods listed in the
// manifest's exports can be called. An empty name selects a supervisor
// exporting method.
func (m *Manager) Call(ctx context.Context, name, method string, input []byte) ([]byte, error) {
	var s *Supervisor
	var err error
	if name == "" {
		s, err = m.FindForMethod(method)
	} else {
		s, err = m.Get(name)
	}
	if err != nil {
		return nil, err
	}
	name = s.Name()
	if !s.Manifest.ExportsMethod(method) {
		return nil, &MethodNotExportedError{SupervisorName: name, Method: method}
	}

	e, err := m.Executor(ctx, name)
	if err != nil {
		return nil, err
	}
	return e.Call(ctx, method, input)
}

// Shutdown releases all executors and closes the runtime.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down supervisor manager")

	m.mu.Lock()
	var err error
	for name, e := range m.executors {
		if closeErr := e.Close(ctx); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("supervisor %s: %w", name, closeErr))
		}
		delete(m.executors, name)
	}
	m.mu.Unlock()

	err = multierr.Append(err, m.runtime.Close(ctx))
	if err != nil {
		m.logger.Error("Failed to shutdown supervisor manager", zap.Error(err))
		return err
	}

	m.logger.Info("Supervisor manager shutdown complete")
	return nil
}

// List returns the registered supervisors ordered by name.
func (m *Manager) List() []*Supervisor {
	return m.registry.List()
}
