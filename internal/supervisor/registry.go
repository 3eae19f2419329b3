package supervisor

import (
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry manages loaded supervisors.
type Registry struct {
	sync.RWMutex
	supervisors map[string]*Supervisor   // name -> supervisor
	byExport    map[string][]*Supervisor // method -> supervisors
	logger      *zap.Logger
}

// NewRegistry creates a new supervisor registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		supervisors: make(map[string]*Supervisor),
		byExport:    make(map[string][]*Supervisor),
		logger:      logger.With(zap.String("component", "supervisor-registry")),
	}
}

// Register adds a supervisor to the registry.
func (r *Registry) Register(s *Supervisor) error {
	r.Lock()
	defer r.Unlock()

	name := s.Manifest.Name

	if _, exists := r.supervisors[name]; exists {
		return &AlreadyRegisteredError{SupervisorName: name}
	}

	r.supervisors[name] = s

	for _, method := range s.Manifest.Exports {
		r.byExport[method] = append(r.byExport[method], s)
	}

	r.logger.Info("Supervisor registered",
		zap.String("name", name),
		zap.Int("exports", len(s.Manifest.Exports)),
	)

	return nil
}

// Get retrieves a supervisor by name.
func (r *Registry) Get(name string) (*Supervisor, bool) {
	r.RLock()
	defer r.RUnlock()

	s, ok := r.supervisors[name]
	return s, ok
}

// LookupByExport finds the supervisors exporting method.
func (r *Registry) LookupByExport(method string) []*Supervisor {
	r.RLock()
	defer r.RUnlock()

	found := r.byExport[method]
	// Return copy to avoid race conditions
	result := make([]*Supervisor, len(found))
	copy(result, found)
	return result
}

// List returns all registered supervisors ordered by name.
func (r *Registry) List() []*Supervisor {
	r.RLock()
	defer r.RUnlock()

	result := make([]*Supervisor, 0, len(r.supervisors))
	for _, s := range r.supervisors {
		result = append(result, s)
	}
	slices.SortFunc(result, func(a, b *Supervisor) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return result
}

// Unregister removes a supervisor from the registry.
func (r *Registry) Unregister(name string) {
	r.Lock()
	defer r.Unlock()

	s, ok := r.supervisors[name]
	if !ok {
		return
	}

	for _, method := range s.Manifest.Exports {
		found := r.byExport[method]
		for i, other := range found {
			if other == s {
				found = append(found[:i], found[i+1:]...)
				break
			}
		}
		if len(found) == 0 {
			delete(r.byExport, method)
		} else {
			r.byExport[method] = found
		}
	}

	delete(r.supervisors, name)

	r.logger.Info("Supervisor unregistered", zap.String("name", name))
}

// Count returns the number of registered supervisors.
func (r *Registry) Count() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.supervisors)
}
