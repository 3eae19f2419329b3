// Package supervisor discovers supervisor bundles on disk and turns them
// into executors.
//
// A bundle is a directory holding a manifest.yaml and the supervisor's Wasm
// binary. The manifest names the methods callers may run and the exports
// forming the supervisor's function table.
package supervisor

import (
	"time"

	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
)

// Supervisor is a loaded bundle with its manifest and compiled Wasm module.
type Supervisor struct {
	// Manifest is the parsed bundle metadata
	Manifest *Manifest

	// Compiled is the compiled Wasm module
	Compiled *wasm.CompiledModule

	// LoadedAt is the timestamp when the supervisor was loaded
	LoadedAt time.Time
}

// Name returns the supervisor name.
func (s *Supervisor) Name() string {
	return s.Manifest.Name
}

// Version returns the supervisor version.
func (s *Supervisor) Version() string {
	return s.Manifest.Version
}

// Exports returns the methods callers may run.
func (s *Supervisor) Exports() []string {
	return s.Manifest.Exports
}

// DispatchTable returns the export names of the function table, or nil if
// the manifest declares none.
func (s *Supervisor) DispatchTable() []string {
	return s.Manifest.DispatchTable
}
