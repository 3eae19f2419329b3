package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
)

// Loader handles loading supervisors from disk.
type Loader struct {
	moduleLoader *wasm.ModuleLoader
	logger       *zap.Logger
}

// NewLoader creates a new supervisor loader.
func NewLoader(runtime *wasm.Runtime, logger *zap.Logger) *Loader {
	return &Loader{
		moduleLoader: wasm.NewModuleLoader(runtime, logger),
		logger:       logger.With(zap.String("component", "supervisor-loader")),
	}
}

// LoadSupervisor loads a single supervisor from a directory.
func (l *Loader) LoadSupervisor(ctx context.Context, dir string) (*Supervisor, error) {
	l.logger.Debug("Loading supervisor", zap.String("dir", dir))

	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Loading supervisor",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.Strings("exports", manifest.Exports),
	)

	// Compile Wasm module (uses internal caching)
	compiled, err := l.moduleLoader.LoadModuleFromFile(ctx, manifest.WasmPath())
	if err != nil {
		return nil, &LoadError{
			SupervisorName: manifest.Name,
			Err:            err,
		}
	}

	s := &Supervisor{
		Manifest: manifest,
		Compiled: compiled,
		LoadedAt: time.Now(),
	}

	l.logger.Info("Supervisor loaded successfully",
		zap.String("name", manifest.Name),
		zap.Int64("size_bytes", compiled.SizeBytes),
		zap.String("digest", compiled.Digest),
	)

	return s, nil
}

// DiscoverSupervisors scans directories for supervisor bundles. Every
// subdirectory of a path is tried; paths that do not exist are skipped.
func (l *Loader) DiscoverSupervisors(ctx context.Context, paths []string) ([]*Supervisor, error) {
	var supervisors []*Supervisor
	var errs error

	for _, basePath := range paths {
		l.logger.Debug("Scanning supervisor directory", zap.String("path", basePath))

		entries, err := os.ReadDir(basePath)
		if err != nil {
			if os.IsNotExist(err) {
				l.logger.Warn("Supervisor path does not exist", zap.String("path", basePath))
				continue
			}
			return nil, fmt.Errorf("failed to read directory '%s': %w", basePath, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			dir := filepath.Join(basePath, entry.Name())

			s, err := l.LoadSupervisor(ctx, dir)
			if err != nil {
				l.logger.Error("Failed to load supervisor",
					zap.String("dir", dir),
					zap.Error(err),
				)
				errs = multierr.Append(errs, err)
				continue
			}

			supervisors = append(supervisors, s)
		}
	}

	if len(supervisors) > 0 && errs != nil {
		l.logger.Warn("Some supervisors failed to load",
			zap.Int("loaded", len(supervisors)),
			zap.Int("failed", len(multierr.Errors(errs))),
		)
	}

	if len(supervisors) == 0 {
		return nil, &NoSupervisorsFoundError{Paths: paths, Err: errs}
	}

	return supervisors, nil
}
