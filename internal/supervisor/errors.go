package supervisor

import (
	"fmt"
)

// ManifestNotFoundError occurs when manifest.yaml is not found in a directory.
type ManifestNotFoundError struct {
	Path string
	Err  error
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("manifest not found at '%s': %v", e.Path, e.Err)
}

func (e *ManifestNotFoundError) Unwrap() error {
	return e.Err
}

// ManifestParseError occurs when manifest.yaml cannot be decoded.
type ManifestParseError struct {
	Path string
	Err  error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("failed to parse manifest at '%s': %v", e.Path, e.Err)
}

func (e *ManifestParseError) Unwrap() error {
	return e.Err
}

// ManifestValidationError occurs when manifest.yaml fails validation.
type ManifestValidationError struct {
	Path    string
	Field   string
	Message string
}

func (e *ManifestValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifest validation failed at '%s': %s (field: %s)",
			e.Path, e.Message, e.Field)
	}
	return fmt.Sprintf("manifest validation failed at '%s': %s", e.Path, e.Message)
}

// WasmNotFoundError occurs when the Wasm file referenced in a manifest doesn't exist.
type WasmNotFoundError struct {
	ManifestPath string
	WasmFile     string
}

func (e *WasmNotFoundError) Error() string {
	return fmt.Sprintf("Wasm file '%s' not found (referenced in manifest '%s')",
		e.WasmFile, e.ManifestPath)
}

// LoadError occurs when compiling a supervisor fails.
type LoadError struct {
	SupervisorName string
	Err            error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load supervisor '%s': %v", e.SupervisorName, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// NotFoundError occurs when a supervisor is not in the registry.
type NotFoundError struct {
	SupervisorName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("supervisor '%s' not found", e.SupervisorName)
}

// AlreadyRegisteredError occurs when registering a duplicate supervisor.
type AlreadyRegisteredError struct {
	SupervisorName string
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("supervisor '%s' is already registered", e.SupervisorName)
}

// MethodNotExportedError occurs when calling a method the manifest does not list.
type MethodNotExportedError struct {
	SupervisorName string
	Method         string
}

func (e *MethodNotExportedError) Error() string {
	return fmt.Sprintf("supervisor '%s' does not export method '%s'", e.SupervisorName, e.Method)
}

// NoSupervisorsFoundError occurs when no supervisor could be loaded from the
// configured paths. Err holds the failures of the directories that were tried.
type NoSupervisorsFoundError struct {
	Paths []string
	Err   error
}

func (e *NoSupervisorsFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no supervisors found in paths %v: %v", e.Paths, e.Err)
	}
	return fmt.Sprintf("no supervisors found in paths: %v", e.Paths)
}

func (e *NoSupervisorsFoundError) Unwrap() error {
	return e.Err
}
