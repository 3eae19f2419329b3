package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the name of the manifest in a supervisor directory.
const ManifestFile = "manifest.yaml"

var validate = newValidator()

// newValidator reports fields by their manifest keys.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Manifest represents the supervisor manifest.yaml structure.
type Manifest struct {
	Name        string     `yaml:"name" validate:"required"`
	Version     string     `yaml:"version" validate:"required,semver"`
	Description string     `yaml:"description"`
	Wasm        WasmConfig `yaml:"wasm"`

	// DispatchTable lists, in table order, the exports forming the
	// supervisor's function table. An empty entry is a null slot.
	DispatchTable []string `yaml:"dispatch_table"`

	// Exports are the methods callers may run.
	Exports []string `yaml:"exports" validate:"required,unique,dive,required"`

	Author  string `yaml:"author"`
	License string `yaml:"license"`

	// Internal fields
	dir string // Directory containing manifest
}

// WasmConfig holds Wasm module configuration.
type WasmConfig struct {
	File string `yaml:"file" validate:"required"`
	// Pages grown on instantiation, overriding heap.extra_pages.
	HeapExtraPages uint32 `yaml:"heap_extra_pages" validate:"max=65535"`
}

// ParseManifest reads and parses manifest.yaml from a directory.
func ParseManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, ManifestFile)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{
			Path: manifestPath,
			Err:  err,
		}
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, &ManifestParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = dir

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest fields and that the Wasm file exists.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return &ManifestValidationError{Path: m.Path(), Message: err.Error()}
		}
		fe := verrs[0]
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   field,
			Message: validationMessage(fe),
		}
	}

	for i, name := range m.DispatchTable {
		if strings.TrimSpace(name) != name {
			return &ManifestValidationError{
				Path:    m.Path(),
				Field:   fmt.Sprintf("dispatch_table[%d]", i),
				Message: fmt.Sprintf("export name %q has surrounding whitespace", name),
			}
		}
	}

	wasmPath := m.WasmPath()
	if _, err := os.Stat(wasmPath); os.IsNotExist(err) {
		return &WasmNotFoundError{
			ManifestPath: m.Path(),
			WasmFile:     m.Wasm.File,
		}
	}

	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "semver":
		return fmt.Sprintf("%s must be a semantic version, got %q", fe.Field(), fe.Value())
	case "unique":
		return fmt.Sprintf("%s must not contain duplicates", fe.Field())
	default:
		return fmt.Sprintf("%s failed '%s=%s'", fe.Field(), fe.Tag(), fe.Param())
	}
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, ManifestFile)
}

// WasmPath returns the path to the Wasm file.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}

// ExportsMethod reports whether method is listed in exports.
func (m *Manifest) ExportsMethod(method string) bool {
	for _, e := range m.Exports {
		if e == method {
			return true
		}
	}
	return false
}
