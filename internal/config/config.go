// Package config loads the executor configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/woxQAQ/wasm-sandbox-host/internal/sandbox"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
)

// EnvPrefix prefixes environment variables overriding configuration keys,
// e.g. SANDBOX_EXECUTOR_WASM_INTERPRETER.
const EnvPrefix = "SANDBOX_EXECUTOR"

var validate = validator.New()

type ExecutorConfig struct {
	LogLevel        string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	SupervisorPaths []string      `mapstructure:"supervisor_paths" validate:"dive,required"`
	Wasm            WasmConfig    `mapstructure:"wasm"`
	Heap            HeapConfig    `mapstructure:"heap"`
	Sandbox         SandboxConfig `mapstructure:"sandbox"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages" validate:"min=1,max=65536"`
	// Use the interpreter instead of the compiler.
	Interpreter bool `mapstructure:"interpreter"`
	// Compilation cache directory.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent supervisor instances.
	MaxInstances int `mapstructure:"max_instances" validate:"min=1"`
}

// HeapConfig holds supervisor heap configuration.
type HeapConfig struct {
	// Pages grown past the supervisor's initial memory on instantiation.
	ExtraPages uint32 `mapstructure:"extra_pages" validate:"max=65535"`
}

// SandboxConfig bounds the sandbox store of a single runtime call.
type SandboxConfig struct {
	MaxInstances     int    `mapstructure:"max_instances" validate:"min=0"`
	MaxMemories      int    `mapstructure:"max_memories" validate:"min=0"`
	MemoryLimitPages uint32 `mapstructure:"memory_limit_pages" validate:"min=1,max=65536"`
}

func LoadExecutorConfig(configPath string) (*ExecutorConfig, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("supervisor_paths", []string{"./supervisors"})

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 65536) // 4GB
	v.SetDefault("wasm.interpreter", false)
	v.SetDefault("wasm.cache_dir", "")
	v.SetDefault("wasm.max_instances", 100)

	v.SetDefault("heap.extra_pages", 0)

	limits := sandbox.DefaultLimits()
	v.SetDefault("sandbox.max_instances", limits.MaxInstances)
	v.SetDefault("sandbox.max_memories", limits.MaxMemories)
	v.SetDefault("sandbox.memory_limit_pages", limits.MemoryLimitPages)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg ExecutorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// RuntimeConfig returns the configuration of the supervisor runtime.
func (c *ExecutorConfig) RuntimeConfig() *wasm.RuntimeConfig {
	return &wasm.RuntimeConfig{
		MemoryPages:  c.Wasm.MemoryPages,
		Interpreter:  c.Wasm.Interpreter,
		CacheDir:     c.Wasm.CacheDir,
		MaxInstances: c.Wasm.MaxInstances,
	}
}

// Limits returns the sandbox store limits of a runtime call.
func (c *ExecutorConfig) Limits() sandbox.Limits {
	return sandbox.Limits{
		MaxInstances:     c.Sandbox.MaxInstances,
		MaxMemories:      c.Sandbox.MaxMemories,
		MemoryLimitPages: c.Sandbox.MemoryLimitPages,
	}
}
