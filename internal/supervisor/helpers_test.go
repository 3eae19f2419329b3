package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/wasm-sandbox-host/internal/config"
	"github.com/woxQAQ/wasm-sandbox-host/internal/sandbox"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasm"
	"github.com/woxQAQ/wasm-sandbox-host/internal/wasmbin"
)

// echoSupervisor exports "echo", which returns its input, and a dispatch
// thunk.
func echoSupervisor() []byte {
	i32, i64 := api.ValueTypeI32, api.ValueTypeI64

	var m wasmbin.Module
	m.ExportMemory("memory", m.AddMemory(wasmbin.Limits{Min: 1}))
	m.ExportGlobal("__heap_base", m.AddGlobal(i32, false, wasmbin.I32Const(1024)))

	method := wasmbin.FuncType{Params: []api.ValueType{i32, i32}, Results: []api.ValueType{i64}}
	m.ExportFunc("echo", m.AddFunc(method, nil, wasmbin.PackPointerLength(0, 1)))
	m.ExportFunc("hidden", m.AddFunc(method, nil, wasmbin.PackPointerLength(0, 1)))

	thunk := wasmbin.FuncType{Params: []api.ValueType{i32, i32, i32, i32}, Results: []api.ValueType{i64}}
	m.ExportFunc("dispatch_thunk", m.AddFunc(thunk, nil, wasmbin.I64Const(0)))
	return m.Bytes()
}

const echoManifest = `name: echo
version: 1.0.0
description: Echoes its input
wasm:
  file: echo.wasm
dispatch_table:
  - ""
  - dispatch_thunk
exports:
  - echo
`

// writeBundle writes a supervisor directory under base.
func writeBundle(t *testing.T, base, name, manifest string, wasmFiles map[string][]byte) string {
	t.Helper()
	dir := filepath.Join(base, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	if manifest != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644))
	}
	for file, data := range wasmFiles {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), data, 0o644))
	}
	return dir
}

func writeEcho(t *testing.T, base string) string {
	return writeBundle(t, base, "echo", echoManifest, map[string][]byte{"echo.wasm": echoSupervisor()})
}

func newRuntime(t *testing.T) *wasm.Runtime {
	t.Helper()
	ctx := context.Background()
	runtime, err := wasm.NewRuntime(ctx, zaptest.NewLogger(t), &wasm.RuntimeConfig{
		MemoryPages:  1024,
		Interpreter:  true,
		MaxInstances: 10,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = runtime.Close(ctx) })
	return runtime
}

func testConfig(paths ...string) *config.ExecutorConfig {
	limits := sandbox.DefaultLimits()
	return &config.ExecutorConfig{
		LogLevel:        "debug",
		SupervisorPaths: paths,
		Sandbox: config.SandboxConfig{
			MaxInstances:     limits.MaxInstances,
			MaxMemories:      limits.MaxMemories,
			MemoryLimitPages: limits.MemoryLimitPages,
		},
	}
}
