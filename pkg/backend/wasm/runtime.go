package wasm

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/zeebo/blake3"
)

// HostModule is the import module name guests use for host functions.
const HostModule = "taintbox"

const (
	pageSize = 1 << 16

	// DefaultMemoryLimitPages caps guest memory at 16 MiB.
	DefaultMemoryLimitPages = 256

	// maxMemoryPages keeps the memory size representable as a uint32.
	maxMemoryPages = 1<<16 - 1
)

// RuntimeConfig configures a Runtime.
type RuntimeConfig struct {
	// MemoryLimitPages caps each guest memory, in 64 KiB pages.
	MemoryLimitPages uint32
	// WASI instantiates wasi_snapshot_preview1 so guests built for WASI
	// reactors can link.
	WASI bool
}

// Runtime owns a wazero runtime and the host module shared by every
// backend created from it.
type Runtime struct {
	rt     wazero.Runtime
	cfg    RuntimeConfig
	logger zerolog.Logger
	seq    atomic.Uint64
	closed atomic.Bool
}

// NewRuntime creates a runtime and instantiates the host module.
func NewRuntime(ctx context.Context, cfg RuntimeConfig, logger zerolog.Logger) (*Runtime, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultMemoryLimitPages
	}
	if cfg.MemoryLimitPages > maxMemoryPages {
		cfg.MemoryLimitPages = maxMemoryPages
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true))

	if cfg.WASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("wasm: instantiate wasi: %w", err)
		}
	}

	i32, i64 := api.ValueTypeI32, api.ValueTypeI64
	_, err := rt.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(hostCallback), []api.ValueType{i32, i32, i32}, []api.ValueType{i64}).
		WithParameterNames("slot", "argv", "argc").
		Export("callback").
		Instantiate(ctx)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("wasm: instantiate host module: %w", err)
	}

	return &Runtime{
		rt:     rt,
		cfg:    cfg,
		logger: logger.With().Str("component", "wasm").Logger(),
	}, nil
}

// MemoryLimit returns the per-guest memory cap in bytes.
func (r *Runtime) MemoryLimit() uint32 { return r.cfg.MemoryLimitPages * pageSize }

// Close closes the runtime and every module instantiated from it.
func (r *Runtime) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.rt.Close(ctx)
}

// Module is a compiled guest module.
type Module struct {
	name     string
	path     string
	digest   [32]byte
	compiled wazero.CompiledModule
	exports  []string
	defs     map[string]api.FunctionDefinition
}

// Compile decodes and validates a binary module.
func (r *Runtime) Compile(ctx context.Context, name string, bin []byte) (*Module, error) {
	if r.closed.Load() {
		return nil, ErrRuntimeClosed
	}
	compiled, err := r.rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, &CompileError{Module: name, Cause: err}
	}

	defs := compiled.ExportedFunctions()
	exports := make([]string, 0, len(defs))
	for export := range defs {
		exports = append(exports, export)
	}
	sort.Strings(exports)

	m := &Module{
		name:     name,
		digest:   blake3.Sum256(bin),
		compiled: compiled,
		exports:  exports,
		defs:     defs,
	}
	r.logger.Debug().
		Str("module", name).
		Str("digest", m.Digest()).
		Strs("exports", exports).
		Msg("guest module compiled")
	return m, nil
}

// CompileFile compiles the module at path. The module is named after the
// file without its extension.
func (r *Runtime) CompileFile(ctx context.Context, path string) (*Module, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	m, err := r.Compile(ctx, name, bin)
	if err != nil {
		return nil, err
	}
	m.path = path
	return m, nil
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// Path returns the file the module was compiled from, if any.
func (m *Module) Path() string { return m.path }

// Digest returns the hex BLAKE3 digest of the module binary.
func (m *Module) Digest() string { return hex.EncodeToString(m.digest[:]) }

// Exports returns the exported function names in sorted order.
func (m *Module) Exports() []string {
	out := make([]string, len(m.exports))
	copy(out, m.exports)
	return out
}

// Signature returns the export's parameter and result types in wasm text
// form, for example "(i32, i32) -> i32".
func (m *Module) Signature(export string) (string, bool) {
	def, ok := m.defs[export]
	if !ok {
		return "", false
	}
	return formatSignature(def), true
}

// Close releases the compiled code.
func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

func formatSignature(def api.FunctionDefinition) string {
	names := func(types []api.ValueType) string {
		parts := make([]string, len(types))
		for i, t := range types {
			parts[i] = api.ValueTypeName(t)
		}
		return strings.Join(parts, ", ")
	}
	sig := "(" + names(def.ParamTypes()) + ")"
	if results := def.ResultTypes(); len(results) > 0 {
		sig += " -> " + names(results)
	}
	return sig
}
