// Package jsvm runs guest code as JavaScript inside goja runtimes.
//
// A guest library is a script whose top-level functions are the guest's
// exports. Each sandbox gets its own runtime with these globals:
//
//	memory                   ArrayBuffer over the guest address space
//	host.malloc(n)           allocate n bytes, 0 on failure
//	host.free(p)             release an allocation
//	host.callback(slot, ...) call a host callback, returning its result
//	console.log/info/...     routed to the host logger
//
// Numbers cross the boundary as JavaScript numbers. 32-bit integers arrive
// signed, so guest code should use p >>> 0 where it needs an unsigned
// address.
package jsvm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"taintbox/internal/arena"
	"taintbox/pkg/backend"
)

// MaxMemorySize is the largest guest memory a jsvm backend supports.
const MaxMemorySize = 1 << 30

// Config configures a Backend.
type Config struct {
	// MemorySize is the guest memory size in bytes.
	MemorySize uint32
	// Timeout bounds each outermost guest call and the library's top-level
	// code at Create.
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MemorySize: 1 << 20,
		Timeout:    5 * time.Second,
	}
}

// Runtime owns the VM pool shared by every backend created from it.
type Runtime struct {
	pool   *VMPool
	logger zerolog.Logger
}

// NewRuntime creates a runtime with its own VM pool.
func NewRuntime(cfg PoolConfig, logger zerolog.Logger) *Runtime {
	return &Runtime{
		pool:   NewVMPool(cfg),
		logger: logger,
	}
}

// Stats returns the pool statistics.
func (r *Runtime) Stats() PoolStats { return r.pool.Stats() }

// Close shuts down the pool. Backends that are still created keep their VM
// until destroyed.
func (r *Runtime) Close() error { return r.pool.Close() }

// NewBackend returns a backend that will run lib in a VM from this runtime.
func (r *Runtime) NewBackend(lib *Library, cfg Config) *Backend {
	def := DefaultConfig()
	if cfg.MemorySize == 0 {
		cfg.MemorySize = def.MemorySize
	}
	if cfg.MemorySize > MaxMemorySize {
		cfg.MemorySize = MaxMemorySize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Backend{
		rt:  r,
		lib: lib,
		cfg: cfg,
		logger: r.logger.With().
			Str("component", "jsvm").
			Str("library", lib.Name()).
			Logger(),
	}
}

// callKey marks a context as running inside a call on a Backend.
type callKey struct{}

// Backend is one guest library instance in its own goja runtime.
type Backend struct {
	rt     *Runtime
	lib    *Library
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	vm      *goja.Runtime
	mem     []byte
	arena   *arena.Arena
	owned   map[uint32]struct{}
	handler backend.CallbackHandler
	funcs   []goja.Callable
	index   map[string]int

	// callMu is held by the outermost call; nested calls made from host
	// callbacks run on the same goroutine under it. The fields below are
	// only touched while it is held.
	callMu     sync.Mutex
	callCtx    context.Context
	pendingErr error
}

var _ backend.Backend = (*Backend)(nil)

// Name implements backend.Backend.
func (b *Backend) Name() string { return "jsvm" }

// Create implements backend.Backend. It checks a fresh VM out of the pool,
// installs the guest globals, and runs the library's top-level code.
func (b *Backend) Create(ctx context.Context) error {
	vm, err := b.rt.pool.Acquire(ctx)
	if err != nil {
		return err
	}

	mem := make([]byte, b.cfg.MemorySize)
	a := arena.New(arena.Align, b.cfg.MemorySize)

	b.mu.Lock()
	b.vm, b.mem, b.arena = vm, mem, a
	b.owned = make(map[uint32]struct{})
	b.mu.Unlock()

	if err := b.setup(ctx, vm, mem); err != nil {
		b.mu.Lock()
		b.vm, b.mem, b.arena = nil, nil, nil
		b.owned = nil
		b.mu.Unlock()
		b.rt.pool.Release(vm)
		return err
	}
	b.logger.Debug().
		Str("digest", b.lib.Digest()).
		Int("functions", len(b.index)).
		Msg("guest library loaded")
	return nil
}

func (b *Backend) setup(ctx context.Context, vm *goja.Runtime, mem []byte) error {
	if err := registerConsole(vm, b.logger); err != nil {
		return err
	}
	if err := b.registerHost(vm); err != nil {
		return err
	}
	if err := vm.Set("memory", vm.NewArrayBuffer(mem)); err != nil {
		return err
	}

	b.callMu.Lock()
	defer b.callMu.Unlock()
	b.callCtx = context.WithValue(ctx, callKey{}, b)
	stop := b.watch(ctx, vm)
	_, err := vm.RunProgram(b.lib.program)
	stop()
	if err != nil {
		return b.callError("", err)
	}

	index := make(map[string]int)
	var funcs []goja.Callable
	global := vm.GlobalObject()
	keys := global.Keys()
	sort.Strings(keys)
	for _, name := range keys {
		fn, ok := goja.AssertFunction(global.Get(name))
		if !ok {
			continue
		}
		index[name] = len(funcs)
		funcs = append(funcs, fn)
	}

	b.mu.Lock()
	b.funcs, b.index = funcs, index
	b.mu.Unlock()
	return nil
}

// registerHost installs the host object.
func (b *Backend) registerHost(vm *goja.Runtime) error {
	host := vm.NewObject()

	if err := host.Set("malloc", func(call goja.FunctionCall) goja.Value {
		n := call.Argument(0).ToInteger()
		if n <= 0 || n > math.MaxUint32 {
			return vm.ToValue(0)
		}
		addr, err := b.alloc(uint32(n))
		if err != nil {
			return vm.ToValue(0)
		}
		return vm.ToValue(addr)
	}); err != nil {
		return err
	}

	if err := host.Set("free", func(call goja.FunctionCall) goja.Value {
		p := call.Argument(0).ToInteger()
		if p > 0 && p <= math.MaxUint32 {
			_ = b.guestFree(uint32(p))
		}
		return goja.Undefined()
	}); err != nil {
		return err
	}

	if err := host.Set("callback", func(call goja.FunctionCall) goja.Value {
		slot := uint32(call.Argument(0).ToInteger())
		var args []backend.Value
		if len(call.Arguments) > 1 {
			args = make([]backend.Value, 0, len(call.Arguments)-1)
			for _, a := range call.Arguments[1:] {
				args = append(args, fromJS(a))
			}
		}

		b.mu.Lock()
		h := b.handler
		b.mu.Unlock()
		if h == nil {
			panic(vm.NewGoError(errors.New("jsvm: no callback handler installed")))
		}

		out, err := h(b.callCtx, slot, args)
		if err != nil {
			b.pendingErr = err
			panic(vm.NewGoError(err))
		}
		return toJS(vm, out)
	}); err != nil {
		return err
	}

	return vm.Set("host", host)
}

// Destroy implements backend.Backend. A call still running on another
// goroutine is interrupted.
func (b *Backend) Destroy() error {
	b.mu.Lock()
	vm := b.vm
	b.vm, b.mem, b.arena = nil, nil, nil
	b.owned = nil
	b.funcs, b.index = nil, nil
	b.handler = nil
	b.mu.Unlock()

	if vm == nil {
		return nil
	}
	vm.Interrupt(backend.ErrNotCreated)
	b.rt.pool.Release(vm)
	return nil
}

// Symbols implements backend.StaticTable. The table holds the functions the
// library defined when it was loaded.
func (b *Backend) Symbols() map[string]backend.Symbol {
	b.mu.Lock()
	defer b.mu.Unlock()
	table := make(map[string]backend.Symbol, len(b.index))
	for name, i := range b.index {
		table[name] = backend.Symbol{Name: name, Index: i}
	}
	return table
}

// Lookup implements backend.Backend.
func (b *Backend) Lookup(name string) (backend.Symbol, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vm == nil {
		return backend.Symbol{}, backend.ErrNotCreated
	}
	i, ok := b.index[name]
	if !ok {
		return backend.Symbol{}, fmt.Errorf("%w: %s", backend.ErrSymbolNotFound, name)
	}
	return backend.Symbol{Name: name, Index: i}, nil
}

// Call implements backend.Backend.
func (b *Backend) Call(ctx context.Context, sym backend.Symbol, args []backend.Value, ret backend.Kind) (backend.Value, error) {
	nested := ctx.Value(callKey{}) == b
	if !nested {
		b.callMu.Lock()
		defer b.callMu.Unlock()
	}

	b.mu.Lock()
	vm := b.vm
	var fn goja.Callable
	if sym.Index >= 0 && sym.Index < len(b.funcs) {
		fn = b.funcs[sym.Index]
	}
	b.mu.Unlock()
	if vm == nil {
		return backend.Value{}, backend.ErrNotCreated
	}
	if fn == nil {
		return backend.Value{}, fmt.Errorf("%w: %s (index %d)", backend.ErrSymbolNotFound, sym.Name, sym.Index)
	}

	prevCtx := b.callCtx
	b.callCtx = context.WithValue(ctx, callKey{}, b)
	defer func() { b.callCtx = prevCtx }()
	if !nested {
		b.pendingErr = nil
		stop := b.watch(ctx, vm)
		defer stop()
	}

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = toJS(vm, a)
	}
	res, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return backend.Value{}, b.callError(sym.Name, err)
	}
	if ret == backend.KindVoid {
		return backend.Value{}, nil
	}
	out, ok := fromResult(res)
	if !ok {
		return backend.Value{}, &ExecutionError{Script: b.lib.Name(), Function: sym.Name, Cause: ErrBadResult}
	}
	return out.As(ret), nil
}

// watch interrupts vm when ctx is done or the call timeout passes. The
// returned function stops watching and clears any interrupt that fired
// after the guest returned.
func (b *Backend) watch(ctx context.Context, vm *goja.Runtime) func() {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	done := make(chan struct{})
	go func() {
		select {
		case <-callCtx.Done():
			vm.Interrupt(callCtx.Err())
		case <-done:
		}
	}()
	return func() {
		close(done)
		cancel()
		vm.ClearInterrupt()
	}
}

// callError converts a goja error into an *ExecutionError. Errors returned
// by host callbacks are passed through as the cause so callers can match
// them.
func (b *Backend) callError(function string, err error) error {
	execErr := &ExecutionError{Script: b.lib.Name(), Function: function}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		switch v := interrupted.Value().(type) {
		case error:
			if errors.Is(v, context.DeadlineExceeded) {
				execErr.Cause = fmt.Errorf("%w: %w", ErrTimeout, v)
			} else {
				execErr.Cause = v
			}
		default:
			execErr.Cause = fmt.Errorf("interrupted: %v", v)
		}
		return execErr
	}

	if cbErr := b.pendingErr; cbErr != nil {
		b.pendingErr = nil
		execErr.Cause = cbErr
		return execErr
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		execErr.Cause = fmt.Errorf("exception: %s", exception.Error())
		return execErr
	}

	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &ScriptSyntaxError{File: b.lib.Name(), Message: syntax.Error()}
	}

	execErr.Cause = err
	return execErr
}

// Allocate implements backend.Backend. The block is owned by the host
// until the host frees it; host.free from the guest leaves it alone.
func (b *Backend) Allocate(size uint32) (uint32, error) {
	addr, err := b.alloc(size)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	if b.owned != nil {
		b.owned[addr] = struct{}{}
	}
	b.mu.Unlock()
	return addr, nil
}

// Free implements backend.Backend.
func (b *Backend) Free(addr uint32) error {
	b.mu.Lock()
	a := b.arena
	b.mu.Unlock()
	if a == nil {
		return backend.ErrNotCreated
	}
	if err := a.Free(addr); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrInvalidAddress, err)
	}
	b.mu.Lock()
	delete(b.owned, addr)
	b.mu.Unlock()
	return nil
}

func (b *Backend) alloc(size uint32) (uint32, error) {
	b.mu.Lock()
	a := b.arena
	b.mu.Unlock()
	if a == nil {
		return 0, backend.ErrNotCreated
	}
	addr, err := a.Alloc(size)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", backend.ErrOutOfMemory, err)
	}
	return addr, nil
}

func (b *Backend) guestFree(addr uint32) error {
	b.mu.Lock()
	_, hostOwned := b.owned[addr]
	b.mu.Unlock()
	if hostOwned {
		return fmt.Errorf("%w: 0x%x is owned by the host", backend.ErrInvalidAddress, addr)
	}
	return b.Free(addr)
}

// Memory implements backend.Backend.
func (b *Backend) Memory() backend.Memory {
	b.mu.Lock()
	defer b.mu.Unlock()
	return backend.ByteMemory(b.mem)
}

// SetCallbackHandler implements backend.Backend.
func (b *Backend) SetCallbackHandler(h backend.CallbackHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

func toJS(vm *goja.Runtime, v backend.Value) goja.Value {
	switch v.Kind {
	case backend.KindVoid:
		return goja.Undefined()
	case backend.KindF32, backend.KindF64:
		return vm.ToValue(v.Float())
	default:
		return vm.ToValue(v.Int())
	}
}

// fromJS converts a guest value for a host callback. Anything that is not a
// number or boolean becomes NaN and is left to the host's verification.
func fromJS(v goja.Value) backend.Value {
	out, ok := fromResult(v)
	if !ok {
		return backend.F64(math.NaN())
	}
	return out
}

func fromResult(v goja.Value) (backend.Value, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return backend.Value{}, false
	}
	switch x := v.Export().(type) {
	case int64:
		if x >= math.MinInt32 && x <= math.MaxInt32 {
			return backend.I32(int32(x)), true
		}
		return backend.I64(x), true
	case float64:
		return backend.F64(x), true
	case bool:
		if x {
			return backend.I32(1), true
		}
		return backend.I32(0), true
	default:
		return backend.Value{}, false
	}
}
