// Package wasm runs guest code as WebAssembly modules inside wazero.
//
// A guest library is a module whose exported functions are the guest's
// exports. It must define a linear memory. Guests call host callbacks
// through one import:
//
//	(import "taintbox" "callback" (func (param i32 i32 i32) (result i64)))
//
// The parameters are the callback slot, the address of an array of
// little-endian 64-bit argument words, and the word count. The host
// returns the callback result as a 64-bit integer. A host callback that
// fails traps the guest.
//
// When the module exports malloc (i32) -> i32 and free (i32) -> (), host
// allocations go through them. Otherwise the host manages a heap in pages
// it grows past the module's initial memory.
package wasm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"taintbox/internal/arena"
	"taintbox/pkg/backend"
)

// MaxCallbackArgs is the most argument words a guest may pass to a
// callback.
const MaxCallbackArgs = 64

// Config configures a Backend.
type Config struct {
	// Timeout bounds each outermost guest call. A call that runs out of
	// time closes the module instance.
	Timeout time.Duration
	// HeapBase is where the host-managed heap starts. Zero means the end of
	// the module's initial memory.
	HeapBase uint32
	// HostHeap uses the host-managed heap even when the guest exports
	// malloc and free.
	HostHeap bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Second}
}

// NewBackend returns a backend that will instantiate m in this runtime.
func (r *Runtime) NewBackend(m *Module, cfg Config) *Backend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Backend{
		rt:     r,
		module: m,
		cfg:    cfg,
		logger: r.logger.With().Str("module", m.Name()).Logger(),
	}
}

// callKey marks a context as running inside a call on a Backend.
type callKey struct{}

// callFrame carries what a host callback reports back to the Call that
// entered the guest.
type callFrame struct {
	b        *Backend
	err      error
	panicked any
	hasPanic bool
}

func frameFrom(ctx context.Context) *callFrame {
	f, _ := ctx.Value(callKey{}).(*callFrame)
	return f
}

// Backend is one instance of a guest module.
type Backend struct {
	rt     *Runtime
	module *Module
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	mod     api.Module
	mem     api.Memory
	arena   *arena.Arena
	guest   map[uint32]struct{} // live guest-malloc allocations
	handler backend.CallbackHandler
}

var (
	_ backend.Backend     = (*Backend)(nil)
	_ backend.StaticTable = (*Backend)(nil)
)

// Name implements backend.Backend.
func (b *Backend) Name() string { return "wasm" }

// Create implements backend.Backend. It instantiates the module and runs
// its _initialize export if there is one.
func (b *Backend) Create(ctx context.Context) error {
	if b.rt.closed.Load() {
		return ErrRuntimeClosed
	}

	name := fmt.Sprintf("%s#%d", b.module.Name(), b.rt.seq.Add(1))
	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions("_initialize").
		WithStdout(&outputWriter{logger: b.logger, stream: "stdout"}).
		WithStderr(&outputWriter{logger: b.logger, stream: "stderr"})

	frame := &callFrame{b: b}
	mod, err := b.rt.rt.InstantiateModule(context.WithValue(ctx, callKey{}, frame), b.module.compiled, cfg)
	if err != nil {
		if frame.hasPanic {
			panic(frame.panicked)
		}
		return &TrapError{Module: b.module.Name(), Function: "_initialize", Cause: err}
	}

	mem := mod.Memory()
	if mem == nil {
		_ = mod.Close(ctx)
		return ErrNoMemory
	}

	var heap *arena.Arena
	var guest map[uint32]struct{}
	if !b.cfg.HostHeap && exportsAllocator(mod) {
		guest = make(map[uint32]struct{})
	} else {
		base := b.cfg.HeapBase
		if base == 0 {
			base = mem.Size()
		}
		heap = arena.New(base, mem.Size())
	}

	b.mu.Lock()
	b.mod, b.mem, b.arena, b.guest = mod, mem, heap, guest
	b.mu.Unlock()

	b.logger.Debug().
		Str("instance", name).
		Str("digest", b.module.Digest()).
		Uint32("memory", mem.Size()).
		Bool("guest_allocator", guest != nil).
		Msg("guest module instantiated")
	return nil
}

func exportsAllocator(mod api.Module) bool {
	malloc := mod.ExportedFunction("malloc")
	free := mod.ExportedFunction("free")
	if malloc == nil || free == nil {
		return false
	}
	i32 := []api.ValueType{api.ValueTypeI32}
	return sameTypes(malloc.Definition().ParamTypes(), i32) &&
		sameTypes(malloc.Definition().ResultTypes(), i32) &&
		sameTypes(free.Definition().ParamTypes(), i32) &&
		len(free.Definition().ResultTypes()) == 0
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Destroy implements backend.Backend.
func (b *Backend) Destroy() error {
	b.mu.Lock()
	mod := b.mod
	b.mod, b.mem, b.arena, b.guest = nil, nil, nil, nil
	b.handler = nil
	b.mu.Unlock()

	if mod == nil {
		return nil
	}
	return mod.Close(context.Background())
}

// Symbols implements backend.StaticTable. The table is fixed when the
// module is compiled.
func (b *Backend) Symbols() map[string]backend.Symbol {
	table := make(map[string]backend.Symbol, len(b.module.exports))
	for i, name := range b.module.exports {
		table[name] = backend.Symbol{Name: name, Index: i}
	}
	return table
}

// Lookup implements backend.Backend.
func (b *Backend) Lookup(name string) (backend.Symbol, error) {
	b.mu.Lock()
	mod := b.mod
	b.mu.Unlock()
	if mod == nil {
		return backend.Symbol{}, backend.ErrNotCreated
	}
	for i, export := range b.module.exports {
		if export == name {
			return backend.Symbol{Name: name, Index: i}, nil
		}
	}
	return backend.Symbol{}, fmt.Errorf("%w: %s", backend.ErrSymbolNotFound, name)
}

// Call implements backend.Backend. Arguments are converted to the export's
// parameter types; the first result is converted to ret.
func (b *Backend) Call(ctx context.Context, sym backend.Symbol, args []backend.Value, ret backend.Kind) (backend.Value, error) {
	b.mu.Lock()
	mod := b.mod
	b.mu.Unlock()
	if mod == nil {
		return backend.Value{}, backend.ErrNotCreated
	}
	if sym.Index < 0 || sym.Index >= len(b.module.exports) || b.module.exports[sym.Index] != sym.Name {
		return backend.Value{}, fmt.Errorf("%w: %s (index %d)", backend.ErrSymbolNotFound, sym.Name, sym.Index)
	}
	// A fresh api.Function per call keeps re-entrant calls off each
	// other's stacks.
	fn := mod.ExportedFunction(sym.Name)
	if fn == nil {
		return backend.Value{}, fmt.Errorf("%w: %s", backend.ErrSymbolNotFound, sym.Name)
	}

	def := fn.Definition()
	params := def.ParamTypes()
	if len(params) != len(args) {
		return backend.Value{}, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrSignature, sym.Name, len(params), len(args))
	}
	raw := make([]uint64, len(args))
	for i, a := range args {
		v, err := encode(a, params[i])
		if err != nil {
			return backend.Value{}, fmt.Errorf("%s argument %d: %w", sym.Name, i, err)
		}
		raw[i] = v
	}

	callCtx := ctx
	if outer := frameFrom(ctx); outer == nil || outer.b != b {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}
	frame := &callFrame{b: b}
	results, err := fn.Call(context.WithValue(callCtx, callKey{}, frame), raw...)
	if frame.hasPanic {
		panic(frame.panicked)
	}
	if err != nil {
		return backend.Value{}, b.callError(callCtx, sym.Name, frame, err)
	}

	if ret == backend.KindVoid {
		return backend.Value{}, nil
	}
	types := def.ResultTypes()
	if len(types) == 0 || len(results) == 0 {
		return backend.Value{}, fmt.Errorf("%w: %s returns no value", ErrSignature, sym.Name)
	}
	return decode(results[0], types[0]).As(ret), nil
}

// callError converts a wazero error into a *TrapError. Errors returned by
// host callbacks are passed through as the cause so callers can match them.
func (b *Backend) callError(ctx context.Context, function string, frame *callFrame, err error) error {
	trap := &TrapError{Module: b.module.Name(), Function: function}
	switch {
	case frame.err != nil:
		trap.Cause = frame.err
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		trap.Cause = fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case ctx.Err() != nil:
		trap.Cause = ctx.Err()
	default:
		trap.Cause = err
	}
	b.logger.Debug().Err(trap.Cause).Str("function", function).Msg("guest call failed")
	return trap
}

func encode(v backend.Value, t api.ValueType) (uint64, error) {
	switch t {
	case api.ValueTypeI32:
		return api.EncodeI32(int32(v.Int())), nil
	case api.ValueTypeI64:
		return api.EncodeI64(v.Int()), nil
	case api.ValueTypeF32:
		return api.EncodeF32(float32(v.Float())), nil
	case api.ValueTypeF64:
		return api.EncodeF64(v.Float()), nil
	default:
		return 0, fmt.Errorf("%w: unsupported parameter type %s", ErrSignature, api.ValueTypeName(t))
	}
}

func decode(raw uint64, t api.ValueType) backend.Value {
	switch t {
	case api.ValueTypeI32:
		return backend.I32(api.DecodeI32(raw))
	case api.ValueTypeF32:
		return backend.F32(api.DecodeF32(raw))
	case api.ValueTypeF64:
		return backend.F64(api.DecodeF64(raw))
	default:
		return backend.I64(int64(raw))
	}
}

// hostCallback implements taintbox.callback. It runs on the goroutine of
// the Call that entered the guest.
func hostCallback(ctx context.Context, mod api.Module, stack []uint64) {
	frame := frameFrom(ctx)
	if frame == nil {
		panic(errors.New("wasm: callback import used outside a host call"))
	}
	b := frame.b
	slot := api.DecodeU32(stack[0])
	argv := api.DecodeU32(stack[1])
	argc := api.DecodeU32(stack[2])

	args, err := readArgs(mod.Memory(), argv, argc)
	if err != nil {
		frame.err = err
		panic(err)
	}

	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h == nil {
		frame.err = errors.New("wasm: no callback handler installed")
		panic(frame.err)
	}

	out, err := frame.dispatch(ctx, h, slot, args)
	if err != nil {
		frame.err = err
		panic(err)
	}
	stack[0] = out.As(backend.KindI64).Bits
}

// dispatch runs the handler. A panic in the handler is held so Call can
// re-raise it on the host side after the guest has unwound.
func (f *callFrame) dispatch(ctx context.Context, h backend.CallbackHandler, slot uint32, args []backend.Value) (out backend.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			f.panicked, f.hasPanic = r, true
			err = fmt.Errorf("wasm: host callback panicked: %v", r)
		}
	}()
	return h(ctx, slot, args)
}

func readArgs(mem api.Memory, argv, argc uint32) ([]backend.Value, error) {
	if argc == 0 {
		return nil, nil
	}
	if argc > MaxCallbackArgs {
		return nil, fmt.Errorf("%w: %d arguments", ErrBadCallbackArgs, argc)
	}
	if mem == nil {
		return nil, ErrNoMemory
	}
	raw, ok := mem.Read(argv, argc*8)
	if !ok {
		return nil, fmt.Errorf("%w: argv 0x%x out of range", ErrBadCallbackArgs, argv)
	}
	args := make([]backend.Value, argc)
	for i := range args {
		args[i] = backend.I64(int64(binary.LittleEndian.Uint64(raw[i*8:])))
	}
	return args, nil
}

// Allocate implements backend.Backend.
func (b *Backend) Allocate(size uint32) (uint32, error) {
	b.mu.Lock()
	mod, mem, heap, guest := b.mod, b.mem, b.arena, b.guest
	b.mu.Unlock()
	if mod == nil {
		return 0, backend.ErrNotCreated
	}
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-size allocation", backend.ErrOutOfMemory)
	}
	if guest != nil {
		return b.guestMalloc(mod, mem, size)
	}

	addr, err := heap.Alloc(size)
	if errors.Is(err, arena.ErrExhausted) && b.grow(mem, size) {
		heap.Grow(mem.Size())
		addr, err = heap.Alloc(size)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %d bytes", backend.ErrOutOfMemory, size)
	}
	return addr, nil
}

// grow adds enough pages to memory to hold an allocation of size bytes.
func (b *Backend) grow(mem api.Memory, size uint32) bool {
	pages := (uint64(size) + arena.Align + pageSize - 1) / pageSize
	if pages > maxMemoryPages {
		return false
	}
	prev, ok := mem.Grow(uint32(pages))
	if !ok {
		return false
	}
	b.logger.Debug().
		Uint32("from_pages", prev).
		Uint64("added_pages", pages).
		Msg("guest memory grown")
	return true
}

func (b *Backend) guestMalloc(mod api.Module, mem api.Memory, size uint32) (uint32, error) {
	ctx, cancel := b.allocCtx()
	defer cancel()
	res, err := mod.ExportedFunction("malloc").Call(ctx, api.EncodeU32(size))
	if err != nil {
		return 0, fmt.Errorf("%w: guest malloc: %w", backend.ErrOutOfMemory, err)
	}
	addr := api.DecodeU32(res[0])
	if addr == 0 {
		return 0, fmt.Errorf("%w: %d bytes", backend.ErrOutOfMemory, size)
	}
	if uint64(addr)+uint64(size) > uint64(mem.Size()) {
		return 0, fmt.Errorf("%w: guest malloc returned 0x%x for %d bytes", backend.ErrInvalidAddress, addr, size)
	}

	b.mu.Lock()
	if b.guest != nil {
		b.guest[addr] = struct{}{}
	}
	b.mu.Unlock()
	return addr, nil
}

func (b *Backend) allocCtx() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	return context.WithValue(ctx, callKey{}, &callFrame{b: b}), cancel
}

// Free implements backend.Backend.
func (b *Backend) Free(addr uint32) error {
	b.mu.Lock()
	mod, heap := b.mod, b.arena
	_, live := b.guest[addr]
	if live {
		delete(b.guest, addr)
	}
	guestMode := b.guest != nil
	b.mu.Unlock()
	if mod == nil {
		return backend.ErrNotCreated
	}

	if guestMode {
		if !live {
			return fmt.Errorf("%w: 0x%x", backend.ErrInvalidAddress, addr)
		}
		ctx, cancel := b.allocCtx()
		defer cancel()
		if _, err := mod.ExportedFunction("free").Call(ctx, api.EncodeU32(addr)); err != nil {
			return &TrapError{Module: b.module.Name(), Function: "free", Cause: err}
		}
		return nil
	}

	if err := heap.Free(addr); err != nil {
		return fmt.Errorf("%w: 0x%x", backend.ErrInvalidAddress, addr)
	}
	return nil
}

// Memory implements backend.Backend. Views taken before the heap grows
// remain valid only for the old size.
func (b *Backend) Memory() backend.Memory {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mem == nil {
		return backend.ByteMemory(nil)
	}
	return memory{m: b.mem}
}

// SetCallbackHandler implements backend.Backend.
func (b *Backend) SetCallbackHandler(h backend.CallbackHandler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// memory adapts a wazero linear memory.
type memory struct {
	m api.Memory
}

func (m memory) Size() uint32 { return m.m.Size() }

func (m memory) View(addr, n uint32) ([]byte, bool) {
	b, ok := m.m.Read(addr, n)
	if !ok {
		return nil, false
	}
	return b[:n:n], true
}

// outputWriter routes WASI stdout and stderr to the logger.
type outputWriter struct {
	logger zerolog.Logger
	stream string
}

func (w *outputWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if len(msg) > maxOutputLine {
		msg = msg[:maxOutputLine] + "...(truncated)"
	}
	w.logger.Info().
		Str("stream", w.stream).
		Str("guest_output", msg).
		Msg("guest output")
	return len(p), nil
}

const maxOutputLine = 4096
