// Package noop provides a pass-through backend that runs guest functions
// in-process. It offers no isolation at all; it exists so the taint
// discipline can be exercised and tested without a real isolation
// mechanism, and as the reference for what a backend has to provide.
package noop

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"taintbox/internal/arena"
	"taintbox/pkg/backend"
)

// DefaultMemorySize is the guest memory size used when Config.MemorySize is zero.
const DefaultMemorySize = 1 << 20

// GuestFunc is a guest function. It runs with full access to its own
// memory through g.
type GuestFunc func(g *Guest, args []backend.Value) (backend.Value, error)

// Library is a static table of guest functions. The table is fixed once a
// backend has been created from it.
type Library struct {
	mu    sync.RWMutex
	names map[string]int
	funcs []GuestFunc
}

// NewLibrary returns an empty Library.
func NewLibrary() *Library {
	return &Library{names: make(map[string]int)}
}

// Define adds fn under name. Redefining a name replaces the function but
// keeps its table index.
func (l *Library) Define(name string, fn GuestFunc) *Library {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.names[name]; ok {
		l.funcs[i] = fn
		return l
	}
	l.names[name] = len(l.funcs)
	l.funcs = append(l.funcs, fn)
	return l
}

// Symbols returns the static symbol table for the library.
func (l *Library) Symbols() map[string]backend.Symbol {
	l.mu.RLock()
	defer l.mu.RUnlock()
	table := make(map[string]backend.Symbol, len(l.names))
	for name, i := range l.names {
		table[name] = backend.Symbol{Name: name, Index: i}
	}
	return table
}

func (l *Library) get(i int) (GuestFunc, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.funcs) {
		return nil, false
	}
	return l.funcs[i], true
}

// Config configures a Backend.
type Config struct {
	// MemorySize is the guest memory size in bytes.
	MemorySize uint32
	// FailCreate makes Create fail, for exercising initialization errors.
	FailCreate error
}

// Backend is the in-process backend.
type Backend struct {
	lib *Library
	cfg Config

	mu      sync.Mutex
	created bool
	mem     []byte
	arena   *arena.Arena
	handler backend.CallbackHandler
	// owned holds blocks the host allocated; the guest may not free them.
	owned map[uint32]struct{}
}

// New returns a backend running lib.
func New(lib *Library, cfg Config) *Backend {
	if cfg.MemorySize == 0 {
		cfg.MemorySize = DefaultMemorySize
	}
	return &Backend{lib: lib, cfg: cfg}
}

var (
	_ backend.Backend     = (*Backend)(nil)
	_ backend.StaticTable = (*Backend)(nil)
)

// Name implements backend.Backend.
func (b *Backend) Name() string { return "noop" }

// Create implements backend.Backend.
func (b *Backend) Create(ctx context.Context) error {
	if b.cfg.FailCreate != nil {
		return b.cfg.FailCreate
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mem = make([]byte, b.cfg.MemorySize)
	b.arena = arena.New(arena.Align, b.cfg.MemorySize)
	b.owned = make(map[uint32]struct{})
	b.created = true
	return nil
}

// Destroy implements backend.Backend.
func (b *Backend) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = false
	b.mem = nil
	b.arena = nil
	b.owned = nil
	b.handler = nil
	return nil
}

// Symbols implements backend.StaticTable.
func (b *Backend) Symbols() map[string]backend.Symbol {
	return b.lib.Symbols()
}

// Lookup implements backend.Backend.
func (b *Backend) Lookup(name string) (backend.Symbol, error) {
	sym, ok := b.lib.Symbols()[name]
	if !ok {
		return backend.Symbol{}, fmt.Errorf("%w: %s", backend.ErrSymbolNotFound, name)
	}
	return sym, nil
}

// Call implements backend.Backend. The result kind is coerced to ret.
func (b *Backend) Call(ctx context.Context, sym backend.Symbol, args []backend.Value, ret backend.Kind) (backend.Value, error) {
	if !b.isCreated() {
		return backend.Value{}, backend.ErrNotCreated
	}
	fn, ok := b.lib.get(sym.Index)
	if !ok {
		return backend.Value{}, fmt.Errorf("%w: %s (index %d)", backend.ErrSymbolNotFound, sym.Name, sym.Index)
	}
	out, err := fn(&Guest{b: b, ctx: ctx}, args)
	if err != nil {
		return backend.Value{}, err
	}
	return out.As(ret), nil
}

// Allocate implements backend.Backend. The block is owned by the host
// until the host frees it.
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
	a := b.currentArena()
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
	a := b.currentArena()
	if a == nil {
		return 0, backend.ErrNotCreated
	}
	addr, err := a.Alloc(size)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", backend.ErrOutOfMemory, err)
	}
	clear(b.mem[addr : addr+size])
	return addr, nil
}

// guestFree releases a block on behalf of the guest, refusing blocks the
// host still owns.
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

func (b *Backend) isCreated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

func (b *Backend) currentArena() *arena.Arena {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arena
}

// Guest is the guest side's handle on its own memory and on host callbacks.
// Guest code is untrusted; nothing here is checked beyond keeping accesses
// inside guest memory.
type Guest struct {
	b   *Backend
	ctx context.Context
}

// Malloc allocates guest memory, returning 0 on failure like C malloc.
func (g *Guest) Malloc(size uint32) uint32 {
	addr, err := g.b.alloc(size)
	if err != nil {
		return 0
	}
	return addr
}

// Free releases guest memory. Invalid addresses and blocks the host
// allocated are ignored.
func (g *Guest) Free(addr uint32) {
	_ = g.b.guestFree(addr)
}

// Bytes returns guest memory in [addr, addr+n), or nil when out of range.
func (g *Guest) Bytes(addr, n uint32) []byte {
	b, ok := backend.ByteMemory(g.b.mem).View(addr, n)
	if !ok {
		return nil
	}
	return b
}

// WriteBytes copies p into guest memory at addr, truncating at the end of memory.
func (g *Guest) WriteBytes(addr uint32, p []byte) {
	if uint64(addr) >= uint64(len(g.b.mem)) {
		return
	}
	copy(g.b.mem[addr:], p)
}

// Int32 reads a little-endian int32 at addr; out of range reads yield 0.
func (g *Guest) Int32(addr uint32) int32 {
	b := g.Bytes(addr, 4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

// SetInt32 writes a little-endian int32 at addr.
func (g *Guest) SetInt32(addr uint32, v int32) {
	if b := g.Bytes(addr, 4); b != nil {
		binary.LittleEndian.PutUint32(b, uint32(v))
	}
}

// CString reads a NUL-terminated string of at most max bytes.
func (g *Guest) CString(addr, max uint32) string {
	mem := g.b.mem
	var out []byte
	for i := uint32(0); i < max; i++ {
		p := uint64(addr) + uint64(i)
		if p >= uint64(len(mem)) || mem[p] == 0 {
			break
		}
		out = append(out, mem[p])
	}
	return string(out)
}

// CallHost invokes the host callback registered in slot.
func (g *Guest) CallHost(slot uint32, args ...backend.Value) (backend.Value, error) {
	g.b.mu.Lock()
	h := g.b.handler
	g.b.mu.Unlock()
	if h == nil {
		return backend.Value{}, fmt.Errorf("noop: no callback handler installed")
	}
	return h(g.ctx, slot, args)
}
