// Package backend defines the capability set an isolation backend must
// provide to the sandbox core: lifecycle, calls into guest code, guest
// memory allocation and access, symbol lookup, and a hook for calls made
// by the guest back into the host.
//
// Backends never see tainted types. Everything crossing this interface is a
// raw guest address or a raw Value; the sandbox package is responsible for
// wrapping and unwrapping.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared by backend implementations.
var (
	// ErrSymbolNotFound indicates a guest function could not be resolved.
	ErrSymbolNotFound = errors.New("backend: symbol not found")

	// ErrOutOfMemory indicates the guest address space has no room for an allocation.
	ErrOutOfMemory = errors.New("backend: out of guest memory")

	// ErrInvalidAddress indicates an address that was not issued by the allocator.
	ErrInvalidAddress = errors.New("backend: invalid guest address")

	// ErrNotCreated indicates the backend was used before Create or after Destroy.
	ErrNotCreated = errors.New("backend: not created")
)

// Kind describes how the bits of a Value are interpreted.
type Kind uint8

const (
	KindVoid Kind = iota
	KindI32
	KindI64
	KindF32
	KindF64
)

// String returns the wasm-style name of the kind.
func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindI32:
		return "i32"
	case KindI64:
		return "i64"
	case KindF32:
		return "f32"
	case KindF64:
		return "f64"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a single argument or result word in its boundary representation.
// Integers are stored sign- or zero-extended in Bits, floats as their IEEE
// bit pattern.
type Value struct {
	Kind Kind
	Bits uint64
}

// Symbol is a resolved reference to a guest-callable function.
type Symbol struct {
	// Name is the guest-visible name the symbol was resolved from.
	Name string
	// Index is a backend-defined slot. Backends with a static table use it
	// as the table index.
	Index int
}

// Memory is a view of the guest address space.
type Memory interface {
	// Size returns the current size of guest memory in bytes.
	Size() uint32

	// View returns a slice aliasing guest memory in [addr, addr+n).
	// ok is false when the range is not entirely inside guest memory.
	View(addr, n uint32) (b []byte, ok bool)
}

// CallbackHandler receives calls made by guest code to a host callback slot.
// The handler's error is reported to the guest as a fault.
type CallbackHandler func(ctx context.Context, slot uint32, args []Value) (Value, error)

// Backend is one isolated execution context.
//
// Implementations are not required to be safe for concurrent use; the
// sandbox core serializes access when configured to do so.
type Backend interface {
	// Name returns a short backend identifier used in logs and errors.
	Name() string

	// Create starts the isolated context.
	Create(ctx context.Context) error

	// Destroy tears the context down. Destroy on a backend that was never
	// created returns nil.
	Destroy() error

	// Lookup resolves a guest function by name.
	Lookup(name string) (Symbol, error)

	// Call invokes a guest function. ret tells the backend how the caller
	// wants the result interpreted; backends with typed signatures may
	// ignore it.
	Call(ctx context.Context, sym Symbol, args []Value, ret Kind) (Value, error)

	// Allocate reserves size bytes of guest memory. It never returns 0 with
	// a nil error.
	Allocate(size uint32) (uint32, error)

	// Free releases an address returned by Allocate.
	Free(addr uint32) error

	// Memory returns the guest address space.
	Memory() Memory

	// SetCallbackHandler installs the receiver for guest-to-host calls.
	SetCallbackHandler(h CallbackHandler)
}

// StaticTable is implemented by backends whose guest functions are known
// ahead of time. The table maps guest names to pre-resolved symbols.
type StaticTable interface {
	Symbols() map[string]Symbol
}
