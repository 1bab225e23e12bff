package sandbox

import (
	"fmt"
	"math"
	"reflect"

	"taintbox/pkg/backend"
)

// Pointer is an address in sandbox memory, typed by what it points at. It
// is tainted: the address may have come from the guest, so it is only ever
// dereferenced through bounds-checked accessors, and only into further
// tainted values.
type Pointer[T any] struct {
	_    [0]func()
	sb   *Sandbox
	addr uint64
	// gen ties a pointer returned by Allocate to that allocation; zero for
	// every other pointer.
	gen uint64
}

// Null returns the null pointer. It may be passed to the guest but any
// access through it fails with ErrNullPointer.
func Null[T any]() Pointer[T] {
	return Pointer[T]{}
}

// Index returns a pointer to the i-th element after p. No bounds are
// checked until the result is accessed.
func (p Pointer[T]) Index(i uint32) Pointer[T] {
	l := layoutFor[T]()
	return Pointer[T]{sb: p.sb, addr: addOffset(p.addr, uint64(i)*uint64(l.size))}
}

// UnsafeUnverified returns the raw guest address. The call site is audited.
func (p Pointer[T]) UnsafeUnverified() uint32 {
	if p.sb != nil {
		p.sb.recordEscape(EscapeUnsafeUnverified, "", "*"+typeName[T]())
	}
	return uint32(p.addr)
}

// String hides the address.
func (p Pointer[T]) String() string {
	return fmt.Sprintf("tainted(*%s)", typeName[T]())
}

func (p Pointer[T]) boundary(s *Sandbox) backend.Value {
	if p.sb != nil && p.sb != s {
		misuse("pointer from sandbox %s passed to sandbox %s", p.sb.id, s.id)
	}
	if p.addr > math.MaxUint32 {
		return backend.I32(0)
	}
	return backend.Value{Kind: backend.KindI32, Bits: p.addr}
}

func addOffset(addr, off uint64) uint64 {
	if addr > math.MaxUint64-off {
		return math.MaxUint64
	}
	return addr + off
}

// Field projects a pointer to a struct onto one of its fields. F must be
// the field's declared type.
func Field[F, S any](p Pointer[S], name string) Pointer[F] {
	l := layoutFor[S]()
	if l.fields == nil {
		misuse("Field: %s is not a struct", l.typ)
	}
	f, ok := l.fields[name]
	if !ok {
		misuse("Field: %s has no field %q", l.typ, name)
	}
	if want := reflect.TypeFor[F](); f.typ != want {
		misuse("Field: %s.%s is %s, not %s", l.typ, name, f.typ, want)
	}
	return Pointer[F]{sb: p.sb, addr: addOffset(p.addr, uint64(f.offset))}
}

// At projects a pointer to a fixed-size array onto its i-th element. E must
// be the array's element type. An index beyond the array length yields a
// pointer that fails every access.
func At[E, A any](p Pointer[A], i uint32) Pointer[E] {
	l := layoutFor[A]()
	if l.elem == nil {
		misuse("At: %s is not an array", l.typ)
	}
	if want := reflect.TypeFor[E](); l.elem != want {
		misuse("At: %s has elements of %s, not %s", l.typ, l.elem, want)
	}
	if i >= l.length {
		return Pointer[E]{sb: p.sb, addr: math.MaxUint64}
	}
	el := layoutOf(l.elem)
	return Pointer[E]{sb: p.sb, addr: addOffset(p.addr, uint64(i)*uint64(el.size))}
}

// Load reads the scalar p points at.
func Load[T Scalar](p Pointer[T]) (Tainted[T], error) {
	if p.sb == nil {
		return Tainted[T]{}, ErrNullPointer
	}
	b, err := p.sb.view(p.addr, layoutFor[T]().size)
	if err != nil {
		return Tainted[T]{}, err
	}
	return Tainted[T]{v: getScalar[T](b), sb: p.sb}, nil
}

// Store writes v to the scalar p points at.
func Store[T Scalar](p Pointer[T], v Tainted[T]) error {
	if p.sb == nil {
		return ErrNullPointer
	}
	b, err := p.sb.view(p.addr, layoutFor[T]().size)
	if err != nil {
		return err
	}
	putScalar(b, v.v)
	return nil
}

// LoadPointer reads a guest address stored in sandbox memory.
func LoadPointer[T any](p Pointer[Ref[T]]) (Pointer[T], error) {
	if p.sb == nil {
		return Pointer[T]{}, ErrNullPointer
	}
	b, err := p.sb.view(p.addr, 4)
	if err != nil {
		return Pointer[T]{}, err
	}
	addr := getScalar[uint32](b)
	if addr == 0 {
		return Pointer[T]{}, nil
	}
	return Pointer[T]{sb: p.sb, addr: uint64(addr)}, nil
}

// StorePointer writes the address v into sandbox memory at p.
func StorePointer[T any](p Pointer[Ref[T]], v Pointer[T]) error {
	if p.sb == nil {
		return ErrNullPointer
	}
	word := v.boundary(p.sb)
	b, err := p.sb.view(p.addr, 4)
	if err != nil {
		return err
	}
	putScalar(b, uint32(word.Bits))
	return nil
}

// CopyIn copies trusted host bytes into sandbox memory at p.
func CopyIn(p Pointer[byte], src []byte) error {
	if p.sb == nil {
		return ErrNullPointer
	}
	if uint64(len(src)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrOutOfBounds, len(src))
	}
	b, err := p.sb.view(p.addr, uint32(len(src)))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}

// Memset fills n bytes of sandbox memory at p with c.
func Memset(p Pointer[byte], c byte, n uint32) error {
	if p.sb == nil {
		return ErrNullPointer
	}
	b, err := p.sb.view(p.addr, n)
	if err != nil {
		return err
	}
	for i := range b {
		b[i] = c
	}
	return nil
}
