package sandbox

import (
	"fmt"
	"math"
)

// Allocate reserves room for count elements of T in sandbox memory. The
// memory is zeroed. A backend refusal is returned as an *AllocationError;
// the pointer is then null.
func Allocate[T any](s *Sandbox, count uint32) (Pointer[T], error) {
	s.mustBeActive("allocate")
	l := layoutFor[T]()
	size := uint64(l.size) * uint64(count)
	if size == 0 || size > math.MaxUint32 {
		return Pointer[T]{}, &AllocationError{Type: l.typ.String(), Count: count, Cause: ErrInvalidSize}
	}

	addr, err := s.backend.Allocate(uint32(size))
	if err != nil {
		s.logger.Warn().Err(err).Uint64("size", size).Msg("sandbox allocation failed")
		return Pointer[T]{}, &AllocationError{Type: l.typ.String(), Count: count, Cause: err}
	}
	if addr == 0 {
		return Pointer[T]{}, &AllocationError{Type: l.typ.String(), Count: count, Cause: ErrNullPointer}
	}
	if uint64(addr)%uint64(l.align) != 0 {
		_ = s.backend.Free(addr)
		return Pointer[T]{}, &AllocationError{
			Type:  l.typ.String(),
			Count: count,
			Cause: fmt.Errorf("backend returned misaligned address 0x%x", addr),
		}
	}

	s.mu.Lock()
	if prev, ok := s.allocs[addr]; ok {
		// The guest released a block the host still owned and the backend
		// handed the address out again.
		s.logger.Warn().
			Uint32("addr", addr).
			Str("type", prev.typ).
			Msg("backend reissued a live host allocation")
	}
	s.nextGen++
	gen := s.nextGen
	s.allocs[addr] = allocation{size: uint32(size), typ: l.typ.String(), gen: gen}
	delete(s.freed, addr)
	s.mu.Unlock()

	if b, err := s.view(uint64(addr), uint32(size)); err == nil {
		clear(b)
	}
	return Pointer[T]{sb: s, addr: uint64(addr), gen: gen}, nil
}

// Free releases memory returned by Allocate. Freeing twice returns
// ErrDoubleFree, as does freeing a stale pointer whose address has since
// been handed out to a newer allocation. Freeing anything this sandbox did
// not allocate, including addresses that came back from the guest, returns
// ErrForeignPointer.
func Free[T any](s *Sandbox, p Pointer[T]) error {
	s.mustBeActive("free")
	if p.sb == nil {
		return ErrNullPointer
	}
	if p.sb != s || p.addr > math.MaxUint32 {
		return ErrForeignPointer
	}
	addr := uint32(p.addr)

	if p.gen == 0 {
		return fmt.Errorf("%w: 0x%x", ErrForeignPointer, addr)
	}

	s.mu.Lock()
	a, ok := s.allocs[addr]
	if !ok {
		_, freed := s.freed[addr]
		s.mu.Unlock()
		if freed {
			return fmt.Errorf("%w: 0x%x", ErrDoubleFree, addr)
		}
		return fmt.Errorf("%w: 0x%x", ErrForeignPointer, addr)
	}
	if a.gen != p.gen {
		s.mu.Unlock()
		return fmt.Errorf("%w: stale pointer 0x%x", ErrDoubleFree, addr)
	}
	delete(s.allocs, addr)
	s.freed[addr] = struct{}{}
	s.mu.Unlock()

	if err := s.backend.Free(addr); err != nil {
		return fmt.Errorf("sandbox: free 0x%x: %w", addr, err)
	}
	return nil
}
