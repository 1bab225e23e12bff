// Package arena implements a first-fit free-list allocator over a 32-bit
// guest address range. It only does bookkeeping; the bytes live wherever the
// backend keeps guest memory.
package arena

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Align is the alignment of every address handed out by an Arena.
const Align = 8

var (
	// ErrExhausted indicates no free block is large enough.
	ErrExhausted = errors.New("arena: exhausted")

	// ErrUnknownAddress indicates Free was given an address that is not live.
	ErrUnknownAddress = errors.New("arena: address not allocated")
)

type block struct {
	addr uint32
	size uint32
}

// Arena hands out non-overlapping blocks in [base, limit). Address 0 is
// never returned so it can serve as the null address.
type Arena struct {
	mu    sync.Mutex
	base  uint32
	limit uint32
	free  []block // sorted by addr, never adjacent
	live  map[uint32]uint32
	inUse uint64
}

// New returns an arena managing [base, limit).
func New(base, limit uint32) *Arena {
	if base < Align {
		base = Align
	}
	base = alignUp(base)
	a := &Arena{
		base:  base,
		limit: limit,
		live:  make(map[uint32]uint32),
	}
	if limit > base {
		a.free = []block{{addr: base, size: limit - base}}
	}
	return a
}

func alignUp(v uint32) uint32 {
	return (v + Align - 1) &^ (Align - 1)
}

// Alloc reserves size bytes and returns the block address.
func (a *Arena) Alloc(size uint32) (uint32, error) {
	if size == 0 {
		size = 1
	}
	if size > ^uint32(0)-Align {
		return 0, fmt.Errorf("%w: request of %d bytes", ErrExhausted, size)
	}
	size = alignUp(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, b := range a.free {
		if b.size < size {
			continue
		}
		addr := b.addr
		if b.size == size {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = block{addr: b.addr + size, size: b.size - size}
		}
		a.live[addr] = size
		a.inUse += uint64(size)
		return addr, nil
	}
	return 0, fmt.Errorf("%w: request of %d bytes", ErrExhausted, size)
}

// Free releases a block previously returned by Alloc.
func (a *Arena) Free(addr uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.live[addr]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrUnknownAddress, addr)
	}
	delete(a.live, addr)
	a.inUse -= uint64(size)
	a.insertFree(block{addr: addr, size: size})
	return nil
}

// insertFree puts b back on the free list, merging with its neighbours.
func (a *Arena) insertFree(b block) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].addr > b.addr })
	a.free = append(a.free, block{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = b

	if i+1 < len(a.free) && a.free[i].addr+a.free[i].size == a.free[i+1].addr {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].addr+a.free[i-1].size == a.free[i].addr {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// Grow extends the managed range up to limit. A smaller limit is ignored.
func (a *Arena) Grow(limit uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if limit <= a.limit {
		return
	}
	start := a.limit
	if start < a.base {
		start = a.base
	}
	a.limit = limit
	if limit > start {
		a.insertFree(block{addr: start, size: limit - start})
	}
}

// SizeOf returns the size of the live block at addr.
func (a *Arena) SizeOf(addr uint32) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	size, ok := a.live[addr]
	return size, ok
}

// Reset drops every allocation.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live = make(map[uint32]uint32)
	a.inUse = 0
	a.free = a.free[:0]
	if a.limit > a.base {
		a.free = append(a.free, block{addr: a.base, size: a.limit - a.base})
	}
}

// Stats reports arena usage.
type Stats struct {
	Base      uint32
	Limit     uint32
	InUse     uint64
	Live      int
	FreeSpans int
}

// Stats returns current arena statistics.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Base:      a.base,
		Limit:     a.limit,
		InUse:     a.inUse,
		Live:      len(a.live),
		FreeSpans: len(a.free),
	}
}
