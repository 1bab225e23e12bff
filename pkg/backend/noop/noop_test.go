package noop

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taintbox/pkg/backend"
)

func newCreated(t *testing.T, lib *Library) *Backend {
	t.Helper()
	b := New(lib, Config{MemorySize: 4096})
	require.NoError(t, b.Create(context.Background()))
	t.Cleanup(func() { _ = b.Destroy() })
	return b
}

func TestLibrarySymbols(t *testing.T) {
	lib := NewLibrary().
		Define("a", func(*Guest, []backend.Value) (backend.Value, error) { return backend.I32(1), nil }).
		Define("b", func(*Guest, []backend.Value) (backend.Value, error) { return backend.I32(2), nil })
	lib.Define("a", func(*Guest, []backend.Value) (backend.Value, error) { return backend.I32(3), nil })

	syms := lib.Symbols()
	require.Len(t, syms, 2)
	assert.Equal(t, 0, syms["a"].Index)
	assert.Equal(t, 1, syms["b"].Index)

	b := newCreated(t, lib)
	out, err := b.Call(context.Background(), syms["a"], nil, backend.KindI32)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out.Int())
}

func TestBackendCallBeforeCreate(t *testing.T) {
	b := New(NewLibrary(), Config{})
	_, err := b.Call(context.Background(), backend.Symbol{Name: "x"}, nil, backend.KindVoid)
	assert.ErrorIs(t, err, backend.ErrNotCreated)
	_, err = b.Allocate(8)
	assert.ErrorIs(t, err, backend.ErrNotCreated)
}

func TestBackendLookup(t *testing.T) {
	b := newCreated(t, NewLibrary().Define("f", func(*Guest, []backend.Value) (backend.Value, error) {
		return backend.Value{}, nil
	}))
	sym, err := b.Lookup("f")
	require.NoError(t, err)
	assert.Equal(t, "f", sym.Name)

	_, err = b.Lookup("g")
	assert.ErrorIs(t, err, backend.ErrSymbolNotFound)

	_, err = b.Call(context.Background(), backend.Symbol{Name: "g", Index: 7}, nil, backend.KindVoid)
	assert.ErrorIs(t, err, backend.ErrSymbolNotFound)
}

func TestBackendCoercesResult(t *testing.T) {
	lib := NewLibrary().Define("f", func(*Guest, []backend.Value) (backend.Value, error) {
		return backend.F64(-7.9), nil
	})
	b := newCreated(t, lib)
	sym, _ := b.Lookup("f")

	out, err := b.Call(context.Background(), sym, nil, backend.KindI32)
	require.NoError(t, err)
	assert.Equal(t, backend.KindI32, out.Kind)
	assert.Equal(t, int64(-7), out.Int())

	out, err = b.Call(context.Background(), sym, nil, backend.KindVoid)
	require.NoError(t, err)
	assert.Equal(t, backend.Value{}, out)
}

func TestBackendMemory(t *testing.T) {
	b := newCreated(t, NewLibrary())
	assert.Equal(t, uint32(4096), b.Memory().Size())

	addr, err := b.Allocate(16)
	require.NoError(t, err)
	assert.NotZero(t, addr)

	view, ok := b.Memory().View(addr, 16)
	require.True(t, ok)
	assert.Len(t, view, 16)
	assert.Equal(t, 16, cap(view))

	_, ok = b.Memory().View(4090, 16)
	assert.False(t, ok)

	require.NoError(t, b.Free(addr))
	assert.ErrorIs(t, b.Free(addr), backend.ErrInvalidAddress)

	_, err = b.Allocate(8192)
	assert.ErrorIs(t, err, backend.ErrOutOfMemory)
}

func TestGuestHelpers(t *testing.T) {
	var handled []backend.Value
	lib := NewLibrary().Define("run", func(g *Guest, args []backend.Value) (backend.Value, error) {
		p := g.Malloc(16)
		g.WriteBytes(p, []byte("guest\x00"))
		g.SetInt32(p+8, -5)
		if g.CString(p, 16) != "guest" || g.Int32(p+8) != -5 {
			return backend.Value{}, errors.New("guest memory mismatch")
		}
		assert.Equal(t, "gue", g.CString(p, 3))
		assert.Zero(t, g.Int32(1<<20))
		g.Free(p)
		return g.CallHost(9, backend.I32(int32(p)))
	})
	b := newCreated(t, lib)
	b.SetCallbackHandler(func(_ context.Context, slot uint32, args []backend.Value) (backend.Value, error) {
		handled = append(handled, backend.I32(int32(slot)))
		handled = append(handled, args...)
		return backend.I32(1), nil
	})

	sym, _ := b.Lookup("run")
	out, err := b.Call(context.Background(), sym, nil, backend.KindI32)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Int())
	require.Len(t, handled, 2)
	assert.Equal(t, int64(9), handled[0].Int())
}

func TestGuestFreeLeavesHostBlocks(t *testing.T) {
	var hostAddr uint32
	lib := NewLibrary().Define("release", func(g *Guest, _ []backend.Value) (backend.Value, error) {
		g.Free(hostAddr)
		own := g.Malloc(8)
		g.Free(own)
		return backend.I32(int32(own)), nil
	})
	b := newCreated(t, lib)

	addr, err := b.Allocate(16)
	require.NoError(t, err)
	hostAddr = addr
	assert.ErrorIs(t, b.guestFree(addr), backend.ErrInvalidAddress)

	sym, _ := b.Lookup("release")
	_, err = b.Call(context.Background(), sym, nil, backend.KindI32)
	require.NoError(t, err)

	// Still live: the host frees it exactly once.
	require.NoError(t, b.Free(addr))
	assert.ErrorIs(t, b.Free(addr), backend.ErrInvalidAddress)
}

func TestGuestCallHostWithoutHandler(t *testing.T) {
	lib := NewLibrary().Define("run", func(g *Guest, _ []backend.Value) (backend.Value, error) {
		return g.CallHost(1)
	})
	b := newCreated(t, lib)
	sym, _ := b.Lookup("run")
	_, err := b.Call(context.Background(), sym, nil, backend.KindVoid)
	assert.Error(t, err)
}

func TestCreateFailure(t *testing.T) {
	cause := errors.New("nope")
	b := New(NewLibrary(), Config{FailCreate: cause})
	assert.ErrorIs(t, b.Create(context.Background()), cause)
}
