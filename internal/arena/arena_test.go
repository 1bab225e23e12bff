package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocNeverReturnsNull(t *testing.T) {
	a := New(0, 256)
	addr, err := a.Alloc(4)
	require.NoError(t, err)
	assert.NotZero(t, addr)
	assert.Zero(t, addr%Align)
}

func TestAllocDoesNotOverlap(t *testing.T) {
	a := New(16, 1024)
	first, err := a.Alloc(10)
	require.NoError(t, err)
	second, err := a.Alloc(10)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, second, first+16)
}

func TestFreeCoalesces(t *testing.T) {
	a := New(8, 8+64)
	x, err := a.Alloc(32)
	require.NoError(t, err)
	y, err := a.Alloc(32)
	require.NoError(t, err)

	_, err = a.Alloc(8)
	require.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, a.Free(x))
	require.NoError(t, a.Free(y))
	assert.Equal(t, 1, a.Stats().FreeSpans)

	z, err := a.Alloc(64)
	require.NoError(t, err)
	assert.Equal(t, x, z)
}

func TestDoubleFreeRejected(t *testing.T) {
	a := New(8, 128)
	addr, err := a.Alloc(8)
	require.NoError(t, err)

	require.NoError(t, a.Free(addr))
	assert.ErrorIs(t, a.Free(addr), ErrUnknownAddress)
	assert.ErrorIs(t, a.Free(addr+8), ErrUnknownAddress)
}

func TestGrowExtendsFreeSpace(t *testing.T) {
	a := New(8, 40)
	_, err := a.Alloc(64)
	require.ErrorIs(t, err, ErrExhausted)

	a.Grow(200)
	addr, err := a.Alloc(64)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), addr)
}

func TestResetDropsAllocations(t *testing.T) {
	a := New(8, 128)
	addr, err := a.Alloc(16)
	require.NoError(t, err)

	a.Reset()
	_, ok := a.SizeOf(addr)
	assert.False(t, ok)
	assert.Zero(t, a.Stats().InUse)
}
