package sandbox_test

import (
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taintbox/pkg/sandbox"
)

type record struct {
	ID    int32
	Score int64
	Tags  [3]uint16
	Next  sandbox.Ref[record]
}

func offsetOf[F any](t *testing.T, p sandbox.Pointer[record], name string) uint32 {
	t.Helper()
	return sandbox.Field[F](p, name).UnsafeUnverified() - p.UnsafeUnverified()
}

func TestFieldLayoutFollowsCRules(t *testing.T) {
	s := newSandbox(t)
	p, err := sandbox.Allocate[record](s, 2)
	require.NoError(t, err)

	assert.Equal(t, uint32(0), offsetOf[int32](t, p, "ID"))
	assert.Equal(t, uint32(8), offsetOf[int64](t, p, "Score"))
	assert.Equal(t, uint32(16), offsetOf[[3]uint16](t, p, "Tags"))
	assert.Equal(t, uint32(24), offsetOf[sandbox.Ref[record]](t, p, "Next"))
	assert.Equal(t, uint32(32), p.Index(1).UnsafeUnverified()-p.UnsafeUnverified())
}

func TestFieldProjection(t *testing.T) {
	s := newSandbox(t)
	p, err := sandbox.Allocate[record](s, 1)
	require.NoError(t, err)

	require.NoError(t, sandbox.Store(sandbox.Field[int32](p, "ID"), sandbox.Wrap[int32](7)))
	require.NoError(t, sandbox.Store(sandbox.Field[int64](p, "Score"), sandbox.Wrap[int64](-99)))

	id, err := sandbox.Load(sandbox.Field[int32](p, "ID"))
	require.NoError(t, err)
	score, err := sandbox.Load(sandbox.Field[int64](p, "Score"))
	require.NoError(t, err)
	assert.Equal(t, int32(7), id.Verify(identity[int32]))
	assert.Equal(t, int64(-99), score.Verify(identity[int64]))
}

func TestArrayElementProjection(t *testing.T) {
	s := newSandbox(t)
	p, err := sandbox.Allocate[record](s, 1)
	require.NoError(t, err)
	tags := sandbox.Field[[3]uint16](p, "Tags")

	for i := uint32(0); i < 3; i++ {
		require.NoError(t, sandbox.Store(sandbox.At[uint16](tags, i), sandbox.Wrap(uint16(100+i))))
	}
	last, err := sandbox.Load(sandbox.At[uint16](tags, 2))
	require.NoError(t, err)
	assert.Equal(t, uint16(102), last.Verify(identity[uint16]))

	// The neighbouring field is untouched.
	next, err := sandbox.Load(sandbox.Field[sandbox.Ref[record]](p, "Next"))
	require.NoError(t, err)
	assert.Equal(t, sandbox.Ref[record](0), next.Verify(identity[sandbox.Ref[record]]))

	_, err = sandbox.Load(sandbox.At[uint16](tags, 3))
	assert.ErrorIs(t, err, sandbox.ErrOutOfBounds)
}

func TestProjectionMisusePanics(t *testing.T) {
	s := newSandbox(t)
	p, err := sandbox.Allocate[record](s, 1)
	require.NoError(t, err)

	assert.Panics(t, func() { sandbox.Field[int32](p, "Score") })
	assert.Panics(t, func() { sandbox.Field[int32](p, "Missing") })
	assert.Panics(t, func() { sandbox.Field[int32](sandbox.Field[int32](p, "ID"), "X") })
	assert.Panics(t, func() { sandbox.At[int32](p, 0) })
	assert.Panics(t, func() { sandbox.At[int32](sandbox.Field[[3]uint16](p, "Tags"), 0) })
}

func TestLinkedPointers(t *testing.T) {
	s := newSandbox(t)
	head, err := sandbox.Allocate[record](s, 1)
	require.NoError(t, err)
	tail, err := sandbox.Allocate[record](s, 1)
	require.NoError(t, err)
	require.NoError(t, sandbox.Store(sandbox.Field[int32](tail, "ID"), sandbox.Wrap[int32](2)))

	next := sandbox.Field[sandbox.Ref[record]](head, "Next")
	empty, err := sandbox.LoadPointer(next)
	require.NoError(t, err)
	_, err = sandbox.Load(sandbox.Field[int32](empty, "ID"))
	assert.ErrorIs(t, err, sandbox.ErrNullPointer)

	require.NoError(t, sandbox.StorePointer(next, tail))
	loaded, err := sandbox.LoadPointer(next)
	require.NoError(t, err)
	id, err := sandbox.Load(sandbox.Field[int32](loaded, "ID"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), id.Verify(identity[int32]))
}

func TestPointerBounds(t *testing.T) {
	s := newSandbox(t)
	p, err := sandbox.Allocate[int32](s, 1)
	require.NoError(t, err)

	_, err = sandbox.Load(p.Index(1 << 20))
	assert.ErrorIs(t, err, sandbox.ErrOutOfBounds)
	_, err = sandbox.Load(p.Index(^uint32(0)))
	assert.ErrorIs(t, err, sandbox.ErrOutOfBounds)

	_, err = sandbox.Load(sandbox.Null[int32]())
	assert.ErrorIs(t, err, sandbox.ErrNullPointer)
	assert.ErrorIs(t, sandbox.Store(sandbox.Null[int32](), sandbox.Wrap[int32](1)), sandbox.ErrNullPointer)
}

func TestCopyInAndVerifyString(t *testing.T) {
	s := newSandbox(t)
	buf, err := sandbox.Allocate[byte](s, 16)
	require.NoError(t, err)
	require.NoError(t, sandbox.CopyIn(buf, []byte("hi\x00junk")))

	got := sandbox.VerifyString(buf, 16, func(str string, err error) string {
		require.NoError(t, err)
		return str
	})
	assert.Equal(t, "hi", got)

	sandbox.VerifyString(sandbox.Null[byte](), 16, func(str string, err error) bool {
		assert.ErrorIs(t, err, sandbox.ErrNullPointer)
		return false
	})
	assert.Panics(t, func() {
		sandbox.VerifyString(buf, 0, func(string, error) bool { return true })
	})
}

func TestVerifyStringStopsAtEndOfMemory(t *testing.T) {
	s := newSandbox(t)
	const size = testMemorySize - 8
	buf, err := sandbox.Allocate[byte](s, size)
	require.NoError(t, err)
	require.NoError(t, sandbox.Memset(buf, 'x', size))

	sandbox.VerifyString(buf.Index(size-4), 100, func(str string, err error) bool {
		assert.ErrorIs(t, err, sandbox.ErrOutOfBounds)
		assert.Equal(t, "xxxx", str)
		return false
	})
	assert.ErrorIs(t, sandbox.CopyIn(buf.Index(size-2), []byte("abc")), sandbox.ErrOutOfBounds)
	assert.ErrorIs(t, sandbox.Memset(buf.Index(size-2), 0, 3), sandbox.ErrOutOfBounds)
}

func TestVerifyStringHugeBound(t *testing.T) {
	if strconv.IntSize < 64 {
		t.Skip("bound does not exceed 32 bits on this platform")
	}
	s := newSandbox(t)
	buf, err := sandbox.Allocate[byte](s, 12)
	require.NoError(t, err)
	require.NoError(t, sandbox.CopyIn(buf, []byte("hello world\x00")))

	shift := 32
	for _, bound := range []int{1<<shift + 4, math.MaxInt} {
		got := sandbox.VerifyString(buf, bound, func(str string, err error) string {
			require.NoError(t, err)
			return str
		})
		assert.Equal(t, "hello world", got)
	}
}

func TestVerifyBytesCopies(t *testing.T) {
	s := newSandbox(t)
	buf, err := sandbox.Allocate[byte](s, 4)
	require.NoError(t, err)
	require.NoError(t, sandbox.CopyIn(buf, []byte{1, 2, 3, 4}))

	got := sandbox.VerifyBytes(buf, 4, func(b []byte, err error) []byte {
		require.NoError(t, err)
		return b
	})
	require.NoError(t, sandbox.Memset(buf, 0, 4))
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestPointerFormattingHidesAddress(t *testing.T) {
	s := newSandbox(t)
	p, err := sandbox.Allocate[int32](s, 1)
	require.NoError(t, err)
	assert.Equal(t, "tainted(*int32)", p.String())
}
