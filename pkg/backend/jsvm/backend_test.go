package jsvm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taintbox/pkg/backend"
	"taintbox/pkg/backend/jsvm"
	"taintbox/pkg/sandbox"
)

const guestSource = `
function add(a, b) { return a + b; }

function strlen(p) {
	var bytes = new Uint8Array(memory);
	var n = 0;
	while (bytes[(p >>> 0) + n] !== 0) n++;
	return n;
}

function greet() {
	var msg = "hi there";
	var p = host.malloc(msg.length + 1);
	var bytes = new Uint8Array(memory);
	for (var i = 0; i < msg.length; i++) bytes[p + i] = msg.charCodeAt(i);
	bytes[p + msg.length] = 0;
	return p;
}

function release(p) { host.free(p); }

function call_cb(slot, x) { return host.callback(slot, x); }
function twice(slot, x) { return host.callback(slot, x) * 2; }
function guarded(slot) {
	try { return host.callback(slot); } catch (e) { return -1; }
}
function spin() { for (;;) {} }
function boom() { throw new Error("boom"); }
function label() { return "not a number"; }
function chatty() { console.log("guest says", 1, 2); return 0; }

var counter = 0;
function bump() { counter++; return counter; }
`

func newRuntime(t *testing.T) *jsvm.Runtime {
	t.Helper()
	rt := jsvm.NewRuntime(jsvm.PoolConfig{MaxSize: 4, Warm: 1}, zerolog.Nop())
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func newJSSandbox(t *testing.T, rt *jsvm.Runtime, cfg jsvm.Config, opts ...sandbox.Option) *sandbox.Sandbox {
	t.Helper()
	lib, err := jsvm.NewLibrary("guest", guestSource)
	require.NoError(t, err)

	s := sandbox.New(rt.NewBackend(lib, cfg), append([]sandbox.Option{sandbox.WithLogger(zerolog.Nop())}, opts...)...)
	require.NoError(t, s.Create(context.Background()))
	t.Cleanup(func() {
		if s.State() == sandbox.Active {
			_ = s.Destroy()
		}
	})
	return s
}

func verified[T sandbox.Scalar](t sandbox.Tainted[T]) T {
	return t.Verify(func(v T) T { return v })
}

func TestJSInvoke(t *testing.T) {
	ctx := context.Background()
	s := newJSSandbox(t, newRuntime(t), jsvm.Config{})
	assert.Equal(t, "jsvm", s.Backend())

	sum, err := sandbox.Invoke[int32](ctx, s, "add", sandbox.Wrap[int32](3), sandbox.Wrap[int32](4))
	require.NoError(t, err)
	assert.Equal(t, int32(7), verified(sum))

	f, err := sandbox.Invoke[float64](ctx, s, "add", sandbox.Wrap(0.5), sandbox.Wrap(0.25))
	require.NoError(t, err)
	assert.Equal(t, 0.75, verified(f))
}

func TestJSGuestReadsHostWrittenMemory(t *testing.T) {
	s := newJSSandbox(t, newRuntime(t), jsvm.Config{MemorySize: 4096})

	p, err := sandbox.Allocate[byte](s, 16)
	require.NoError(t, err)
	require.NoError(t, sandbox.CopyIn(p, []byte("sandbox\x00")))

	n, err := sandbox.Invoke[uint32](context.Background(), s, "strlen", p)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), verified(n))
	assert.Equal(t, uint32(4096), s.MemorySize())
}

func TestJSGuestAllocatedString(t *testing.T) {
	s := newJSSandbox(t, newRuntime(t), jsvm.Config{})

	p, err := sandbox.InvokePointer[byte](context.Background(), s, "greet")
	require.NoError(t, err)
	msg := sandbox.VerifyString(p, 64, func(str string, err error) string {
		require.NoError(t, err)
		return str
	})
	assert.Equal(t, "hi there", msg)
}

func TestJSGuestCannotFreeHostMemory(t *testing.T) {
	ctx := context.Background()
	s := newJSSandbox(t, newRuntime(t), jsvm.Config{})

	p, err := sandbox.Allocate[int32](s, 2)
	require.NoError(t, err)
	require.NoError(t, sandbox.InvokeVoid(ctx, s, "release", p))

	q, err := sandbox.Allocate[int32](s, 2)
	require.NoError(t, err)
	assert.NotEqual(t, p.UnsafeUnverified(), q.UnsafeUnverified())
	require.NoError(t, sandbox.Free(s, p))
	require.NoError(t, sandbox.Free(s, q))

	// Guest blocks are still the guest's to free.
	g, err := sandbox.InvokePointer[byte](ctx, s, "greet")
	require.NoError(t, err)
	require.NoError(t, sandbox.InvokeVoid(ctx, s, "release", g))
	assert.Equal(t, 0, s.LiveAllocations())
}

func TestJSCallbacks(t *testing.T) {
	ctx := context.Background()
	s := newJSSandbox(t, newRuntime(t), jsvm.Config{}, sandbox.WithSerializedInvocations())

	cb, err := sandbox.Register(s, func(ctx context.Context, args sandbox.Args) (sandbox.Arg, error) {
		// Re-enter the guest from inside the callback.
		return sandbox.Invoke[int32](ctx, s, "add", sandbox.ArgAt[int32](args, 0), sandbox.Wrap[int32](1))
	})
	require.NoError(t, err)

	got, err := sandbox.Invoke[int32](ctx, s, "twice", cb, sandbox.Wrap[int32](20))
	require.NoError(t, err)
	assert.Equal(t, int32(42), verified(got))
}

func TestJSCallbackErrors(t *testing.T) {
	ctx := context.Background()
	s := newJSSandbox(t, newRuntime(t), jsvm.Config{})

	hostErr := errors.New("host refused")
	cb, err := sandbox.Register(s, func(context.Context, sandbox.Args) (sandbox.Arg, error) {
		return nil, hostErr
	})
	require.NoError(t, err)

	_, err = sandbox.Invoke[int32](ctx, s, "call_cb", cb, sandbox.Wrap[int32](1))
	assert.True(t, errors.Is(err, sandbox.ErrGuestFault))
	assert.True(t, errors.Is(err, jsvm.ErrExecution))
	assert.ErrorIs(t, err, hostErr)

	_, err = sandbox.Invoke[int32](ctx, s, "call_cb", sandbox.Wrap[uint32](77), sandbox.Wrap[int32](1))
	assert.ErrorIs(t, err, sandbox.ErrUnknownCallback)

	// The guest may catch the failure itself.
	ret, err := sandbox.Invoke[int32](ctx, s, "guarded", cb)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), verified(ret))
}

func TestJSTimeout(t *testing.T) {
	ctx := context.Background()
	s := newJSSandbox(t, newRuntime(t), jsvm.Config{Timeout: 50 * time.Millisecond})

	err := sandbox.InvokeVoid(ctx, s, "spin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sandbox.ErrGuestFault))
	assert.ErrorIs(t, err, jsvm.ErrTimeout)

	// The runtime is usable again after the interrupt.
	sum, err := sandbox.Invoke[int32](ctx, s, "add", sandbox.Wrap[int32](1), sandbox.Wrap[int32](1))
	require.NoError(t, err)
	assert.Equal(t, int32(2), verified(sum))
}

func TestJSCallerCancellation(t *testing.T) {
	s := newJSSandbox(t, newRuntime(t), jsvm.Config{Timeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := sandbox.InvokeVoid(ctx, s, "spin")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJSGuestFaults(t *testing.T) {
	ctx := context.Background()
	s := newJSSandbox(t, newRuntime(t), jsvm.Config{})

	err := sandbox.InvokeVoid(ctx, s, "boom")
	assert.True(t, errors.Is(err, sandbox.ErrGuestFault))
	assert.Contains(t, err.Error(), "boom")

	_, err = sandbox.Invoke[int32](ctx, s, "label")
	assert.ErrorIs(t, err, jsvm.ErrBadResult)

	// Void calls ignore the result.
	require.NoError(t, sandbox.InvokeVoid(ctx, s, "label"))
	require.NoError(t, sandbox.InvokeVoid(ctx, s, "chatty"))
}

func TestJSUnknownSymbol(t *testing.T) {
	s := newJSSandbox(t, newRuntime(t), jsvm.Config{})

	_, err := sandbox.Invoke[int32](context.Background(), s, "counter")
	assert.True(t, errors.Is(err, sandbox.ErrInvocation))
	assert.ErrorIs(t, err, backend.ErrSymbolNotFound)

	_, err = sandbox.Invoke[int32](context.Background(), s, "nope")
	assert.ErrorIs(t, err, backend.ErrSymbolNotFound)
}

func TestJSSandboxesAreIsolated(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	a := newJSSandbox(t, rt, jsvm.Config{})
	b := newJSSandbox(t, rt, jsvm.Config{})

	for i := 0; i < 3; i++ {
		_, err := sandbox.Invoke[int32](ctx, a, "bump")
		require.NoError(t, err)
	}
	got, err := sandbox.Invoke[int32](ctx, b, "bump")
	require.NoError(t, err)
	assert.Equal(t, int32(1), verified(got))

	// Recreating from the same runtime starts from fresh globals too.
	require.NoError(t, a.Destroy())
	c := newJSSandbox(t, rt, jsvm.Config{})
	got, err = sandbox.Invoke[int32](ctx, c, "bump")
	require.NoError(t, err)
	assert.Equal(t, int32(1), verified(got))
}

func TestJSCreateFailsOnThrowingLibrary(t *testing.T) {
	lib, err := jsvm.NewLibrary("bad", `throw new Error("init failed");`)
	require.NoError(t, err)

	rt := newRuntime(t)
	s := sandbox.New(rt.NewBackend(lib, jsvm.Config{}))
	err = s.Create(context.Background())
	assert.True(t, errors.Is(err, sandbox.ErrInitialization))
	assert.True(t, errors.Is(err, jsvm.ErrExecution))
	assert.Equal(t, 0, rt.Stats().Active)
}
