package sandbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taintbox/pkg/sandbox"
)

func TestCallbackReceivesTaintedArgs(t *testing.T) {
	ctx := context.Background()
	s := newSandbox(t)

	var count uint32
	var first int32
	var missing int64 = -1
	cb, err := sandbox.Register(s, func(_ context.Context, args sandbox.Args) (sandbox.Arg, error) {
		count = args.Len().Verify(sandbox.Clamp[uint32](0, 8))
		first = sandbox.ArgAt[int32](args, 0).Verify(identity[int32])
		missing = sandbox.ArgAt[int64](args, 5).Verify(identity[int64])
		return sandbox.Wrap(first * 2), nil
	})
	require.NoError(t, err)

	ret, err := sandbox.Invoke[int32](ctx, s, "call_cb", cb, sandbox.Wrap[int32](21), sandbox.Wrap[int32](0))
	require.NoError(t, err)
	assert.Equal(t, int32(42), ret.Verify(identity[int32]))
	assert.Equal(t, uint32(2), count)
	assert.Equal(t, int32(21), first)
	assert.Zero(t, missing)
}

func TestCallbackPointerArgAndReturn(t *testing.T) {
	ctx := context.Background()
	s := newSandbox(t)
	buf, err := sandbox.Allocate[byte](s, 8)
	require.NoError(t, err)
	require.NoError(t, sandbox.CopyIn(buf, []byte("abc\x00")))

	cb, err := sandbox.Register(s, func(_ context.Context, args sandbox.Args) (sandbox.Arg, error) {
		p := sandbox.PointerArg[byte](args, 0)
		return p.Index(1), nil
	})
	require.NoError(t, err)

	p, err := sandbox.InvokePointer[byte](ctx, s, "call_cb", cb, buf)
	require.NoError(t, err)
	got := sandbox.VerifyString(p, 8, func(str string, err error) string {
		require.NoError(t, err)
		return str
	})
	assert.Equal(t, "bc", got)
}

func TestCallbackErrorReachesGuest(t *testing.T) {
	s := newSandbox(t)
	hostErr := errors.New("host refused")
	cb, err := sandbox.Register(s, func(context.Context, sandbox.Args) (sandbox.Arg, error) {
		return nil, hostErr
	})
	require.NoError(t, err)

	err = sandbox.InvokeVoid(context.Background(), s, "call_cb", cb)
	assert.True(t, errors.Is(err, sandbox.ErrGuestFault))
	assert.ErrorIs(t, err, hostErr)
}

func TestCallbackUnknownSlotIsGuestFault(t *testing.T) {
	s := newSandbox(t)

	assert.NotPanics(t, func() {
		err := sandbox.InvokeVoid(context.Background(), s, "call_cb", sandbox.Wrap[uint32](999))
		assert.True(t, errors.Is(err, sandbox.ErrGuestFault))
		assert.ErrorIs(t, err, sandbox.ErrUnknownCallback)
	})
}

func TestCallbackUnregister(t *testing.T) {
	ctx := context.Background()
	s := newSandbox(t)
	calls := 0
	cb, err := sandbox.Register(s, func(context.Context, sandbox.Args) (sandbox.Arg, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, sandbox.InvokeVoid(ctx, s, "call_cb", cb))

	// Keep the raw slot so the guest can replay it after unregistering.
	slot := sandbox.Wrap(cb.Slot())
	cb.Unregister()
	cb.Unregister()

	err = sandbox.InvokeVoid(ctx, s, "call_cb", slot)
	assert.ErrorIs(t, err, sandbox.ErrUnknownCallback)
	assert.Equal(t, 1, calls)

	lifecyclePanic(t, func() { _ = sandbox.InvokeVoid(ctx, s, "call_cb", cb) })
}

func TestCallbackTableLimit(t *testing.T) {
	s := newSandbox(t, sandbox.WithMaxCallbacks(2))
	noopFn := func(context.Context, sandbox.Args) (sandbox.Arg, error) { return nil, nil }

	a, err := sandbox.Register(s, noopFn)
	require.NoError(t, err)
	_, err = sandbox.Register(s, noopFn)
	require.NoError(t, err)
	_, err = sandbox.Register(s, noopFn)
	assert.ErrorIs(t, err, sandbox.ErrTooManyCallbacks)

	a.Unregister()
	c, err := sandbox.Register(s, noopFn)
	require.NoError(t, err)
	assert.NotEqual(t, a.Slot(), c.Slot())
}

func TestCallbackFromAnotherSandboxPanics(t *testing.T) {
	s1 := newSandbox(t)
	s2 := newSandbox(t)
	cb, err := sandbox.Register(s2, func(context.Context, sandbox.Args) (sandbox.Arg, error) { return nil, nil })
	require.NoError(t, err)

	assert.Panics(t, func() { _ = sandbox.InvokeVoid(context.Background(), s1, "call_cb", cb) })
}

func TestSerializedReentrantInvocation(t *testing.T) {
	ctx := context.Background()
	s := newSandbox(t, sandbox.WithSerializedInvocations())

	cb, err := sandbox.Register(s, func(ctx context.Context, args sandbox.Args) (sandbox.Arg, error) {
		// Calling back into the guest from inside a callback must not
		// wait on the invocation lock held by the outer call.
		return sandbox.Invoke[int32](ctx, s, "add", sandbox.ArgAt[int32](args, 0), sandbox.Wrap[int32](1))
	})
	require.NoError(t, err)

	done := make(chan int32, 1)
	go func() {
		ret, err := sandbox.Invoke[int32](ctx, s, "call_cb", cb, sandbox.Wrap[int32](41))
		if err != nil {
			done <- -1
			return
		}
		done <- ret.Verify(identity[int32])
	}()
	select {
	case got := <-done:
		assert.Equal(t, int32(42), got)
	case <-time.After(5 * time.Second):
		t.Fatal("re-entrant invocation deadlocked")
	}
}
