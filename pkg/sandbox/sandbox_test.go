package sandbox_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taintbox/pkg/backend/noop"
	"taintbox/pkg/sandbox"
)

func TestSandboxLifecycle(t *testing.T) {
	s := sandbox.New(noop.New(testLibrary(), noop.Config{}), sandbox.WithLogger(zerolog.Nop()))
	assert.Equal(t, sandbox.Uninitialized, s.State())
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, "noop", s.Backend())

	require.NoError(t, s.Create(context.Background()))
	assert.Equal(t, sandbox.Active, s.State())
	assert.Equal(t, uint32(noop.DefaultMemorySize), s.MemorySize())

	require.NoError(t, s.Destroy())
	assert.Equal(t, sandbox.Destroyed, s.State())
}

func TestSandboxIDsAreUnique(t *testing.T) {
	a := sandbox.New(noop.New(testLibrary(), noop.Config{}))
	b := sandbox.New(noop.New(testLibrary(), noop.Config{}))
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestSandboxCreateFailure(t *testing.T) {
	cause := errors.New("no isolation available")
	s := sandbox.New(noop.New(testLibrary(), noop.Config{FailCreate: cause}))

	err := s.Create(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, sandbox.ErrInitialization))
	assert.True(t, errors.Is(err, cause))

	var ie *sandbox.InitError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "noop", ie.Backend)
	assert.Equal(t, sandbox.Uninitialized, s.State())
}

func TestSandboxCreateCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := sandbox.New(noop.New(testLibrary(), noop.Config{}))
	err := s.Create(ctx)
	assert.True(t, errors.Is(err, sandbox.ErrInitialization))
	assert.True(t, errors.Is(err, context.Canceled))

	// A failed Create may be retried.
	require.NoError(t, s.Create(context.Background()))
	require.NoError(t, s.Destroy())
}

func TestSandboxCreateTwicePanics(t *testing.T) {
	s := newSandbox(t)
	le := lifecyclePanic(t, func() { _ = s.Create(context.Background()) })
	assert.Equal(t, sandbox.Active, le.State)
	assert.Equal(t, "create", le.Op)
}

func TestSandboxUseBeforeCreatePanics(t *testing.T) {
	s := sandbox.New(noop.New(testLibrary(), noop.Config{}))

	le := lifecyclePanic(t, func() { _, _ = sandbox.Allocate[int32](s, 1) })
	assert.Equal(t, sandbox.Uninitialized, le.State)

	lifecyclePanic(t, func() { _ = s.Destroy() })
}

func TestSandboxUseAfterDestroyPanics(t *testing.T) {
	ctx := context.Background()
	s := newSandbox(t)
	p, err := sandbox.Allocate[int32](s, 1)
	require.NoError(t, err)
	require.NoError(t, s.Destroy())

	tests := []struct {
		name string
		fn   func()
	}{
		{"allocate", func() { _, _ = sandbox.Allocate[int32](s, 1) }},
		{"free", func() { _ = sandbox.Free(s, p) }},
		{"load", func() { _, _ = sandbox.Load(p) }},
		{"invoke", func() { _, _ = sandbox.Invoke[int32](ctx, s, "add", sandbox.Wrap[int32](1), sandbox.Wrap[int32](2)) }},
		{"register", func() { _, _ = sandbox.Register(s, nil) }},
		{"memory size", func() { _ = s.MemorySize() }},
		{"destroy", func() { _ = s.Destroy() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			le := lifecyclePanic(t, tt.fn)
			assert.Equal(t, sandbox.Destroyed, le.State)
			assert.Equal(t, s.ID(), le.SandboxID)
		})
	}
}

func TestSandboxDestroyReclaimsEverything(t *testing.T) {
	ctx := context.Background()
	s := newSandbox(t)

	for i := 0; i < 5; i++ {
		_, err := sandbox.Allocate[int64](s, 16)
		require.NoError(t, err)
	}
	cb, err := sandbox.Register(s, func(context.Context, sandbox.Args) (sandbox.Arg, error) {
		return nil, nil
	})
	require.NoError(t, err)
	_, err = sandbox.Invoke[int32](ctx, s, "call_cb", cb)
	require.NoError(t, err)
	assert.Equal(t, 5, s.LiveAllocations())

	require.NoError(t, s.Destroy())
	assert.Equal(t, 0, s.LiveAllocations())

	// A callback handle that outlived its sandbox is stale.
	lifecyclePanic(t, func() {
		_, _ = sandbox.Invoke[int32](ctx, s, "call_cb", cb)
	})
}
