package sandbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"taintbox/pkg/backend"
	"taintbox/pkg/backend/noop"
	"taintbox/pkg/sandbox"
)

const testMemorySize = 64 << 10

var errGuestBoom = errors.New("guest: boom")

// testLibrary is the guest side used throughout the tests.
func testLibrary() *noop.Library {
	return noop.NewLibrary().
		Define("add", func(_ *noop.Guest, args []backend.Value) (backend.Value, error) {
			return backend.I32(int32(args[0].Int() + args[1].Int())), nil
		}).
		Define("neg64", func(_ *noop.Guest, args []backend.Value) (backend.Value, error) {
			return backend.I64(-args[0].Int()), nil
		}).
		Define("half", func(_ *noop.Guest, args []backend.Value) (backend.Value, error) {
			return backend.F64(args[0].Float() / 2), nil
		}).
		Define("fill", func(g *noop.Guest, args []backend.Value) (backend.Value, error) {
			p, n := uint32(args[0].Uint()), uint32(args[1].Uint())
			for i := uint32(0); i < n; i++ {
				g.SetInt32(p+4*i, int32(10*(i+1)))
			}
			return backend.Value{}, nil
		}).
		Define("greeting", func(g *noop.Guest, _ []backend.Value) (backend.Value, error) {
			msg := []byte("hello from the guest\x00")
			p := g.Malloc(uint32(len(msg)))
			g.WriteBytes(p, msg)
			return backend.I32(int32(p)), nil
		}).
		Define("release", func(g *noop.Guest, args []backend.Value) (backend.Value, error) {
			g.Free(uint32(args[0].Uint()))
			return backend.Value{}, nil
		}).
		Define("same", func(_ *noop.Guest, args []backend.Value) (backend.Value, error) {
			return args[0], nil
		}).
		Define("call_cb", func(g *noop.Guest, args []backend.Value) (backend.Value, error) {
			return g.CallHost(uint32(args[0].Uint()), args[1:]...)
		}).
		Define("fault", func(*noop.Guest, []backend.Value) (backend.Value, error) {
			return backend.Value{}, errGuestBoom
		})
}

func newSandbox(t *testing.T, opts ...sandbox.Option) *sandbox.Sandbox {
	t.Helper()
	return newSandboxOn(t, noop.New(testLibrary(), noop.Config{MemorySize: testMemorySize}), opts...)
}

func newSandboxOn(t *testing.T, b backend.Backend, opts ...sandbox.Option) *sandbox.Sandbox {
	t.Helper()
	opts = append([]sandbox.Option{sandbox.WithLogger(zerolog.Nop())}, opts...)
	s := sandbox.New(b, opts...)
	require.NoError(t, s.Create(context.Background()))
	t.Cleanup(func() {
		if s.State() == sandbox.Active {
			_ = s.Destroy()
		}
	})
	return s
}

// escapeLog collects audit records.
type escapeLog struct {
	mu      sync.Mutex
	escapes []sandbox.Escape
}

func (l *escapeLog) RecordEscape(e sandbox.Escape) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.escapes = append(l.escapes, e)
}

func (l *escapeLog) all() []sandbox.Escape {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sandbox.Escape(nil), l.escapes...)
}

// lifecyclePanic runs fn and returns the *LifecycleError it panicked with.
func lifecyclePanic(t *testing.T, fn func()) *sandbox.LifecycleError {
	t.Helper()
	var got *sandbox.LifecycleError
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r, "expected a panic")
			le, ok := r.(*sandbox.LifecycleError)
			require.True(t, ok, "panic value is %T, not *LifecycleError", r)
			got = le
		}()
		fn()
	}()
	return got
}

func identity[T sandbox.Scalar](v T) T { return v }
