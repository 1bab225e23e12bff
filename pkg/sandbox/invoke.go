package sandbox

import (
	"context"

	"taintbox/pkg/backend"
)

// Arg is a value that may be passed across the boundary. Only Tainted,
// Pointer and *Callback implement it, so trusted host values have to be
// wrapped explicitly.
type Arg interface {
	boundary(s *Sandbox) backend.Value
}

// activeCallKey marks a context as running inside a guest call on a
// particular sandbox.
type activeCallKey struct{}

func withActiveCall(ctx context.Context, s *Sandbox) context.Context {
	return context.WithValue(ctx, activeCallKey{}, s)
}

func inActiveCall(ctx context.Context, s *Sandbox) bool {
	active, _ := ctx.Value(activeCallKey{}).(*Sandbox)
	return active == s
}

// Invoke calls the guest function name and returns its result tainted.
// Resolution failures are returned as *InvocationError; errors raised while
// the guest runs are returned as *GuestFault.
func Invoke[R Scalar](ctx context.Context, s *Sandbox, name string, args ...Arg) (Tainted[R], error) {
	v, err := s.invoke(ctx, name, args, kindOf[R]())
	if err != nil {
		return Tainted[R]{}, err
	}
	return Tainted[R]{v: fromValue[R](v), sb: s}, nil
}

// InvokePointer calls a guest function that returns an address.
func InvokePointer[T any](ctx context.Context, s *Sandbox, name string, args ...Arg) (Pointer[T], error) {
	v, err := s.invoke(ctx, name, args, backend.KindI32)
	if err != nil {
		return Pointer[T]{}, err
	}
	addr := uint32(v.Bits)
	if addr == 0 {
		return Pointer[T]{}, nil
	}
	return Pointer[T]{sb: s, addr: uint64(addr)}, nil
}

// InvokeVoid calls a guest function and discards its result.
func InvokeVoid(ctx context.Context, s *Sandbox, name string, args ...Arg) error {
	_, err := s.invoke(ctx, name, args, backend.KindVoid)
	return err
}

func (s *Sandbox) invoke(ctx context.Context, name string, args []Arg, ret backend.Kind) (backend.Value, error) {
	s.mustBeActive("invoke " + name)

	sym, err := s.resolver.Resolve(s.backend, name)
	if err != nil {
		s.logger.Debug().Err(err).Str("symbol", name).Msg("symbol resolution failed")
		return backend.Value{}, &InvocationError{Symbol: name, Cause: err}
	}

	vals := make([]backend.Value, len(args))
	for i, a := range args {
		if a == nil {
			misuse("argument %d to %s is nil", i, name)
		}
		vals[i] = a.boundary(s)
	}

	if s.serialize && !inActiveCall(ctx, s) {
		s.callMu.Lock()
		defer s.callMu.Unlock()
	}

	out, err := s.backend.Call(withActiveCall(ctx, s), sym, vals, ret)
	if err != nil {
		s.logger.Debug().Err(err).Str("symbol", name).Msg("guest call failed")
		return backend.Value{}, &GuestFault{Symbol: name, Cause: err}
	}
	return out, nil
}
