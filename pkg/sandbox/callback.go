package sandbox

import (
	"context"
	"fmt"
	"sync"

	"taintbox/pkg/backend"
)

// CallbackFunc is a host function the guest may call. Every argument
// arrives tainted through args. The returned Arg, if any, is sent back to
// the guest; a nil Arg returns zero.
type CallbackFunc func(ctx context.Context, args Args) (Arg, error)

// Callback is a registration of a host function in a sandbox's callback
// table. Pass it as an argument to hand the guest a way to call the host.
type Callback struct {
	mu   sync.Mutex
	sb   *Sandbox
	slot uint32
	fn   CallbackFunc
	live bool
}

// Register adds fn to the sandbox's callback table.
func Register(s *Sandbox, fn CallbackFunc) (*Callback, error) {
	s.mustBeActive("register callback")
	if fn == nil {
		misuse("Register called with a nil function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.callbacks) >= s.maxCB {
		return nil, fmt.Errorf("%w: %d registered", ErrTooManyCallbacks, len(s.callbacks))
	}
	slot := s.nextSlot
	for {
		if _, taken := s.callbacks[slot]; !taken && slot != 0 {
			break
		}
		slot++
	}
	s.nextSlot = slot + 1

	cb := &Callback{sb: s, slot: slot, fn: fn, live: true}
	s.callbacks[slot] = cb
	s.logger.Debug().Uint32("slot", slot).Msg("callback registered")
	return cb, nil
}

// Slot returns the callback's slot number, the value the guest uses to
// call it.
func (c *Callback) Slot() uint32 { return c.slot }

// Unregister removes the callback from its sandbox. Guest calls to the slot
// fail afterwards and passing the callback to the guest panics.
func (c *Callback) Unregister() {
	c.mu.Lock()
	if !c.live {
		c.mu.Unlock()
		return
	}
	c.live = false
	s := c.sb
	c.mu.Unlock()

	s.mu.Lock()
	if s.callbacks[c.slot] == c {
		delete(s.callbacks, c.slot)
	}
	s.mu.Unlock()
}

func (c *Callback) invalidate() {
	c.mu.Lock()
	c.live = false
	c.mu.Unlock()
}

func (c *Callback) boundary(s *Sandbox) backend.Value {
	c.mu.Lock()
	live := c.live
	c.mu.Unlock()
	if !live {
		panic(&LifecycleError{SandboxID: c.sb.id, State: c.sb.State(), Op: fmt.Sprintf("use of stale callback %d", c.slot)})
	}
	if c.sb != s {
		misuse("callback from sandbox %s passed to sandbox %s", c.sb.id, s.id)
	}
	return backend.Value{Kind: backend.KindI32, Bits: uint64(c.slot)}
}

// Args holds the arguments of one guest call into a callback. Nothing here
// exposes a raw value.
type Args struct {
	sb   *Sandbox
	vals []backend.Value
}

// Len returns the number of arguments the guest supplied. The count is
// guest-controlled and therefore tainted.
func (a Args) Len() Tainted[uint32] {
	return Tainted[uint32]{v: uint32(len(a.vals)), sb: a.sb}
}

// ArgAt returns argument i as a tainted T. Missing arguments read as zero.
func ArgAt[T Scalar](a Args, i int) Tainted[T] {
	if i < 0 || i >= len(a.vals) {
		return Tainted[T]{sb: a.sb}
	}
	return Tainted[T]{v: fromValue[T](a.vals[i]), sb: a.sb}
}

// PointerArg returns argument i as a tainted pointer into the sandbox.
func PointerArg[T any](a Args, i int) Pointer[T] {
	if i < 0 || i >= len(a.vals) {
		return Pointer[T]{}
	}
	addr := uint32(a.vals[i].Uint())
	if addr == 0 {
		return Pointer[T]{}
	}
	return Pointer[T]{sb: a.sb, addr: uint64(addr)}
}

// dispatch is the backend's entry point for guest-to-host calls. The slot
// number comes from the guest, so unknown slots are an error returned to
// the guest rather than a host panic.
func (s *Sandbox) dispatch(ctx context.Context, slot uint32, vals []backend.Value) (backend.Value, error) {
	s.mu.Lock()
	cb, ok := s.callbacks[slot]
	st := s.state
	s.mu.Unlock()
	if !ok || st != Active {
		s.logger.Warn().Uint32("slot", slot).Msg("guest called unknown callback")
		return backend.Value{}, fmt.Errorf("%w: %d", ErrUnknownCallback, slot)
	}

	args := Args{sb: s, vals: append([]backend.Value(nil), vals...)}
	ret, err := cb.fn(withActiveCall(ctx, s), args)
	if err != nil {
		return backend.Value{}, err
	}
	if ret == nil {
		return backend.Value{}, nil
	}
	return ret.boundary(s), nil
}
