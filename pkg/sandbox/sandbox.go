package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taintbox/pkg/backend"
)

// State is the lifecycle state of a Sandbox.
type State int

const (
	Uninitialized State = iota
	Active
	Destroyed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// DefaultMaxCallbacks is the callback table size used when WithMaxCallbacks
// is not given.
const DefaultMaxCallbacks = 128

// allocation records one block this sandbox handed out.
type allocation struct {
	size uint32
	typ  string
	gen  uint64
}

// Sandbox is a handle on one isolated execution context. It owns every
// allocation and callback registration made through it; Destroy reclaims
// all of them.
//
// A Sandbox's bookkeeping is safe for concurrent use, but calls into the
// guest are only serialized when WithSerializedInvocations is set.
type Sandbox struct {
	id        string
	backend   backend.Backend
	resolver  Resolver
	logger    zerolog.Logger
	auditor   Auditor
	serialize bool
	maxCB     int

	// callMu serializes guest calls when serialize is set.
	callMu sync.Mutex

	mu        sync.Mutex
	state     State
	allocs    map[uint32]allocation
	freed     map[uint32]struct{}
	callbacks map[uint32]*Callback
	nextSlot  uint32
	nextGen   uint64
}

// New returns an uninitialized Sandbox over b. Call Create before use.
func New(b backend.Backend, opts ...Option) *Sandbox {
	if b == nil {
		misuse("nil backend")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &Sandbox{
		id:        uuid.NewString(),
		backend:   b,
		resolver:  o.resolver,
		serialize: o.serialize,
		maxCB:     o.maxCallbacks,
		allocs:    make(map[uint32]allocation),
		freed:     make(map[uint32]struct{}),
		callbacks: make(map[uint32]*Callback),
		nextSlot:  1,
	}
	s.logger = o.logger.With().
		Str("sandbox_id", s.id).
		Str("backend", b.Name()).
		Logger()
	s.auditor = o.auditor
	if s.auditor == nil {
		s.auditor = logAuditor{logger: s.logger}
	}
	if s.resolver == nil {
		if _, ok := b.(backend.StaticTable); ok {
			s.resolver = &staticResolver{}
		} else {
			s.resolver = &dynamicResolver{}
		}
	}
	return s
}

// ID returns the sandbox's unique identifier.
func (s *Sandbox) ID() string { return s.id }

// Backend returns the name of the backend.
func (s *Sandbox) Backend() string { return s.backend.Name() }

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Create starts the backend. It returns an *InitError if the backend cannot
// be started; the sandbox then stays Uninitialized and Create may be retried.
func (s *Sandbox) Create(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Uninitialized {
		st := s.state
		s.mu.Unlock()
		panic(&LifecycleError{SandboxID: s.id, State: st, Op: "create"})
	}
	s.mu.Unlock()

	s.backend.SetCallbackHandler(s.dispatch)
	if err := s.backend.Create(ctx); err != nil {
		s.backend.SetCallbackHandler(nil)
		s.logger.Error().Err(err).Msg("sandbox create failed")
		return &InitError{Backend: s.backend.Name(), Cause: err}
	}
	if ri, ok := s.resolver.(resolverInit); ok {
		if err := ri.init(s.backend); err != nil {
			s.backend.SetCallbackHandler(nil)
			_ = s.backend.Destroy()
			return &InitError{Backend: s.backend.Name(), Cause: err}
		}
	}

	s.mu.Lock()
	s.state = Active
	s.mu.Unlock()
	s.logger.Debug().Msg("sandbox created")
	return nil
}

// Destroy frees every live allocation, invalidates every callback, and
// tears down the backend. Using the sandbox afterwards panics.
func (s *Sandbox) Destroy() error {
	s.mu.Lock()
	if s.state != Active {
		st := s.state
		s.mu.Unlock()
		panic(&LifecycleError{SandboxID: s.id, State: st, Op: "destroy"})
	}
	s.state = Destroyed
	allocs := s.allocs
	callbacks := s.callbacks
	s.allocs = make(map[uint32]allocation)
	s.freed = make(map[uint32]struct{})
	s.callbacks = make(map[uint32]*Callback)
	s.mu.Unlock()

	for addr := range allocs {
		if err := s.backend.Free(addr); err != nil {
			s.logger.Warn().Err(err).Uint32("addr", addr).Msg("free on destroy failed")
		}
	}
	for _, cb := range callbacks {
		cb.invalidate()
	}
	s.backend.SetCallbackHandler(nil)

	if err := s.backend.Destroy(); err != nil {
		return fmt.Errorf("sandbox: destroy %s backend: %w", s.backend.Name(), err)
	}
	s.logger.Debug().
		Int("reclaimed_allocations", len(allocs)).
		Int("invalidated_callbacks", len(callbacks)).
		Msg("sandbox destroyed")
	return nil
}

// MemorySize returns the current size of sandbox memory in bytes.
func (s *Sandbox) MemorySize() uint32 {
	s.mustBeActive("memory size")
	return s.backend.Memory().Size()
}

// LiveAllocations returns the number of allocations not yet freed.
func (s *Sandbox) LiveAllocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.allocs)
}

// mustBeActive panics unless the sandbox is Active.
func (s *Sandbox) mustBeActive(op string) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st != Active {
		panic(&LifecycleError{SandboxID: s.id, State: st, Op: op})
	}
}

// view returns guest memory in [addr, addr+n) after bounds checks.
func (s *Sandbox) view(addr uint64, n uint32) ([]byte, error) {
	s.mustBeActive("memory access")
	if addr == 0 {
		return nil, ErrNullPointer
	}
	if addr > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: address 0x%x", ErrOutOfBounds, addr)
	}
	b, ok := s.backend.Memory().View(uint32(addr), n)
	if !ok {
		return nil, fmt.Errorf("%w: [0x%x, +%d)", ErrOutOfBounds, addr, n)
	}
	return b, nil
}
