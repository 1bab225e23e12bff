package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the sandbox package.
var (
	// ErrDoubleFree indicates Free was called on an address already freed.
	ErrDoubleFree = errors.New("sandbox: double free")

	// ErrForeignPointer indicates a pointer that this sandbox did not allocate,
	// or that belongs to another sandbox.
	ErrForeignPointer = errors.New("sandbox: pointer not owned by this sandbox")

	// ErrNullPointer indicates an access through the null address.
	ErrNullPointer = errors.New("sandbox: null pointer")

	// ErrOutOfBounds indicates an access that leaves sandbox memory.
	ErrOutOfBounds = errors.New("sandbox: access outside sandbox memory")

	// ErrStringTooLong indicates a guest string with no terminator within the
	// inspected length.
	ErrStringTooLong = errors.New("sandbox: string exceeds maximum length")

	// ErrUnknownCallback indicates the guest called a callback slot that is
	// not registered.
	ErrUnknownCallback = errors.New("sandbox: unknown callback slot")

	// ErrTooManyCallbacks indicates the callback table is full.
	ErrTooManyCallbacks = errors.New("sandbox: callback table full")

	// ErrInvalidSize indicates an allocation request of zero or overflowing size.
	ErrInvalidSize = errors.New("sandbox: invalid allocation size")
)

// InitError is returned by Create when the backend cannot be started.
type InitError struct {
	Backend string
	Cause   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("sandbox: %s backend failed to initialize: %v", e.Backend, e.Cause)
}

func (e *InitError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for InitError.
func (e *InitError) Is(target error) bool {
	_, ok := target.(*InitError)
	return ok
}

// ErrInitialization is a sentinel for errors.Is matching.
var ErrInitialization = &InitError{}

// AllocationError is returned when sandbox memory cannot be allocated.
type AllocationError struct {
	Type  string
	Count uint32
	Cause error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("sandbox: allocating %d x %s: %v", e.Count, e.Type, e.Cause)
}

func (e *AllocationError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for AllocationError.
func (e *AllocationError) Is(target error) bool {
	_, ok := target.(*AllocationError)
	return ok
}

// ErrAllocation is a sentinel for errors.Is matching.
var ErrAllocation = &AllocationError{}

// InvocationError is returned when a guest function cannot be resolved.
type InvocationError struct {
	Symbol string
	Cause  error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("sandbox: cannot invoke %q: %v", e.Symbol, e.Cause)
}

func (e *InvocationError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for InvocationError.
func (e *InvocationError) Is(target error) bool {
	_, ok := target.(*InvocationError)
	return ok
}

// ErrInvocation is a sentinel for errors.Is matching.
var ErrInvocation = &InvocationError{}

// GuestFault carries an error the backend reported while the guest was
// running. The cause is passed through untranslated.
type GuestFault struct {
	Symbol string
	Cause  error
}

func (e *GuestFault) Error() string {
	return fmt.Sprintf("sandbox: guest fault in %q: %v", e.Symbol, e.Cause)
}

func (e *GuestFault) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for GuestFault.
func (e *GuestFault) Is(target error) bool {
	_, ok := target.(*GuestFault)
	return ok
}

// ErrGuestFault is a sentinel for errors.Is matching.
var ErrGuestFault = &GuestFault{}

// LifecycleError is the panic value raised when a sandbox is used outside
// the Active state, or a stale handle is used. These are programming
// defects, not runtime conditions.
type LifecycleError struct {
	SandboxID string
	State     State
	Op        string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("sandbox %s: %s while %s", e.SandboxID, e.Op, e.State)
}

// misuse panics with a descriptive message for API misuse that is not tied
// to the sandbox state.
func misuse(format string, args ...any) {
	panic(fmt.Sprintf("sandbox: "+format, args...))
}
