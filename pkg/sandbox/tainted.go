package sandbox

import (
	"fmt"

	"taintbox/pkg/backend"
)

// Tainted holds a scalar that came from the sandbox or is bound for it.
//
// The zero value is a tainted zero. Tainted values cannot be compared,
// and carry no arithmetic; getting at the contents requires Verify or one
// of the audited escapes.
type Tainted[T Scalar] struct {
	_  [0]func()
	v  T
	sb *Sandbox
}

// Wrap marks a trusted host value as tainted so it can be passed into the
// sandbox. Host values are never converted implicitly.
func Wrap[T Scalar](v T) Tainted[T] {
	return Tainted[T]{v: v}
}

// Cast converts a tainted value to another scalar type. The result is still
// tainted; conversion does not make guest data any safer.
func Cast[U, T Scalar](t Tainted[T]) Tainted[U] {
	return Tainted[U]{v: U(t.v), sb: t.sb}
}

// Verify passes a copy of the raw value to check and returns its result.
// check decides what valid means and what happens when the value is not:
// clamp, substitute, or abort.
func (t Tainted[T]) Verify(check func(T) T) T {
	if check == nil {
		misuse("Verify called with a nil check")
	}
	return check(t.v)
}

// UnsafeUnverified returns the raw value with no check. Every call site is
// reported to the sandbox's Auditor.
func (t Tainted[T]) UnsafeUnverified() T {
	if t.sb != nil {
		t.sb.recordEscape(EscapeUnsafeUnverified, "", typeName[T]())
	}
	return t.v
}

// UnverifiedSafeBecause returns the raw value with no check, recording
// reason alongside the call site. reason must not be empty.
func (t Tainted[T]) UnverifiedSafeBecause(reason string) T {
	if reason == "" {
		misuse("UnverifiedSafeBecause requires a reason")
	}
	if t.sb != nil {
		t.sb.recordEscape(EscapeUnverifiedSafe, reason, typeName[T]())
	}
	return t.v
}

// String hides the raw value so tainted data does not leak through
// formatting.
func (t Tainted[T]) String() string {
	return fmt.Sprintf("tainted(%s)", typeName[T]())
}

func (t Tainted[T]) boundary(*Sandbox) backend.Value {
	return toValue(t.v)
}
