package wasm

import (
	"errors"
	"fmt"
)

// Sentinel errors for the WebAssembly backend.
var (
	// ErrTimeout indicates a guest call exceeded its time budget. The module
	// instance is closed when this happens and must be recreated.
	ErrTimeout = errors.New("wasm: execution timeout")

	// ErrNoMemory indicates the guest module defines no linear memory.
	ErrNoMemory = errors.New("wasm: module has no memory")

	// ErrSignature indicates the arguments do not match the export's
	// parameter list.
	ErrSignature = errors.New("wasm: signature mismatch")

	// ErrBadCallbackArgs indicates the guest passed an argv range outside
	// its memory or too many arguments to the callback import.
	ErrBadCallbackArgs = errors.New("wasm: bad callback arguments")

	// ErrRuntimeClosed indicates the runtime was closed.
	ErrRuntimeClosed = errors.New("wasm: runtime closed")
)

// CompileError indicates a module failed to decode or validate.
type CompileError struct {
	Module string
	Cause  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("wasm: compile %s: %v", e.Module, e.Cause)
}

func (e *CompileError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for CompileError.
func (e *CompileError) Is(target error) bool {
	_, ok := target.(*CompileError)
	return ok
}

// ErrCompile is a sentinel for errors.Is matching.
var ErrCompile = &CompileError{}

// TrapError wraps a failure raised while guest code was running.
type TrapError struct {
	Module   string
	Function string
	Cause    error
}

func (e *TrapError) Error() string {
	if e.Function != "" {
		return fmt.Sprintf("wasm: trap in %s (%s): %v", e.Module, e.Function, e.Cause)
	}
	return fmt.Sprintf("wasm: trap in %s: %v", e.Module, e.Cause)
}

func (e *TrapError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for TrapError.
func (e *TrapError) Is(target error) bool {
	_, ok := target.(*TrapError)
	return ok
}

// ErrTrap is a sentinel for errors.Is matching.
var ErrTrap = &TrapError{}
