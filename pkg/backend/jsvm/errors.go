package jsvm

import (
	"errors"
	"fmt"
)

// Sentinel errors for the JavaScript backend.
var (
	// ErrTimeout indicates a guest call exceeded its time budget.
	ErrTimeout = errors.New("jsvm: execution timeout")

	// ErrVMPoolExhausted indicates no VM became available in time.
	ErrVMPoolExhausted = errors.New("jsvm: vm pool exhausted")

	// ErrPoolClosed indicates the pool was closed.
	ErrPoolClosed = errors.New("jsvm: vm pool closed")

	// ErrNotFunction indicates a global exists but is not callable.
	ErrNotFunction = errors.New("jsvm: not a function")

	// ErrBadResult indicates a guest function returned something other than
	// a number where a number was expected.
	ErrBadResult = errors.New("jsvm: guest returned a non-numeric value")

	// ErrLibraryNotFound indicates the loader has no library by that name.
	ErrLibraryNotFound = errors.New("jsvm: library not found")
)

// ScriptSyntaxError indicates a guest library failed to compile.
type ScriptSyntaxError struct {
	File    string
	Message string
}

func (e *ScriptSyntaxError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("jsvm: syntax error in %s: %s", e.File, e.Message)
	}
	return fmt.Sprintf("jsvm: syntax error: %s", e.Message)
}

// Is implements errors.Is for ScriptSyntaxError.
func (e *ScriptSyntaxError) Is(target error) bool {
	_, ok := target.(*ScriptSyntaxError)
	return ok
}

// ErrScriptSyntax is a sentinel for errors.Is matching.
var ErrScriptSyntax = &ScriptSyntaxError{}

// ExecutionError wraps a failure raised while guest code was running.
type ExecutionError struct {
	Script   string
	Function string
	Cause    error
}

func (e *ExecutionError) Error() string {
	if e.Function != "" {
		return fmt.Sprintf("jsvm: execution error in %s (%s): %v", e.Script, e.Function, e.Cause)
	}
	return fmt.Sprintf("jsvm: execution error in %s: %v", e.Script, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for ExecutionError.
func (e *ExecutionError) Is(target error) bool {
	_, ok := target.(*ExecutionError)
	return ok
}

// ErrExecution is a sentinel for errors.Is matching.
var ErrExecution = &ExecutionError{}
