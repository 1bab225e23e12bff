package sandbox

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
)

// Verify passes a copy of the raw value to check and returns whatever check
// returns. Use it when the trusted result has a different type than the
// tainted input, for example a bool or a host-side enum.
func Verify[T Scalar, R any](t Tainted[T], check func(T) R) R {
	if check == nil {
		misuse("Verify called with a nil check")
	}
	return check(t.v)
}

// VerifyErr runs check and surfaces its error to the caller instead of
// resolving invalid values in place.
func VerifyErr[T Scalar](t Tainted[T], check func(T) (T, error)) (T, error) {
	if check == nil {
		misuse("VerifyErr called with a nil check")
	}
	return check(t.v)
}

// Clamp returns a check that forces values into [lo, hi]. NaN clamps to lo.
func Clamp[T Scalar](lo, hi T) func(T) T {
	if hi < lo {
		misuse("Clamp: empty range [%v, %v]", lo, hi)
	}
	return func(v T) T {
		if v != v || v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
}

// OrDefault returns a check that keeps values accepted by ok and replaces
// everything else with fallback.
func OrDefault[T Scalar](ok func(T) bool, fallback T) func(T) T {
	return func(v T) T {
		if ok(v) {
			return v
		}
		return fallback
	}
}

// OrPanic returns a check that panics with msg when ok rejects the value.
func OrPanic[T Scalar](ok func(T) bool, msg string) func(T) T {
	return func(v T) T {
		if !ok(v) {
			panic(fmt.Sprintf("sandbox: verification failed: %s", msg))
		}
		return v
	}
}

// InRange returns a check that rejects values outside [lo, hi] with an error.
func InRange[T Scalar](lo, hi T) func(T) (T, error) {
	return func(v T) (T, error) {
		if v != v || cmp.Less(v, lo) || cmp.Less(hi, v) {
			return v, fmt.Errorf("value %v outside [%v, %v]", v, lo, hi)
		}
		return v, nil
	}
}

// VerifyString copies a NUL-terminated string out of the sandbox and passes
// it to check. At most maxLen bytes are inspected. err is ErrNullPointer for
// a null address, ErrOutOfBounds if the string runs off the end of sandbox
// memory, or ErrStringTooLong if no terminator was found within maxLen; s
// then holds whatever was read. check decides what to make of that.
func VerifyString[R any](p Pointer[byte], maxLen int, check func(s string, err error) R) R {
	if check == nil {
		misuse("VerifyString called with a nil check")
	}
	if maxLen <= 0 {
		misuse("VerifyString: maxLen must be positive, got %d", maxLen)
	}
	if p.sb == nil {
		return check("", ErrNullPointer)
	}
	// Sandbox memory is 32-bit addressed; larger bounds scan all of it.
	s, err := p.sb.readCString(p.addr, uint32(min(uint64(maxLen), math.MaxUint32)))
	return check(s, err)
}

// VerifyBytes copies n bytes out of the sandbox and passes them to check.
// On error the slice is nil.
func VerifyBytes[R any](p Pointer[byte], n uint32, check func(b []byte, err error) R) R {
	if check == nil {
		misuse("VerifyBytes called with a nil check")
	}
	if p.sb == nil {
		return check(nil, ErrNullPointer)
	}
	view, err := p.sb.view(p.addr, n)
	if err != nil {
		return check(nil, err)
	}
	return check(bytes.Clone(view), nil)
}

// readCString scans at most maxLen bytes starting at addr.
func (s *Sandbox) readCString(addr uint64, maxLen uint32) (string, error) {
	s.mustBeActive("read string")
	if addr == 0 {
		return "", ErrNullPointer
	}
	size := uint64(s.backend.Memory().Size())
	if addr >= size {
		return "", fmt.Errorf("%w: string at 0x%x", ErrOutOfBounds, addr)
	}
	window := uint64(maxLen)
	truncatedByMemory := false
	if addr+window > size {
		window = size - addr
		truncatedByMemory = true
	}
	view, err := s.view(addr, uint32(window))
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(view, 0); i >= 0 {
		return string(view[:i]), nil
	}
	if truncatedByMemory {
		return string(view), fmt.Errorf("%w: unterminated string at 0x%x", ErrOutOfBounds, addr)
	}
	return string(view), fmt.Errorf("%w: no terminator within %d bytes", ErrStringTooLong, maxLen)
}
