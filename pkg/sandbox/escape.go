package sandbox

import (
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
)

// EscapeKind names the escape hatch used at a call site.
type EscapeKind string

const (
	EscapeUnsafeUnverified      EscapeKind = "unsafe_unverified"
	EscapeUnverifiedSafe        EscapeKind = "unverified_safe_because"
	EscapeUnverifiedSafePointer EscapeKind = "unverified_safe_pointer_because"
)

// Escape describes one use of an escape hatch.
type Escape struct {
	SandboxID string
	Backend   string
	Kind      EscapeKind
	Type      string
	Reason    string
	Site      string // file:line of the calling code
	Function  string
	Time      time.Time
}

// Auditor receives a record of every escape-hatch use. Implementations must
// be safe for concurrent use and must not call back into the sandbox.
type Auditor interface {
	RecordEscape(e Escape)
}

// AuditorFunc adapts a function to the Auditor interface.
type AuditorFunc func(e Escape)

// RecordEscape implements Auditor.
func (f AuditorFunc) RecordEscape(e Escape) { f(e) }

type logAuditor struct {
	logger zerolog.Logger
}

func (a logAuditor) RecordEscape(e Escape) {
	a.logger.Debug().
		Str("kind", string(e.Kind)).
		Str("type", e.Type).
		Str("site", e.Site).
		Str("reason", e.Reason).
		Msg("sandbox escape")
}

// recordEscape reports the caller of the escape method to the auditor.
func (s *Sandbox) recordEscape(kind EscapeKind, reason, typ string) {
	e := Escape{
		SandboxID: s.id,
		Backend:   s.backend.Name(),
		Kind:      kind,
		Type:      typ,
		Reason:    reason,
		Time:      time.Now(),
	}
	if pc, file, line, ok := runtime.Caller(2); ok {
		e.Site = fmt.Sprintf("%s:%d", file, line)
		if fn := runtime.FuncForPC(pc); fn != nil {
			e.Function = fn.Name()
		}
	}
	s.auditor.RecordEscape(e)
}

// UnverifiedSafePointerBecause returns a host slice of count elements
// aliasing sandbox memory at p, without checking the contents. Use it only
// where safety is established some other way, for example right after
// allocating exactly that many elements. reason is recorded with the call
// site and must not be empty.
//
// The range is still checked against sandbox memory, and p must be aligned
// for T. The slice is valid until the next call into the sandbox or the
// next allocation, either of which may move guest memory. Multi-byte
// elements use the host's byte order.
func UnverifiedSafePointerBecause[T Scalar](p Pointer[T], count uint32, reason string) []T {
	if reason == "" {
		misuse("UnverifiedSafePointerBecause requires a reason")
	}
	if p.sb == nil {
		misuse("UnverifiedSafePointerBecause on a null pointer")
	}
	l := layoutFor[T]()
	size := uint64(count) * uint64(l.size)
	if size > uint64(^uint32(0)) {
		misuse("UnverifiedSafePointerBecause: %d x %s overflows guest memory", count, l.typ)
	}
	p.sb.recordEscape(EscapeUnverifiedSafePointer, reason, "*"+typeName[T]())
	if count == 0 {
		return nil
	}
	b, err := p.sb.view(p.addr, uint32(size))
	if err != nil {
		misuse("UnverifiedSafePointerBecause: %v", err)
	}
	if uintptr(unsafe.Pointer(&b[0]))%uintptr(l.align) != 0 {
		misuse("UnverifiedSafePointerBecause: address 0x%x is not aligned for %s", p.addr, l.typ)
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), count)
}
