// Package sandbox enforces a trust boundary between host code and code
// running inside an isolated backend.
//
// Every value that comes out of the sandbox, or is headed into it, is
// carried in a Tainted or Pointer wrapper. Neither wrapper supports
// arithmetic, comparison, indexing, or dereference. To use the contents the
// host has to go through one of:
//
//   - Verify, VerifyErr, VerifyString, VerifyBytes: run a caller-supplied
//     check over a copy of the raw data and return the checked result.
//   - Field, At, Index, Load: project composite guest data into further
//     tainted values without materializing the whole structure.
//   - UnsafeUnverified, UnverifiedSafeBecause, UnverifiedSafePointerBecause:
//     escapes that skip checking. Each use is reported to the sandbox's
//     Auditor with its call site.
//
// Basic usage:
//
//	sb := sandbox.New(noop.New(lib, noop.Config{}))
//	if err := sb.Create(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer sb.Destroy()
//
//	sum, err := sandbox.Invoke[int32](ctx, sb, "add", sandbox.Wrap[int32](3), sandbox.Wrap[int32](4))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ok := sandbox.Verify(sum, func(v int32) bool { return v == 7 })
package sandbox
