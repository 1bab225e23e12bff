// Package demo is a small guest library and the host program that drives
// it: say hello, add two numbers and check the sum, echo a string written
// into the sandbox, and call back into the host with a guest string.
package demo

import (
	"context"
	"fmt"
	"io"

	"taintbox/pkg/backend"
	"taintbox/pkg/backend/noop"
	"taintbox/pkg/sandbox"
)

// MaxCallbackString bounds the string the guest may hand to hello_cb.
const MaxCallbackString = 1024

// Greeting is the string the host writes into the sandbox for echo.
const Greeting = "hi hi!"

// Script is the guest library for the jsvm backend. Guest output goes to
// the console, which the backend routes to the log.
const Script = `
function hello() { console.log("hello from the guest"); }

function add(a, b) { return (a + b) >>> 0; }

function cstring(p) {
	var bytes = new Uint8Array(memory);
	var s = "";
	for (var i = p >>> 0; bytes[i] !== 0; i++) s += String.fromCharCode(bytes[i]);
	return s;
}

function echo(p) { console.log("echo: " + cstring(p)); }

function call_cb(slot) {
	var msg = "hi from the guest";
	var p = host.malloc(msg.length + 1);
	var bytes = new Uint8Array(memory);
	for (var i = 0; i < msg.length; i++) bytes[p + i] = msg.charCodeAt(i);
	bytes[p + msg.length] = 0;
	var ret = host.callback(slot, p);
	host.free(p);
	return ret;
}
`

// Library returns the same guest for the noop backend. Guest output goes
// to out.
func Library(out io.Writer) *noop.Library {
	return noop.NewLibrary().
		Define("hello", func(*noop.Guest, []backend.Value) (backend.Value, error) {
			fmt.Fprintln(out, "hello from the guest")
			return backend.Value{}, nil
		}).
		Define("add", func(_ *noop.Guest, args []backend.Value) (backend.Value, error) {
			if err := arity("add", args, 2); err != nil {
				return backend.Value{}, err
			}
			return backend.I32(int32(uint32(args[0].Uint() + args[1].Uint()))), nil
		}).
		Define("echo", func(g *noop.Guest, args []backend.Value) (backend.Value, error) {
			if err := arity("echo", args, 1); err != nil {
				return backend.Value{}, err
			}
			fmt.Fprintf(out, "echo: %s\n", g.CString(uint32(args[0].Uint()), MaxCallbackString))
			return backend.Value{}, nil
		}).
		Define("call_cb", func(g *noop.Guest, args []backend.Value) (backend.Value, error) {
			if err := arity("call_cb", args, 1); err != nil {
				return backend.Value{}, err
			}
			msg := []byte("hi from the guest\x00")
			p := g.Malloc(uint32(len(msg)))
			if p == 0 {
				return backend.Value{}, fmt.Errorf("guest out of memory")
			}
			defer g.Free(p)
			g.WriteBytes(p, msg)
			return g.CallHost(uint32(args[0].Uint()), backend.I32(int32(p)))
		})
}

func arity(name string, args []backend.Value, want int) error {
	if len(args) < want {
		return fmt.Errorf("%s: want %d arguments, got %d", name, want, len(args))
	}
	return nil
}

// Report is what the host learned from one run.
type Report struct {
	Sum         uint32
	SumOK       bool
	Callback    string
	CallbackErr error
}

// Run drives the guest in s, writing the host's side of the conversation
// to out. s must be created and loaded with Script or Library.
func Run(ctx context.Context, s *sandbox.Sandbox, out io.Writer) (*Report, error) {
	var r Report

	if err := sandbox.InvokeVoid(ctx, s, "hello"); err != nil {
		return nil, fmt.Errorf("hello: %w", err)
	}

	sum, err := sandbox.Invoke[uint32](ctx, s, "add", sandbox.Wrap[uint32](3), sandbox.Wrap[uint32](4))
	if err != nil {
		return nil, fmt.Errorf("add: %w", err)
	}
	r.SumOK = sandbox.Verify(sum, func(v uint32) bool {
		fmt.Fprintf(out, "Adding... 3+4 = %d\n", v)
		r.Sum = v
		return v == 7
	})
	fmt.Fprintf(out, "OK? = %t\n", r.SumOK)

	size := uint32(len(Greeting) + 1)
	buf, err := sandbox.Allocate[byte](s, size)
	if err != nil {
		return nil, fmt.Errorf("allocate greeting: %w", err)
	}
	copy(sandbox.UnverifiedSafePointerBecause(buf, size, "writing to region"), Greeting+"\x00")
	if err := sandbox.InvokeVoid(ctx, s, "echo", buf); err != nil {
		return nil, fmt.Errorf("echo: %w", err)
	}
	if err := sandbox.Free(s, buf); err != nil {
		return nil, fmt.Errorf("free greeting: %w", err)
	}

	cb, err := sandbox.Register(s, func(_ context.Context, args sandbox.Args) (sandbox.Arg, error) {
		ok := sandbox.VerifyString(sandbox.PointerArg[byte](args, 0), MaxCallbackString, func(str string, err error) bool {
			if err != nil {
				r.CallbackErr = err
				return false
			}
			r.Callback = str
			return true
		})
		if !ok {
			return sandbox.Wrap[int32](-1), nil
		}
		fmt.Fprintf(out, "hello_cb: %s\n", r.Callback)
		return sandbox.Wrap[int32](0), nil
	})
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	defer cb.Unregister()

	if err := sandbox.InvokeVoid(ctx, s, "call_cb", cb); err != nil {
		return nil, fmt.Errorf("call_cb: %w", err)
	}
	return &r, nil
}
