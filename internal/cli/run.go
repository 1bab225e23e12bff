package cli

import (
	"fmt"
	"strconv"
	"strings"

	"taintbox/pkg/sandbox"

	"github.com/spf13/cobra"
)

// RunOptions holds the run command's flags.
type RunOptions struct {
	Ret string
}

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run <library> <function> [args...]",
		Short: "Call a guest function in a fresh sandbox",
		Long: `Call a guest function in a fresh sandbox and print its result.

Arguments are typed with a prefix: i32:5, i64:5, f32:1.5, f64:1.5, or
s:text for a NUL-terminated string copied into the sandbox. Bare integers
are i32 when they fit and i64 otherwise; bare decimals are f64.

The result kind is chosen with --ret: i32, u32, i64, f32, f64, str (a
pointer to a NUL-terminated string, read with the sandbox.max_string
bound), or void. Results are guest data; printing them is recorded as an
escape in the audit trail.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFunction(cmd, opts, args[0], args[1], args[2:])
		},
	}

	cmd.Flags().StringVarP(&opts.Ret, "ret", "r", "i32", "result kind (i32, u32, i64, f32, f64, str, void)")

	return cmd
}

// argBuilder produces one call argument inside a live sandbox.
type argBuilder func(s *sandbox.Sandbox) (sandbox.Arg, error)

func parseArgs(raw []string) ([]argBuilder, error) {
	out := make([]argBuilder, 0, len(raw))
	for _, a := range raw {
		b, err := parseArg(a)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func parseArg(a string) (argBuilder, error) {
	kind, text, typed := strings.Cut(a, ":")
	if !typed {
		text = a
		if n, err := strconv.ParseInt(a, 0, 64); err == nil {
			if int64(int32(n)) == n {
				return constArg(sandbox.Wrap(int32(n))), nil
			}
			return constArg(sandbox.Wrap(n)), nil
		}
		if f, err := strconv.ParseFloat(a, 64); err == nil {
			return constArg(sandbox.Wrap(f)), nil
		}
		return nil, fmt.Errorf("argument %q: not a number (prefix strings with s:)", a)
	}

	switch kind {
	case "i32":
		n, err := strconv.ParseInt(text, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", a, err)
		}
		return constArg(sandbox.Wrap(int32(n))), nil
	case "i64":
		n, err := strconv.ParseInt(text, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", a, err)
		}
		return constArg(sandbox.Wrap(n)), nil
	case "f32":
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", a, err)
		}
		return constArg(sandbox.Wrap(float32(f))), nil
	case "f64":
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", a, err)
		}
		return constArg(sandbox.Wrap(f)), nil
	case "s":
		return func(s *sandbox.Sandbox) (sandbox.Arg, error) {
			data := append([]byte(text), 0)
			p, err := sandbox.Allocate[byte](s, uint32(len(data)))
			if err != nil {
				return nil, err
			}
			if err := sandbox.CopyIn(p, data); err != nil {
				return nil, err
			}
			return p, nil
		}, nil
	}
	return nil, fmt.Errorf("argument %q: unknown kind %q", a, kind)
}

func constArg(v sandbox.Arg) argBuilder {
	return func(*sandbox.Sandbox) (sandbox.Arg, error) { return v, nil }
}

func runFunction(cmd *cobra.Command, opts *RunOptions, library, function string, rawArgs []string) error {
	ctx := cmd.Context()
	cliCtx := GetCLIContext(cmd)
	out := cmd.OutOrStdout()

	builders, err := parseArgs(rawArgs)
	if err != nil {
		return err
	}

	h, err := newHost(ctx, cliCtx, out)
	if err != nil {
		return err
	}
	defer h.Close(ctx)

	b, info, err := h.open(ctx, library)
	if err != nil {
		return err
	}
	if _, err := h.pin(info); err != nil {
		return err
	}
	s, err := h.newSandbox(ctx, b)
	if err != nil {
		return err
	}
	defer s.Destroy()

	args := make([]sandbox.Arg, 0, len(builders))
	for _, build := range builders {
		a, err := build(s)
		if err != nil {
			return err
		}
		args = append(args, a)
	}

	const shown = "result printed for the operator"
	switch opts.Ret {
	case "void":
		if err := sandbox.InvokeVoid(ctx, s, function, args...); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")
	case "i32":
		v, err := sandbox.Invoke[int32](ctx, s, function, args...)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v.UnverifiedSafeBecause(shown))
	case "u32":
		v, err := sandbox.Invoke[uint32](ctx, s, function, args...)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v.UnverifiedSafeBecause(shown))
	case "i64":
		v, err := sandbox.Invoke[int64](ctx, s, function, args...)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v.UnverifiedSafeBecause(shown))
	case "f32":
		v, err := sandbox.Invoke[float32](ctx, s, function, args...)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v.UnverifiedSafeBecause(shown))
	case "f64":
		v, err := sandbox.Invoke[float64](ctx, s, function, args...)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, v.UnverifiedSafeBecause(shown))
	case "str":
		p, err := sandbox.InvokePointer[byte](ctx, s, function, args...)
		if err != nil {
			return err
		}
		maxLen := int(cliCtx.Config.Sandbox.MaxString)
		if maxLen <= 0 {
			maxLen = 4096
		}
		str := sandbox.VerifyString(p, maxLen, readString)
		if str.err != nil {
			return str.err
		}
		// Quoted so guest bytes cannot drive the terminal.
		fmt.Fprintf(out, "%q\n", str.s)
	default:
		return fmt.Errorf("unknown result kind %q", opts.Ret)
	}
	return nil
}

type guestString struct {
	s   string
	err error
}

// readString keeps a guest string only when it was read completely.
func readString(s string, err error) guestString {
	if err != nil {
		return guestString{err: err}
	}
	return guestString{s: s}
}
