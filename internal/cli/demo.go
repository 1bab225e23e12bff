package cli

import (
	"context"
	"fmt"

	"taintbox/internal/config"
	"taintbox/internal/demo"
	"taintbox/pkg/backend"
	"taintbox/pkg/backend/jsvm"

	"github.com/spf13/cobra"
)

// NewDemoCmd creates the demo command.
func NewDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run the sample host program against the sample guest",
		Long: `Run the sample host program: call hello, add 3 and 4 and verify the sum,
write a string into the sandbox through an audited escape and have the
guest echo it, then let the guest call back into the host with a string.

Runs on the noop backend (guest written in Go) or the jsvm backend (guest
from demo.js in the library directory, or the built-in copy).`,
		Args: cobra.NoArgs,
		RunE: runDemo,
	}
}

func runDemo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cliCtx := GetCLIContext(cmd)
	out := cmd.OutOrStdout()

	h, err := newHost(ctx, cliCtx, out)
	if err != nil {
		return err
	}
	defer h.Close(ctx)

	b, info, err := openDemo(ctx, h)
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

	report, err := demo.Run(ctx, s, out)
	if err != nil {
		return err
	}
	if !report.SumOK {
		return fmt.Errorf("guest add returned %d, want 7", report.Sum)
	}
	if report.CallbackErr != nil {
		return fmt.Errorf("guest callback string rejected: %w", report.CallbackErr)
	}
	return nil
}

func openDemo(ctx context.Context, h *host) (backend.Backend, libraryInfo, error) {
	switch h.cfg.Sandbox.Backend {
	case config.BackendNoop:
		return h.open(ctx, builtinLibrary)
	case config.BackendJSVM:
		if _, err := h.loader.Get(builtinLibrary); err == nil {
			return h.open(ctx, builtinLibrary)
		}
		lib, err := jsvm.NewLibrary(builtinLibrary, demo.Script)
		if err != nil {
			return nil, libraryInfo{}, err
		}
		info := libraryInfo{Backend: config.BackendJSVM, Name: lib.Name(), Digest: lib.Digest()}
		return h.jsRT.NewBackend(lib, jsvm.Config{
			MemorySize: h.cfg.Sandbox.MemorySize,
			Timeout:    h.cfg.JSVM.Timeout,
		}), info, nil
	}
	return nil, libraryInfo{}, fmt.Errorf("demo runs on the noop and jsvm backends, not %s", h.cfg.Sandbox.Backend)
}
