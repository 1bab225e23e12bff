package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"taintbox/internal/config"
	"taintbox/internal/demo"
	"taintbox/internal/storage/migrations"
	"taintbox/pkg/backend/jsvm"
	"taintbox/pkg/backend/wasm"
)

// NewDoctorCmd creates the doctor command.
func NewDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the installation",
		Long: `Run diagnostic checks on your taintbox installation.

This command checks:
- Configuration file validity
- Audit database access and schema version
- Library directory contents
- That each guest engine can start`,
		RunE: runDoctor,
	}
}

type checkResult struct {
	name    string
	status  string // ok, warning, error
	message string
}

// emptyModule is the smallest valid WebAssembly binary.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func runDoctor(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "taintbox doctor")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	results := []checkResult{
		checkSystemInfo(),
		checkConfigFile(cliCtx),
		checkDatabase(cliCtx),
		checkLibraryDir(cliCtx),
		checkJSVM(ctx, cliCtx),
		checkWasm(ctx, cliCtx),
	}

	printResults(out, results)
	return nil
}

func printResults(out io.Writer, results []checkResult) {
	hasErrors, hasWarnings := false, false
	for _, r := range results {
		icon := "✓"
		switch r.status {
		case "warning":
			icon = "!"
			hasWarnings = true
		case "error":
			icon = "✗"
			hasErrors = true
		}
		fmt.Fprintf(out, "%s %s: %s\n", icon, r.name, r.message)
	}

	fmt.Fprintln(out)
	switch {
	case hasErrors:
		fmt.Fprintln(out, "Some checks failed. Please address the issues above.")
	case hasWarnings:
		fmt.Fprintln(out, "Some warnings detected. taintbox should work but may have issues.")
	default:
		fmt.Fprintln(out, "All checks passed.")
	}
}

func checkSystemInfo() checkResult {
	return checkResult{
		name:    "System",
		status:  "ok",
		message: fmt.Sprintf("Go %s on %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}
}

func checkConfigFile(c *CLIContext) checkResult {
	if _, err := os.Stat(c.ConfigPath); os.IsNotExist(err) {
		return checkResult{
			name:    "Config File",
			status:  "warning",
			message: fmt.Sprintf("Not found: %s (using defaults, run taintbox init)", c.ConfigPath),
		}
	}
	return checkResult{
		name:    "Config File",
		status:  "ok",
		message: fmt.Sprintf("Found: %s (backend %s, audit sink %s)", c.ConfigPath, c.Config.Sandbox.Backend, c.Config.Audit.Sink),
	}
}

func checkDatabase(c *CLIContext) checkResult {
	db, err := c.GetStorage()
	if err != nil {
		return checkResult{name: "Database", status: "error", message: err.Error()}
	}
	version, err := migrations.Version(db.DB)
	if err != nil {
		return checkResult{name: "Database", status: "error", message: fmt.Sprintf("read schema version: %v", err)}
	}
	msg := fmt.Sprintf("%s (schema version %d)", db.Path(), version)
	if info, err := os.Stat(db.Path()); err == nil {
		msg = fmt.Sprintf("%s, %.2f MB", msg, float64(info.Size())/1024/1024)
	}
	return checkResult{name: "Database", status: "ok", message: msg}
}

func checkLibraryDir(c *CLIContext) checkResult {
	dir, err := config.ExpandPath(c.Config.Sandbox.LibraryDir)
	if err != nil {
		return checkResult{name: "Libraries", status: "error", message: err.Error()}
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return checkResult{name: "Libraries", status: "warning", message: fmt.Sprintf("Not found: %s", dir)}
	}
	js, _ := filepath.Glob(filepath.Join(dir, "*.js"))
	wasmFiles, _ := filepath.Glob(filepath.Join(dir, "*.wasm"))
	return checkResult{
		name:    "Libraries",
		status:  "ok",
		message: fmt.Sprintf("%s (%d JavaScript, %d WebAssembly)", dir, len(js), len(wasmFiles)),
	}
}

func checkJSVM(ctx context.Context, c *CLIContext) checkResult {
	rt := jsvm.NewRuntime(jsvm.PoolConfig{MaxSize: 1}, c.Log())
	defer rt.Close()

	lib, err := jsvm.NewLibrary("doctor", demo.Script)
	if err != nil {
		return checkResult{name: "JavaScript engine", status: "error", message: err.Error()}
	}
	b := rt.NewBackend(lib, jsvm.Config{MemorySize: 64 << 10, Timeout: c.Config.JSVM.Timeout})
	if err := b.Create(ctx); err != nil {
		return checkResult{name: "JavaScript engine", status: "error", message: err.Error()}
	}
	defer b.Destroy()
	return checkResult{name: "JavaScript engine", status: "ok", message: fmt.Sprintf("%d guest functions in sample library", len(b.Symbols()))}
}

func checkWasm(ctx context.Context, c *CLIContext) checkResult {
	rt, err := wasm.NewRuntime(ctx, wasm.RuntimeConfig{
		MemoryLimitPages: c.Config.Wasm.MemoryLimitPages,
		WASI:             c.Config.Wasm.WASI,
	}, c.Log())
	if err != nil {
		return checkResult{name: "WebAssembly engine", status: "error", message: err.Error()}
	}
	defer rt.Close(ctx)

	if _, err := rt.Compile(ctx, "doctor", emptyModule); err != nil {
		return checkResult{name: "WebAssembly engine", status: "error", message: err.Error()}
	}
	return checkResult{
		name:    "WebAssembly engine",
		status:  "ok",
		message: fmt.Sprintf("memory limit %d MiB per guest", rt.MemoryLimit()>>20),
	}
}
