package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"taintbox/internal/config"
	"taintbox/internal/storage"
	"taintbox/pkg/backend/jsvm"
	"taintbox/pkg/backend/wasm"

	"github.com/spf13/cobra"
)

// NewLibsCmd creates the libs command group.
func NewLibsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "libs",
		Short: "Inspect guest libraries and their pinned digests",
	}

	cmd.AddCommand(newLibsListCmd())
	cmd.AddCommand(newLibsPinCmd())
	cmd.AddCommand(newLibsPinsCmd())
	cmd.AddCommand(newLibsForgetCmd())

	return cmd
}

// scannedLibrary is a guest library found in the library directory.
type scannedLibrary struct {
	libraryInfo
	Exports []string
	Err     error
}

// scanLibraries compiles every .js and .wasm file in dir.
func scanLibraries(ctx context.Context, c *CLIContext, dir string) ([]scannedLibrary, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read library directory: %w", err)
	}

	var rt *wasm.Runtime
	defer func() {
		if rt != nil {
			_ = rt.Close(ctx)
		}
	}()

	var libs []scannedLibrary
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))

		switch filepath.Ext(e.Name()) {
		case ".js":
			lib := scannedLibrary{libraryInfo: libraryInfo{Backend: config.BackendJSVM, Name: name, Path: path}}
			if l, err := jsvm.LoadLibrary(path); err != nil {
				lib.Err = err
			} else {
				lib.Digest = l.Digest()
			}
			libs = append(libs, lib)

		case ".wasm":
			if rt == nil {
				rt, err = wasm.NewRuntime(ctx, wasm.RuntimeConfig{
					MemoryLimitPages: c.Config.Wasm.MemoryLimitPages,
					WASI:             c.Config.Wasm.WASI,
				}, c.Log())
				if err != nil {
					return nil, err
				}
			}
			lib := scannedLibrary{libraryInfo: libraryInfo{Backend: config.BackendWasm, Name: name, Path: path}}
			if m, err := rt.CompileFile(ctx, path); err != nil {
				lib.Err = err
			} else {
				lib.Digest = m.Digest()
				lib.Exports = m.Exports()
				_ = m.Close(ctx)
			}
			libs = append(libs, lib)
		}
	}

	sort.Slice(libs, func(i, j int) bool {
		if libs[i].Name != libs[j].Name {
			return libs[i].Name < libs[j].Name
		}
		return libs[i].Backend < libs[j].Backend
	})
	return libs, nil
}

// pinState compares a library with its stored pin without updating it.
func pinState(db *storage.DB, lib libraryInfo) (string, error) {
	pin, err := db.GetPin(lib.Backend, lib.Name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "unpinned", nil
	case err != nil:
		return "", err
	case pin.Digest == lib.Digest:
		return "pinned", nil
	default:
		return "changed", nil
	}
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

func newLibsListCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List guest libraries in the library directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			dir, err := config.ExpandPath(cliCtx.Config.Sandbox.LibraryDir)
			if err != nil {
				return err
			}
			libs, err := scanLibraries(cmd.Context(), cliCtx, dir)
			if err != nil {
				return err
			}
			if len(libs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No guest libraries in %s\n", dir)
				return nil
			}
			db, err := cliCtx.GetStorage()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tBACKEND\tDIGEST\tSTATUS")
			for _, lib := range libs {
				if lib.Err != nil {
					fmt.Fprintf(w, "%s\t%s\t-\terror: %v\n", lib.Name, lib.Backend, lib.Err)
					continue
				}
				state, err := pinState(db, lib.libraryInfo)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", lib.Name, lib.Backend, shortDigest(lib.Digest), state)
				if verbose && len(lib.Exports) > 0 {
					fmt.Fprintf(w, "\t\texports: %s\t\n", strings.Join(lib.Exports, ", "))
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVarP(&verbose, "long", "l", false, "show wasm exports")

	return cmd
}

func newLibsPinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pin",
		Short: "Record the current digest of every guest library",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			dir, err := config.ExpandPath(cliCtx.Config.Sandbox.LibraryDir)
			if err != nil {
				return err
			}
			libs, err := scanLibraries(cmd.Context(), cliCtx, dir)
			if err != nil {
				return err
			}
			db, err := cliCtx.GetStorage()
			if err != nil {
				return err
			}
			for _, lib := range libs {
				if lib.Err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): skipped: %v\n", lib.Name, lib.Backend, lib.Err)
					continue
				}
				status, err := db.PinLibrary(storage.LibraryPin{
					Backend: lib.Backend,
					Name:    lib.Name,
					Digest:  lib.Digest,
					Path:    lib.Path,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s\n", lib.Name, lib.Backend, status)
			}
			return nil
		},
	}
}

func newLibsPinsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pins",
		Short: "List stored library pins",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := GetCLIContext(cmd).GetStorage()
			if err != nil {
				return err
			}
			pins, err := db.ListPins()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tBACKEND\tDIGEST\tLAST SEEN")
			for _, p := range pins {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.Backend, shortDigest(p.Digest), p.LastSeen.Local().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newLibsForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <backend> <name>",
		Short: "Delete a library pin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := GetCLIContext(cmd).GetStorage()
			if err != nil {
				return err
			}
			if err := db.DeletePin(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s (%s)\n", args[1], args[0])
			return nil
		},
	}
}
