package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"taintbox/internal/config"
	"taintbox/internal/demo"

	"github.com/spf13/cobra"
)

// InitOptions holds the init command's flags.
type InitOptions struct {
	Force bool
}

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	opts := &InitOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize taintbox configuration",
		Long:  "Write the default configuration, create the library directory with a sample guest library, and create the audit database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunInit(cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "overwrite existing configuration")

	return cmd
}

// RunInit performs the initialization.
func RunInit(cmd *cobra.Command, opts *InitOptions) error {
	cliCtx := GetCLIContext(cmd)
	out := cmd.OutOrStdout()

	if err := config.WriteDefault(cliCtx.ConfigPath, opts.Force); err != nil {
		return fmt.Errorf("%w (use --force to overwrite)", err)
	}

	libDir, err := config.ExpandPath(cliCtx.Config.Sandbox.LibraryDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(libDir, 0755); err != nil {
		return fmt.Errorf("create library directory: %w", err)
	}
	samplePath := filepath.Join(libDir, "demo.js")
	if err := writeSample(samplePath, opts.Force); err != nil {
		fmt.Fprintf(out, "Warning: sample library not written: %v\n", err)
	}

	db, err := cliCtx.GetStorage()
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}

	fmt.Fprintf(out, "Initialized taintbox\n")
	fmt.Fprintf(out, "  Config:    %s\n", cliCtx.ConfigPath)
	fmt.Fprintf(out, "  Libraries: %s\n", libDir)
	fmt.Fprintf(out, "  Database:  %s\n", db.Path())
	return nil
}

func writeSample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return errors.New(path + " already exists")
		}
	}
	return os.WriteFile(path, []byte(demo.Script), 0644)
}
