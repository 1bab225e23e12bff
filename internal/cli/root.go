package cli

import (
	"context"
	"errors"

	"taintbox/internal/config"
	"taintbox/pkg/logger"

	"github.com/spf13/cobra"
)

// GlobalFlags holds the flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Backend    string
	Verbose    bool
	Quiet      bool
}

var globalFlags GlobalFlags

type contextKey struct{}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	cmd, _ := newRootCmd()
	return cmd
}

// newRootCmd builds the command tree and a cleanup that releases what the
// command opened. Cleanup must run even when the command fails, which
// cobra's post-run hooks do not.
func newRootCmd() (*cobra.Command, func() error) {
	globalFlags = GlobalFlags{}
	var current *CLIContext
	cleanup := func() error {
		if current == nil {
			return nil
		}
		c := current
		current = nil
		return c.Close()
	}

	rootCmd := &cobra.Command{
		Use:   "taintbox",
		Short: "taintbox - run untrusted guest code behind a tainted-data boundary",
		Long: `taintbox runs guest libraries in a sandbox (in-process, JavaScript or
WebAssembly) and hands everything that comes back to the host as tainted
data that must be verified before use. Every escape hatch taken by host
code is recorded in an audit trail.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			configPath := globalFlags.ConfigPath
			if configPath == "" {
				var err error
				configPath, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if globalFlags.Backend != "" {
				cfg.Sandbox.Backend = globalFlags.Backend
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			logLevel := cfg.Log.Level
			if globalFlags.Verbose {
				logLevel = "debug"
			}
			if globalFlags.Quiet {
				logLevel = "error"
			}
			if err := logger.Init(logger.LogConfig{
				Level:  logLevel,
				Format: cfg.Log.Format,
				File:   cfg.Log.File,
			}); err != nil {
				return err
			}

			storagePath := cfg.Storage.Path
			if storagePath == "" {
				storagePath, err = config.DefaultDataPath()
				if err != nil {
					return err
				}
			}

			current = NewCLIContext(cfg, configPath, logger.Get(), storagePath)
			cmd.SetContext(context.WithValue(cmd.Context(), contextKey{}, current))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&globalFlags.Backend, "backend", "b", "", "sandbox backend (noop, jsvm, wasm)")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "quiet mode")

	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewInitCmd())
	rootCmd.AddCommand(NewConfigCmd())
	rootCmd.AddCommand(NewDoctorCmd())
	rootCmd.AddCommand(NewRunCmd())
	rootCmd.AddCommand(NewDemoCmd())
	rootCmd.AddCommand(NewLibsCmd())
	rootCmd.AddCommand(NewAuditCmd())

	return rootCmd, cleanup
}

// GetCLIContext returns the context set up by the root command.
func GetCLIContext(cmd *cobra.Command) *CLIContext {
	ctx := cmd.Context()
	if ctx == nil {
		return nil
	}
	cliCtx, ok := ctx.Value(contextKey{}).(*CLIContext)
	if !ok {
		return nil
	}
	return cliCtx
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	cmd, cleanup := newRootCmd()
	err := cmd.ExecuteContext(ctx)
	return errors.Join(err, cleanup())
}
