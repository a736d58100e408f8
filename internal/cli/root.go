// Package cli implements the nearest command line tool.
//
// Every subcommand shares RootOptions. The config file named by --config is
// loaded once per command, then each subcommand applies its own flag
// overrides before validating, so a flag always beats the file.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"fleet/internal/config"
	"fleet/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the nearest CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "nearest",
		Short: "Nearest vehicle position index",
		Long: `Build a kd-tree over recorded vehicle positions and answer
nearest-vehicle queries from the command line or over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.validateFormat()
		},
	}

	opts.addFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewGenerateCommand(opts))
	cmd.AddCommand(NewConvertCommand(opts))

	return cmd
}

// NewServerCommand returns the serve command as a standalone program with
// the global flags attached.
func NewServerCommand() *cobra.Command {
	opts := &RootOptions{}
	cmd := NewServeCommand(opts)
	cmd.Use = "server"
	opts.addFlags(cmd.PersistentFlags())
	return cmd
}

func (o *RootOptions) addFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&o.ConfigPath, "config", "c", "", "path to a YAML config file")
	flags.BoolVarP(&o.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&o.Format, "format", "text", "output format (json|text)")
}

func (o *RootOptions) validateFormat() error {
	if !slices.Contains(ValidFormats, o.Format) {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}
	return nil
}

// loadConfig reads the config file and environment. Callers apply their
// flag overrides and then call finish.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	if err := o.validateFormat(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	cfg.ApplyEnv()
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// finish validates the final configuration and builds the command's logger,
// which writes to the command's stderr.
func (o *RootOptions) finish(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	logger, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid log settings", err)
	}
	return logger, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
