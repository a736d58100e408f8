package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"fleet/internal/config"
	"fleet/internal/domain/entities"
	"fleet/internal/repository"
	"fleet/internal/repository/memory"
)

// GenerateOptions holds flags for the generate command.
type GenerateOptions struct {
	*RootOptions
	Count int
	Seed  uint64
	Out   string
}

// NewGenerateCommand creates the generate command.
func NewGenerateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GenerateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic position set",
		Long: `Write a reproducible set of synthetic vehicle positions.

The output kind follows the path: .db and .sqlite go to a SQLite database,
s3:// URIs to an object store, anything else to a record stream compressed
by extension (.gz, .zst, .lz4).

Example:
  nearest generate --count 2000000 --out VehiclePositions.dat
  nearest generate --count 50000 --seed 7 --out fleet.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Count, "count", "n", 1000, "number of positions")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 1, "random seed")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "output path or URI (required)")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func runGenerate(opts *GenerateOptions, cmd *cobra.Command) error {
	if opts.Count < 0 {
		return NewExitError(ExitCommandError, "--count must not be negative")
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := opts.finish(cmd, cfg)
	if err != nil {
		return err
	}

	positions := memory.Generate(opts.Count, opts.Seed)
	logger.Debug("generated positions", "count", len(positions), "seed", opts.Seed)
	return writePositions(commandContext(cmd), cmd, cfg, opts.Out, positions)
}

// ConvertOptions holds flags for the convert command.
type ConvertOptions struct {
	*RootOptions
	Source string
	Out    string
}

// NewConvertCommand creates the convert command.
func NewConvertCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConvertOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Copy a position set between sources",
		Long: `Read every position from one source and write it to another, for
example to import a record stream into SQLite or upload it to S3.

Example:
  nearest convert --source VehiclePositions.dat --out fleet.db
  nearest convert --source sqlite://fleet.db --out s3://fleet/positions.dat.zst`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvert(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", "", "position source URI (overrides source.uri)")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "output path or URI (required)")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

func runConvert(opts *ConvertOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Source != "" {
		cfg.Source.URI = opts.Source
	}
	if _, err := opts.finish(cmd, cfg); err != nil {
		return err
	}

	source, err := repository.OpenSource(cfg.Source.URI, cfg.Source.ObjectStore)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open source", err)
	}
	defer source.Close()

	ctx := commandContext(cmd)
	positions, err := source.Load(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read "+source.Describe(), err)
	}
	return writePositions(ctx, cmd, cfg, opts.Out, positions)
}

// writePositions saves positions to the store named by out and prints a
// summary line.
func writePositions(ctx context.Context, cmd *cobra.Command, cfg *config.Config, out string, positions []entities.VehiclePosition) error {
	store, err := openStore(out, cfg.Source.ObjectStore)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Save(ctx, positions); err != nil {
		return WrapExitError(ExitCommandError, "failed to write "+store.Describe(), err)
	}

	p := message.NewPrinter(language.English)
	if info, err := os.Stat(localPath(out)); err == nil {
		p.Fprintf(cmd.OutOrStdout(), "Wrote %d positions to %s (%s)\n",
			len(positions), store.Describe(), humanize.Bytes(uint64(info.Size())))
		return nil
	}
	p.Fprintf(cmd.OutOrStdout(), "Wrote %d positions to %s\n", len(positions), store.Describe())
	return nil
}

func openStore(out string, objectStore config.ObjectStoreConfig) (repository.PositionStore, error) {
	uri := out
	if !strings.Contains(out, "://") && isDatabasePath(out) {
		uri = "sqlite://" + out
	}

	source, err := repository.OpenSource(uri, objectStore)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open output", err)
	}
	store, ok := source.(repository.PositionStore)
	if !ok {
		source.Close()
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("%s cannot be written", source.Describe()))
	}
	return store, nil
}

func isDatabasePath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return true
	}
	return false
}

// localPath returns the filesystem path behind out, or "" for remote URIs.
func localPath(out string) string {
	scheme, rest, ok := strings.Cut(out, "://")
	if !ok {
		return out
	}
	switch strings.ToLower(scheme) {
	case "file", "sqlite", "sqlite3":
		return rest
	}
	return ""
}
