package cli

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"fleet/internal/domain/entities"
	"fleet/internal/metrics"
	"fleet/internal/repository"
	"fleet/internal/services"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Source string
	At     []string
	Prune  string
	Verify bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print the nearest vehicle for each target",
		Long: `Load a position set, build the index, and print the nearest vehicle
for every target coordinate. Without --at the configured targets are used.

With --verify every answer is compared with a linear scan. Any divergence
is reported inline and the command exits with status 1.

Example:
  nearest query --source VehiclePositions.dat
  nearest query --source sqlite://fleet.db --at 34.5,-97.2 --at 32.1,-99
  nearest query --source memory://100000 --prune legacy --verify`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", "", "position source URI (overrides source.uri)")
	cmd.Flags().StringArrayVar(&opts.At, "at", nil, "target as lat,long (repeatable)")
	cmd.Flags().StringVar(&opts.Prune, "prune", "", "far-branch rule: split-plane or legacy")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "cross-check answers against a linear scan")

	return cmd
}

func runQuery(opts *QueryOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Source != "" {
		cfg.Source.URI = opts.Source
	}
	if opts.Prune != "" {
		cfg.Index.Prune = opts.Prune
	}
	if opts.Verify {
		cfg.Index.Verify = true
	}
	logger, err := opts.finish(cmd, cfg)
	if err != nil {
		return err
	}

	targets := cfg.Query.Targets
	if len(opts.At) > 0 {
		targets, err = parseTargets(opts.At)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --at", err)
		}
	}
	format, err := services.ParseReportFormat(opts.Format)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid format", err)
	}

	source, err := repository.OpenSource(cfg.Source.URI, cfg.Source.ObjectStore)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open source", err)
	}
	defer func() {
		if closeErr := source.Close(); closeErr != nil {
			logger.Error("error closing source", "error", closeErr)
		}
	}()

	service, err := services.NewNearestService(source, cfg, metrics.New(prometheus.NewRegistry()), logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid index settings", err)
	}

	ctx := commandContext(cmd)
	stats, err := service.Rebuild(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build index", err)
	}
	if opts.Verbose {
		p := message.NewPrinter(language.English)
		p.Fprintf(cmd.ErrOrStderr(), "Indexed %d positions from %s (depth %d, %d cells)\n",
			stats.Positions, stats.Source, stats.Depth, stats.Cells)
	}

	results, err := service.NearestBatch(ctx, targets)
	if err != nil {
		return WrapExitError(ExitFailure, "query failed", err)
	}
	if err := services.NewReportService(cmd.OutOrStdout(), format).ReportAll(results); err != nil {
		return WrapExitError(ExitFailure, "failed to write report", err)
	}

	diverged := 0
	for _, r := range results {
		if r.Diverged {
			diverged++
		}
	}
	if diverged > 0 {
		return NewExitError(ExitFailure,
			fmt.Sprintf("%d of %d results differ from a linear scan", diverged, len(results)))
	}
	return nil
}

func parseTargets(values []string) ([]entities.Coordinate, error) {
	targets := make([]entities.Coordinate, 0, len(values))
	for _, v := range values {
		c, err := parseCoordinate(v)
		if err != nil {
			return nil, err
		}
		targets = append(targets, c)
	}
	return targets, nil
}

// parseCoordinate reads "lat,long".
func parseCoordinate(s string) (entities.Coordinate, error) {
	latText, longText, ok := strings.Cut(s, ",")
	if !ok {
		return entities.Coordinate{}, fmt.Errorf("%q: want lat,long", s)
	}
	lat, err := parseAxis(latText)
	if err != nil {
		return entities.Coordinate{}, fmt.Errorf("%q: latitude: %w", s, err)
	}
	long, err := parseAxis(longText)
	if err != nil {
		return entities.Coordinate{}, fmt.Errorf("%q: longitude: %w", s, err)
	}
	return entities.NewCoordinate(lat, long), nil
}

func parseAxis(s string) (float32, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("must be finite")
	}
	return float32(v), nil
}
