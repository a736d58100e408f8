package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"fleet/internal/api"
	"fleet/internal/metrics"
	"fleet/internal/repository"
	"fleet/internal/services"
)

const shutdownTimeout = 15 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Source string
	Port   string
	Prune  string
	Verify bool

	// OnListen, when set, is called with the bound address once the server
	// accepts connections (for testing).
	OnListen func(addr net.Addr)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}
	return newServeCommand(opts)
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve nearest-vehicle queries over HTTP",
		Long: `Build the index from the configured source and serve it over HTTP.
The server stops gracefully on SIGINT or SIGTERM.

Admin endpoints (POST /index/rebuild, PUT /index/positions) need a bearer
token from server.admin_token or FLEET_ADMIN_TOKEN.

Example:
  nearest serve --source VehiclePositions.dat --port :8080
  FLEET_ADMIN_TOKEN=s3cret nearest serve -c fleet.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", "", "position source URI (overrides source.uri)")
	cmd.Flags().StringVar(&opts.Port, "port", "", "listen address (overrides server.port)")
	cmd.Flags().StringVar(&opts.Prune, "prune", "", "far-branch rule: split-plane or legacy")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "cross-check answers against a linear scan")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Source != "" {
		cfg.Source.URI = opts.Source
	}
	if opts.Port != "" {
		cfg.Server.Port = opts.Port
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

	source, err := repository.OpenSource(cfg.Source.URI, cfg.Source.ObjectStore)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open source", err)
	}
	defer func() {
		if closeErr := source.Close(); closeErr != nil {
			logger.Error("error closing source", "error", closeErr)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	service, err := services.NewNearestService(source, cfg, m, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid index settings", err)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := service.Rebuild(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to build index", err)
	}

	if !opts.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := api.NewEngine(api.NewRouter(service, cfg.Server, m, registry, logger))

	listener, err := net.Listen("tcp", cfg.Server.Port)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	server := &http.Server{
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	logger.Info("server listening", "addr", listener.Addr().String(), "source", source.Describe())
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", listener.Addr())
	if opts.OnListen != nil {
		opts.OnListen(listener.Addr())
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
