package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"llm-gateway/internal/config"
	"llm-gateway/internal/forwarder"
	"llm-gateway/internal/logging"
	"llm-gateway/internal/metrics"
	"llm-gateway/internal/provider"
	providerfactory "llm-gateway/internal/provider/factory"
	"llm-gateway/internal/relay"
	"llm-gateway/internal/router"
	"llm-gateway/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		port    int
		backend string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Example: `  llm-gateway serve
  llm-gateway serve --backend OLLAMA --port 8080
  GATEWAY_BACKEND=KIMI llm-gateway serve --config gateway.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, port, backend)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server port from configuration")
	cmd.Flags().StringVarP(&backend, "backend", "b", "", "override active backend (OLLAMA, GLM or KIMI)")
	return cmd
}

// loadConfig loads configuration and applies command line overrides.
func loadConfig(path string, port int, backend string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if port != 0 {
		cfg.Server.Port = port
	}
	if backend != "" {
		cfg.Backend = backend
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg config.Config, console io.Writer) error {
	logger, closer, err := logging.New(cfg.Logging, console)
	if err != nil {
		return fmt.Errorf("initialise logging: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewCollector(cfg.Metrics.Namespace, reg)
	}

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredBackends(cfg, registry); err != nil {
		return err
	}

	fwd, err := forwarder.New(providerfactory.NewHTTPClient(cfg.Client))
	if err != nil {
		return err
	}

	rt, err := router.New(registry, fwd, relay.New(logger), collector, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, rt, collector, logger)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
