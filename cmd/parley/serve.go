package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	s2smock "github.com/MrWong99/parley/pkg/provider/s2s/mock"
	"github.com/MrWong99/parley/pkg/provider/s2s/openai"
)

func newServeCmd() *cobra.Command {
	var (
		listen  string
		origins []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the websocket relay. Every client connection gets its own upstream
speech session, opened on start_recording and closed on stop_recording or
disconnect. Health probes live at /healthz and /readyz, Prometheus metrics
at telemetry.metrics_path.

The config file is watched: log level and provider instructions apply
live, everything else on restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddr = listen
			}
			return runServe(cmd.Context(), cfg, path, origins)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides server.listen_addr)")
	cmd.Flags().StringSliceVar(&origins, "origin", nil, "allowed cross-origin host patterns for browser clients")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, path string, origins []string) error {
	setupLogger(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.Setup(observe.Options{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	provider, err := newRegistry().CreateS2S(cfg.Provider)
	if err != nil {
		return err
	}

	srv, err := app.NewServer(cfg, provider,
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithMetricsHandler(tel.MetricsHandler()),
		app.WithOriginPatterns(origins...),
	)
	if err != nil {
		return err
	}

	stopWatch, err := watchConfig(path, func(d config.ConfigDiff, next *config.Config) {
		srv.ApplyConfig(d, next)
	})
	if err != nil {
		return err
	}
	defer stopWatch()

	printStartupSummary(cfg)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("goodbye")
	return nil
}

// newRegistry returns a registry with every built-in provider.
func newRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterS2S("openai-realtime", func(e config.ProviderEntry) (s2s.Provider, error) {
		if e.APIKey == "" {
			return nil, fmt.Errorf("missing API key: set provider.api_key or %s", config.APIKeyEnv)
		}
		opts := []openai.Option{
			openai.WithModel(e.Model),
			openai.WithConnectTimeout(e.ConnectTimeout),
		}
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, opts...), nil
	})
	reg.RegisterS2S("mock", func(config.ProviderEntry) (s2s.Provider, error) {
		return &s2smock.Provider{Echo: true}, nil
	})
	return reg
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       parley relay: startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Provider", cfg.Provider.Name)
	if cfg.Provider.Model != "" && cfg.Provider.Name != "mock" {
		printField("Model", cfg.Provider.Model)
	}
	printField("Input rate", fmt.Sprintf("%d Hz", cfg.Provider.InputSampleRate))
	if cfg.Provider.Voice != "" {
		printField("Voice", cfg.Provider.Voice)
	}
	printField("Listen addr", cfg.Server.ListenAddr+app.RelayPath)
	if p := cfg.Telemetry.MetricsPath; p != "" && p != "-" {
		printField("Metrics", p)
	} else {
		printField("Metrics", "(disabled)")
	}
	if cfg.Server.TLS != nil {
		printField("TLS", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}
