// Package app wires parley's subsystems into its two runnable roles.
//
// [Server] is the relay side: one HTTP listener carrying the websocket relay,
// the health probes and the Prometheus scrape endpoint. [Talker] is the
// client side: microphone, speaker, transport and conversation session.
//
// Both own the lifetime of what they build. For tests, inject doubles via
// the functional options; when an option is not given the real
// implementation is created from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/relay"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// RelayPath is where the websocket relay is mounted.
const RelayPath = "/ws"

// shutdownTimeout bounds the graceful stop triggered by context cancellation.
const shutdownTimeout = 15 * time.Second

// readHeaderTimeout guards the listener against slow header writes.
const readHeaderTimeout = 10 * time.Second

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithMetrics sets the instruments shared by the relay and the HTTP
// middleware. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler replaces the handler mounted at telemetry.metrics_path.
// Default: the Prometheus default-registry handler. The serve command mounts
// [observe.Telemetry.MetricsHandler] instead.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metricsHandler = h }
}

// WithOriginPatterns allows cross-origin websocket handshakes from the given
// host patterns.
func WithOriginPatterns(patterns ...string) ServerOption {
	return func(s *Server) { s.originPatterns = patterns }
}

// Server runs the relay listener.
type Server struct {
	cfg            *config.Config
	metrics        *observe.Metrics
	metricsHandler http.Handler
	originPatterns []string

	relay   *relay.Server
	breaker *resilience.Breaker
	health  *health.Handler
	handler http.Handler
	srv     *http.Server

	// closers run in order during Shutdown, after the listener stopped.
	closers []func() error

	stopOnce sync.Once
}

// NewServer builds the relay for provider from cfg. Nothing listens until
// [Server.Run] or [Server.Serve] is called.
func NewServer(cfg *config.Config, provider s2s.Provider, opts ...ServerOption) (*Server, error) {
	if provider == nil {
		return nil, errors.New("app: new server: provider is nil")
	}
	s := &Server{cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}

	s.breaker = resilience.New(resilience.Config{
		Name:         cfg.Provider.Name,
		MaxFailures:  cfg.Provider.Breaker.MaxFailures,
		ResetTimeout: cfg.Provider.Breaker.ResetTimeout,
	})

	relayOpts := []relay.Option{
		relay.WithMetrics(s.metrics),
		relay.WithBreaker(s.breaker),
		relay.WithInputSampleRate(cfg.Provider.InputSampleRate),
		relay.WithInstructions(cfg.Provider.Instructions),
		relay.WithVoice(cfg.Provider.Voice),
	}
	if len(s.originPatterns) > 0 {
		relayOpts = append(relayOpts, relay.WithOriginPatterns(s.originPatterns...))
	}
	s.relay = relay.New(provider, relayOpts...)
	s.closers = append(s.closers, func() error {
		s.relay.Close()
		return nil
	})

	s.health = health.New(
		health.Checker{
			Name: "provider",
			Check: func(context.Context) error {
				if cfg.Provider.Name == "" {
					return errors.New("no provider configured")
				}
				return nil
			},
		},
		health.Checker{
			Name: "upstream",
			Check: func(context.Context) error {
				if st := s.breaker.State(); st == resilience.Open {
					return fmt.Errorf("circuit %s", st)
				}
				return nil
			},
		},
	)

	mux := http.NewServeMux()
	mux.Handle(RelayPath, s.relay)
	s.health.Register(mux)
	if p := cfg.Telemetry.MetricsPath; p != "" && p != "-" {
		mux.Handle("GET "+p, s.metricsHandler)
	}
	s.handler = observe.Middleware(s.metrics)(mux)

	s.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

// Handler returns the instrumented mux. Useful with httptest.
func (s *Server) Handler() http.Handler { return s.handler }

// Relay returns the websocket relay.
func (s *Server) Relay() *relay.Server { return s.relay }

// Run listens on server.listen_addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully
// within [shutdownTimeout].
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("relay listening",
		"addr", ln.Addr().String(),
		"path", RelayPath,
		"tls", s.cfg.Server.TLS != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := s.cfg.Server.TLS; tls != nil {
			err = s.srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = s.srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ApplyConfig hot-applies the relay-side settings of a config reload.
func (s *Server) ApplyConfig(d config.ConfigDiff, next *config.Config) {
	if d.InstructionsChanged {
		s.relay.SetInstructions(next.Provider.Instructions)
		slog.Info("relay instructions updated", "length", len(next.Provider.Instructions))
	}
}

// Shutdown marks the server not ready, stops the listener and runs the
// closers, which disconnect the relay clients. It respects the ctx deadline: closers not
// reached before it expires are skipped and the context error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.stopOnce.Do(func() {
		slog.Info("shutting down", "active_clients", s.relay.Active())
		s.health.Drain()

		if err := s.srv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}
		for i, closer := range s.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(s.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
