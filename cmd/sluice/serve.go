package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aretw0/sluice"
	"github.com/aretw0/sluice/internal/config"
	sluicehttp "github.com/aretw0/sluice/pkg/adapters/http"
	"github.com/aretw0/sluice/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// defaultSession is the checkpoint id of the shared engine when sessions are off.
const defaultSession = "default"

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Starts the pipeline engine and exposes it over HTTP: state reads, triggers,
stage introspection and an SSE change stream. Prometheus metrics are served
on a separate listener.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.HTTPAddr = addr
		}
		if addr, _ := cmd.Flags().GetString("metrics-addr"); cmd.Flags().Changed("metrics-addr") {
			cfg.MetricsAddr = addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "HTTP listen address (overrides http_addr)")
	serveCmd.Flags().String("metrics-addr", "", "Metrics listen address; empty disables metrics")
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hooks := observability.NewMetrics(reg).Hooks()

	opts := []sluicehttp.Option{
		sluicehttp.WithLogger(logger.With("component", "http")),
		sluicehttp.WithVersion(sluice.Version),
	}

	var (
		handler  http.Handler
		shutdown func(context.Context) error
	)
	switch {
	case cfg.Sessions.Enabled:
		mgr, err := a.newManager(hooks)
		if err != nil {
			return err
		}
		resolve := func(ctx context.Context, id string) (sluicehttp.Engine, error) {
			eng, err := mgr.Open(ctx, id)
			if err != nil {
				return nil, err
			}
			return eng, nil
		}
		opts = append(opts, sluicehttp.WithSessionHeader(cfg.Sessions.Header))
		handler = sluicehttp.NewSessionHandler(resolve, opts...)
		shutdown = mgr.Shutdown
	case cfg.Store == "memory" && cfg.Checkpoints.Backend != "none":
		// The shared engine is a single session so its state survives restarts.
		mgr, err := a.newManager(hooks)
		if err != nil {
			return err
		}
		eng, err := mgr.Open(ctx, defaultSession)
		if err != nil {
			return err
		}
		handler = sluicehttp.NewHandler(eng, opts...)
		shutdown = mgr.Shutdown
	default:
		eng, err := a.newEngine(hooks)
		if err != nil {
			return err
		}
		handler = sluicehttp.NewHandler(eng, opts...)
		shutdown = eng.Close
	}

	g, gctx := errgroup.WithContext(ctx)
	servers := []*http.Server{{Addr: cfg.HTTPAddr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logger.Info("Listening", "addr", srv.Addr, "pipeline", a.pipeline.Name)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(sctx); err != nil {
				errs = append(errs, err, srv.Close())
			}
		}
		errs = append(errs, shutdown(sctx))
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Stopped gracefully")
	return nil
}
