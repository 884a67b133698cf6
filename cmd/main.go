// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/absmach/l7proxy"
	"github.com/absmach/l7proxy/examples/simple"
	"github.com/absmach/l7proxy/pkg/certs"
	"github.com/absmach/l7proxy/pkg/control"
	"github.com/absmach/l7proxy/pkg/engine"
	"github.com/absmach/l7proxy/pkg/health"
	"github.com/absmach/l7proxy/pkg/metrics"
	"github.com/absmach/l7proxy/pkg/server/tcp"
	"github.com/absmach/l7proxy/pkg/service"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "L7PROXY_"

func main() {
	// Load .env file
	envErr := godotenv.Load()

	cfg, err := l7proxy.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	if err := run(ctx, cancel, g, cfg, logger); err != nil {
		logger.Error("l7proxy failed to start", slog.String("error", err.Error()))
		cancel()
		os.Exit(1)
	}

	// Signal handler
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("l7proxy service terminated with error: %s", err))
	} else {
		logger.Info("l7proxy service stopped")
	}
}

// run wires the listener and the admin server into g. cancel ends the process
// once the listener stops, including after a control EXIT task.
func run(ctx context.Context, cancel context.CancelFunc, g *errgroup.Group, cfg l7proxy.Config, logger *slog.Logger) error {
	services, err := service.Load(cfg.ServicesFile, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("l7proxy", reg)

	engCfg := engine.Config{
		Name:          cfg.Name,
		ClientTimeout: cfg.ClientTimeout,
		MaxHeaderSize: cfg.MaxHeaderSize,
		MethodLevel:   cfg.MethodLevel,
		AddHeader:     cfg.AddHeader,
		Pages:         engine.Pages{Err414: cfg.Err414, Err500: cfg.Err500, Err501: cfg.Err501, Err503: cfg.Err503, ErrNoSSL: cfg.ErrNoSSL},
		NoSSLURL:      cfg.NoSSLURL,
		NoSSLCode:     cfg.NoSSLCode,
		ZeroCopy:      cfg.ZeroCopy,
		Services:      services,
		Handler:       simple.New(logger),
		Metrics:       m,
		Logger:        logger,
	}
	if engCfg.RemoveHeaders, err = cfg.RemovePatterns(); err != nil {
		return err
	}
	if cfg.HTTPS() {
		store, err := certs.NewStore([]certs.Pair{{CertFile: cfg.CertFile, KeyFile: cfg.KeyFile}}, logger)
		if err != nil {
			return err
		}
		minVersion, err := cfg.MinVersion()
		if err != nil {
			return err
		}
		engCfg.TLSConfig = store.TLSConfig(minVersion)
		g.Go(func() error {
			return store.Watch(ctx)
		})
	}

	workers := cfg.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	registry := control.NewRegistry(logger)
	services.RegisterControl(registry)
	engines := make([]tcp.Engine, 0, workers)
	for i := 0; i < workers; i++ {
		c := engCfg
		c.ID = i
		e, err := engine.New(c)
		if err != nil {
			return err
		}
		e.RegisterControl(registry)
		engines = append(engines, e)
	}

	srv := tcp.New(tcp.Config{
		Address:             cfg.Address(),
		MaintenanceInterval: cfg.MaintenanceInterval,
		ShutdownTimeout:     cfg.ShutdownTimeout,
		Logger:              logger,
	}, engines, services.DoMaintenance, func() {
		m.ObserveBackends(services.Backends())
	})
	srv.RegisterControl(registry)

	checker := health.NewChecker(5 * time.Second)
	for _, svc := range services.Services {
		checker.Register("service:"+svc.Name, health.Available(svc.Name, svc))
	}
	checker.Register("listener", func(context.Context) error {
		select {
		case <-srv.Ready():
			if srv.Running() == 0 {
				return errors.New("no running stream engines")
			}
			return nil
		default:
			return errors.New("listener is not bound")
		}
	})

	g.Go(func() error {
		logger.Info("Starting listener",
			slog.String("name", cfg.Name),
			slog.String("address", cfg.Address()),
			slog.Bool("https", cfg.HTTPS()),
			slog.Int("workers", workers))
		defer cancel()
		return srv.Listen(ctx)
	})
	g.Go(func() error {
		return startAdminServer(ctx, cfg.AdminPort, reg, checker, registry, logger)
	})
	return nil
}

// startAdminServer serves metrics, health checks and control tasks until ctx
// is done.
func startAdminServer(ctx context.Context, port int, reg *prometheus.Registry, checker *health.Checker, registry *control.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	mux.HandleFunc("/control", registry.HTTPHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting admin server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
