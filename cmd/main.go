// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command asynchttp runs the echo example over the driver layer: one
// plain listener and one TLS listener, each configured through the
// environment, plus metrics and health endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	asynchttp "github.com/anuragsoni/async-http"
	"github.com/anuragsoni/async-http/examples/echo"
	"github.com/anuragsoni/async-http/pkg/health"
	"github.com/anuragsoni/async-http/pkg/metrics"
	"github.com/anuragsoni/async-http/pkg/server"
)

const (
	plainPrefix = "ASYNC_HTTP_PLAIN_"
	tlsPrefix   = "ASYNC_HTTP_TLS_"
)

// opsConfig holds the observability configuration shared by every
// listener in this process.
type opsConfig struct {
	MetricsPort   int    `env:"METRICS_PORT"   envDefault:"9090"`
	HealthPort    int    `env:"HEALTH_PORT"    envDefault:"8080"`
	LogLevel      string `env:"LOG_LEVEL"      envDefault:"info"`
	LogFormat     string `env:"LOG_FORMAT"     envDefault:"json"`
	MaxGoroutines int    `env:"MAX_GOROUTINES" envDefault:"50000"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}

	ops := opsConfig{}
	if err := env.ParseWithOptions(&ops, env.Options{Prefix: "ASYNC_HTTP_"}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(ops.LogLevel, ops.LogFormat)
	m := metrics.New("asynchttp")

	checker := health.NewChecker(10 * time.Second)
	checker.Register("goroutines", func(ctx context.Context) error {
		count := runtime.NumGoroutine()
		if count > ops.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, ops.MaxGoroutines)
		}
		m.GoroutinesActive.WithLabelValues("all").Set(float64(count))
		return nil
	})
	checker.Register("memory", func(ctx context.Context) error {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		m.MemoryAllocated.WithLabelValues("heap").Set(float64(stats.HeapAlloc))
		m.MemoryAllocated.WithLabelValues("sys").Set(float64(stats.Sys))
		return nil
	})

	go startMetricsServer(ops.MetricsPort, logger)
	go startHealthServer(ops.HealthPort, checker, logger)

	handler := echo.Handler(logger)

	started := 0
	if err := startListener(g, ctx, plainPrefix, handler, m, logger); err != nil {
		logger.Warn("plain listener not started", slog.String("error", err.Error()))
	} else {
		started++
	}
	if err := startListener(g, ctx, tlsPrefix, handler, m, logger); err != nil {
		logger.Warn("TLS listener not started", slog.String("error", err.Error()))
	} else {
		started++
	}
	if started == 0 {
		logger.Error("no listener configured")
		os.Exit(1)
	}

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("service terminated with error: %s", err))
	} else {
		logger.Info("service stopped")
	}
}

func startListener(g *errgroup.Group, ctx context.Context, envPrefix string, h server.Handler, m *metrics.Metrics, logger *slog.Logger) error {
	cfg, err := asynchttp.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		return err
	}
	if cfg.Port == "" {
		return fmt.Errorf("port not configured")
	}

	srv := server.New(server.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		CertFile:          cfg.CertFile,
		KeyFile:           cfg.KeyFile,
		MaxConnections:    cfg.MaxConnections,
		RateLimitCapacity: cfg.RateLimitCapacity,
		RateLimitRefill:   cfg.RateLimitRefill,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		Logger:            logger,
		Metrics:           m,
	}, h)

	g.Go(func() error {
		return srv.Listen(ctx)
	})

	logger.Info("listener started",
		slog.String("prefix", envPrefix),
		slog.String("port", cfg.Port),
		slog.Bool("tls", srv.Secure()))
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

// startMetricsServer starts the Prometheus metrics HTTP server.
func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer starts the health check HTTP server.
func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server error", slog.String("error", err.Error()))
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
