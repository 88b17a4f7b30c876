package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	x402 "github.com/vitwit/x402-gate"
	"github.com/vitwit/x402-gate/config"
	"github.com/vitwit/x402-gate/logger"
	"github.com/vitwit/x402-gate/metrics"
	"github.com/vitwit/x402-gate/server"
	"github.com/vitwit/x402-gate/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	zl := logger.NewZapLogger(cfg.LogLevel, "x402-gate")
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []x402.Option{x402.WithLogger(zl)}
	serverOpts := []server.Option{server.WithLogger(zl)}
	if cfg.EnableMetrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, x402.WithMetrics(metrics.NewPrometheusRecorder(reg)))
		serverOpts = append(serverOpts, server.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	if err := run(ctx, cfg, opts, serverOpts); err != nil {
		zl.Error("x402-gate stopped", map[string]any{"error": err})
		zl.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *types.X402Config, opts []x402.Option, serverOpts []server.Option) error {
	app, err := x402.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer app.Close()

	return server.New(app, serverOpts...).Run(ctx, cfg.ListenAddr)
}
