// cmd/sidecar is the degenerate one-upstream case of the balancer: it reuses
// every package unchanged, wiring a single-instance fleet and mandating TLS
// (the original side-car refuses to start without certificates present).
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"balancer/pkg/audit"
	"balancer/pkg/config"
	"balancer/pkg/dispatcher"
	"balancer/pkg/fleet"
	"balancer/pkg/frontend"
	"balancer/pkg/health"
	"balancer/pkg/logger"
	"balancer/pkg/metrics"
	"balancer/pkg/strategy"
	"balancer/pkg/telemetry"
)

func main() {
	cfg, err := config.NewLoader(config.WithEnvPrefix("SIDECAR_")).Load()
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})

	if len(cfg.Instances) != 1 {
		logger.Fatal("sidecar requires exactly one upstream instance", "configured", len(cfg.Instances))
	}
	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		logger.Fatal("sidecar requires TLS certificates; tls.cert_file and tls.key_file are mandatory")
	}

	logger.Info("starting sidecar",
		"upstream", cfg.Instances[0].RestAddress(),
		"rest_listen_port", cfg.RestListenPort,
		"grpc_listen_port", cfg.GRPCListenPort,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: "sidecar",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		logger.Fatal("failed to initialize telemetry", "error", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	m := metrics.InitMetrics("sidecar", "")
	m.SetServiceInfo(cfg.App.Version, cfg.App.Environment)

	auditLogger, err := audit.New(&audit.Config{
		Enabled:     cfg.Audit.Enabled,
		Backend:     cfg.Audit.Backend,
		FilePath:    cfg.Audit.FilePath,
		BufferSize:  cfg.Audit.BufferSize,
		FlushPeriod: cfg.Audit.FlushPeriod,
	})
	if err != nil {
		logger.Fatal("failed to initialize audit logger", "error", err)
	}
	defer auditLogger.Close() //nolint:errcheck // best-effort on shutdown

	inst := fleet.NewInstance(cfg.Instances[0], cfg.ConnectionTimeout, cfg.HealthCheckTimeLimit)
	f := fleet.New([]*fleet.Instance{inst})

	// A single-instance fleet makes the choice of strategy immaterial; any
	// of the three always selects index 0.
	strat, err := strategy.New(cfg.Strategy)
	if err != nil {
		logger.Fatal("failed to construct balancing strategy", "error", err)
	}
	selector := strategy.NewSelector(strat)

	probeClient := &http.Client{
		Timeout: cfg.ConnectionTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.Dispatcher.InsecureSkipVerify}, //nolint:gosec // opt-in via Dispatcher.InsecureSkipVerify
		},
	}
	prober := health.New(f, cfg.HealthCheckInterval, probeClient, auditLogger, m, "https")
	proberCtx, proberCancel := context.WithCancel(ctx)
	go prober.Run(proberCtx)

	disp := dispatcher.New(f, selector, cfg, m, auditLogger, "https")
	fe := frontend.New(cfg, f, disp)
	feErrCh := fe.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-feErrCh:
		if err != nil {
			logger.Error("frontend listener failed", "error", err)
		}
	}

	proberCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := fe.Shutdown(shutdownCtx); err != nil {
		logger.Error("frontend shutdown error", "error", err)
	}

	logger.Info("sidecar stopped")
}
