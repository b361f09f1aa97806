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
	cfg, err := config.Load()
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	logger.Info("starting load balancer",
		"instances", len(cfg.Instances),
		"strategy", cfg.Strategy,
		"rest_listen_port", cfg.RestListenPort,
		"grpc_listen_port", cfg.GRPCListenPort,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		logger.Fatal("failed to initialize telemetry", "error", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	m := metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
	m.SetServiceInfo(cfg.App.Version, cfg.App.Environment)
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartMetricsServer(cfg.Metrics.Port); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

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

	instances := make([]*fleet.Instance, len(cfg.Instances))
	for i, instCfg := range cfg.Instances {
		instances[i] = fleet.NewInstance(instCfg, cfg.ConnectionTimeout, cfg.HealthCheckTimeLimit)
	}
	f := fleet.New(instances)

	strat, err := strategy.New(cfg.Strategy)
	if err != nil {
		logger.Fatal("failed to construct balancing strategy", "error", err)
	}
	selector := strategy.NewSelector(strat)

	scheme := "http"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		scheme = "https"
	}

	probeClient := &http.Client{
		Timeout: cfg.ConnectionTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.Dispatcher.InsecureSkipVerify}, //nolint:gosec // opt-in via Dispatcher.InsecureSkipVerify
		},
	}
	prober := health.New(f, cfg.HealthCheckInterval, probeClient, auditLogger, m, scheme)
	proberCtx, proberCancel := context.WithCancel(ctx)
	go prober.Run(proberCtx)

	disp := dispatcher.New(f, selector, cfg, m, auditLogger, scheme)
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

	logger.Info("load balancer stopped")
}
