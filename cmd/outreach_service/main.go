package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lexreach/golang_services/internal/platform/config"
	"github.com/lexreach/golang_services/internal/platform/logger"
	"github.com/lexreach/golang_services/internal/platform/telemetry"
	"github.com/lexreach/golang_services/internal/wiring"
)

const (
	serviceName     = "outreach-service"
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log); err != nil {
		log.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("Service shutdown complete.")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Warn("Tracing disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	startCtx, cancelStart := context.WithTimeout(ctx, startupTimeout)
	rt, err := wiring.New(startCtx, cfg, log, wiring.Options{ConnectNATS: true})
	cancelStart()
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer rt.Close()

	if err := rt.Subscribe(ctx); err != nil {
		return err
	}

	healthServer := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rt.Scheduler.Run(groupCtx)
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HealthGRPCPort))
		if err != nil {
			return fmt.Errorf("listen for grpc health: %w", err)
		}
		log.Info("gRPC health server listening", "port", cfg.HealthGRPCPort)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.Info("Metrics server listening", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Readiness follows the database.
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			status := healthpb.HealthCheckResponse_SERVING
			if err := rt.Ready(groupCtx); err != nil && groupCtx.Err() == nil {
				log.Warn("Database not ready", "error", err)
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			healthServer.SetServingStatus("", status)
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	g.Go(func() error {
		<-groupCtx.Done()
		log.Info("Initiating graceful shutdown...")
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(sctx)
	})

	log.Info("Outreach service started", "providers", rt.Adapters.Providers())
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
