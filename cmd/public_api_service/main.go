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

	"golang.org/x/sync/errgroup"

	"github.com/lexreach/golang_services/internal/platform/config"
	"github.com/lexreach/golang_services/internal/platform/logger"
	"github.com/lexreach/golang_services/internal/platform/telemetry"
	"github.com/lexreach/golang_services/internal/public_api_service/middleware"
	httptransport "github.com/lexreach/golang_services/internal/public_api_service/transport/http"
	"github.com/lexreach/golang_services/internal/wiring"
)

const (
	serviceName     = "public-api-service"
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log); err != nil {
		log.Error("Public API service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Warn("Tracing disabled", "error", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// NATS is needed when operator reports go to NATS; the API publishes none itself.
	rt, err := wiring.New(ctx, cfg, log, wiring.Options{ConnectNATS: cfg.ReportSink == "nats"})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer rt.Close()

	if cfg.WebhookSecret == "" {
		log.Warn("WEBHOOK_SECRET is empty; reply webhooks will be rejected")
	}

	limiter := middleware.NewIPRateLimiter(cfg.APIRateLimitRPS, cfg.APIRateLimitBurst)
	router := httptransport.NewRouter(httptransport.RouterDeps{
		Cases:         rt.Correlator,
		Credentials:   rt.Vault,
		Replies:       rt.Replies,
		JWTSecret:     []byte(cfg.JWTAccessSecret),
		WebhookSecret: cfg.WebhookSecret,
		Limiter:       limiter,
		Ready:         rt.Ready,
		Logger:        log,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.PublicAPIServicePort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Public API server listening", "port", cfg.PublicAPIServicePort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if n := limiter.Cleanup(); n > 0 {
					log.Debug("Rate limiter buckets evicted", "count", n)
				}
			}
		}
	})
	g.Go(func() error {
		<-groupCtx.Done()
		log.Info("Shutdown signal received, shutting down HTTP server...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Public API service stopped")
	return nil
}
