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
	"strings"
	"syscall"
	"time"

	"github.com/bcrosbie/agentexchange/internal/cache"
	"github.com/bcrosbie/agentexchange/internal/challenge"
	"github.com/bcrosbie/agentexchange/internal/config"
	"github.com/bcrosbie/agentexchange/internal/events"
	"github.com/bcrosbie/agentexchange/internal/logger"
	"github.com/bcrosbie/agentexchange/internal/service"
	"github.com/bcrosbie/agentexchange/internal/store"
	"github.com/bcrosbie/agentexchange/internal/telemetry"
	grpcx "github.com/bcrosbie/agentexchange/internal/transport/grpc"
	httpx "github.com/bcrosbie/agentexchange/internal/transport/http"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	serviceName         = "agentexchange"
	localCacheBytes     = 32 << 20
	shutdownGracePeriod = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, dataSource, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store setup failed: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("store close warning", "err", err)
		}
	}()
	if err := st.Load(ctx); err != nil {
		return fmt.Errorf("store initialization failed: %w", err)
	}
	if err := st.AddDisposableDomains(ctx, cfg.Abuse.DisposableDomains); err != nil {
		return fmt.Errorf("seed disposable domains: %w", err)
	}

	shutdownMetrics, err := telemetry.Setup(ctx, cfg.Telemetry, serviceName, log)
	if err != nil {
		log.Warn("metrics export disabled", "err", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics setup failed: %w", err)
	}

	bus, err := buildBus(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(metrics),
		service.WithPublisher(bus),
	}
	sharedOpts, closeShared, err := buildShared(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeShared()
	opts = append(opts, sharedOpts...)

	market, err := service.NewMarketService(cfg, st, opts...)
	if err != nil {
		return fmt.Errorf("service setup failed: %w", err)
	}
	defer market.Close()

	if cfg.Reputation.EventDrivenRecalc {
		unsubscribe, err := market.Reputation().Subscribe(ctx, bus)
		if err != nil {
			return fmt.Errorf("subscribe to sealed executions: %w", err)
		}
		defer unsubscribe()
	}

	grpcServer, healthServer := grpcx.NewServer(market, st, cfg, log)
	// HTTP callers get their own buckets.
	limiter := grpcx.NewTokenBucketRateLimiter(grpcx.LimiterConfigFrom(cfg.Rate))
	var httpServer *http.Server
	if strings.TrimSpace(cfg.Server.HTTPAddr) != "" {
		httpServer = httpx.NewServer(cfg.Server.HTTPAddr, httpx.NewHandler(market, httpx.Options{
			AdminToken:     cfg.Server.AdminToken,
			ClientIPHeader: cfg.Server.ClientIPHeader,
			Limiter:        limiter,
			Logger:         log,
		}))
	}

	listener, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
	}

	log.Info("store ready", "driver", cfg.Store.Driver, "source", dataSource)
	if cfg.Server.AdminToken == "" {
		log.Warn("admin token is not configured; admin methods are disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("grpc server listening", "addr", cfg.Server.GRPCAddr)
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve failed: %w", err)
		}
		return nil
	})
	if httpServer != nil {
		g.Go(func() error {
			log.Info("http server listening", "addr", cfg.Server.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http serve failed: %w", err)
			}
			return nil
		})
	}
	if cfg.Reputation.RecalcInterval > 0 {
		g.Go(func() error {
			return market.Reputation().Run(gctx, cfg.Reputation.RecalcInterval)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received; draining servers")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		shutdown(log, grpcServer, httpServer)
		return nil
	})
	return g.Wait()
}

func shutdown(log *slog.Logger, server *grpc.Server, httpServer *http.Server) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("grpc server stopped gracefully")
	case <-time.After(shutdownGracePeriod):
		log.Warn("graceful timeout reached; forcing stop")
		server.Stop()
	}
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown warning", "err", err)
		}
	}
}

func buildStore(ctx context.Context, cfg config.Config) (store.Store, string, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "postgres":
		if err := store.RunMigrations(ctx, cfg.Store.DatabaseURL); err != nil {
			return nil, "", err
		}
		pgStore, err := store.NewPostgresStore(cfg.Store)
		if err != nil {
			return nil, "", err
		}
		return pgStore, "postgres", nil
	case "", "file":
		return store.NewFileStore(cfg.Store.DataFile), cfg.Store.DataFile, nil
	default:
		return nil, "", fmt.Errorf("unsupported store driver %q; expected file|postgres", cfg.Store.Driver)
	}
}

// buildBus connects to NATS when configured; otherwise sealed executions are
// delivered in process.
func buildBus(ctx context.Context, cfg config.Config, log *slog.Logger) (events.Bus, error) {
	if strings.TrimSpace(cfg.NATS.URL) == "" {
		return events.NewMemoryBus(log), nil
	}
	bus, err := events.ConnectNATS(ctx, cfg.NATS.URL, log)
	if err != nil {
		return nil, fmt.Errorf("event bus setup failed: %w", err)
	}
	return bus, nil
}

// buildShared picks the discovery cache and challenge store. Redis is used
// when configured so several instances agree on both.
func buildShared(ctx context.Context, cfg config.Config, log *slog.Logger) ([]service.Option, func(), error) {
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		local, err := cache.NewLocal(localCacheBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("local cache setup failed: %w", err)
		}
		return []service.Option{service.WithCache(local)}, local.Close, nil
	}

	client, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("redis setup failed: %w", err)
	}
	log.Info("redis connected", "addr", cfg.Redis.Addr)
	opts := []service.Option{service.WithCache(cache.NewRedis(client, serviceName+":cache:"))}
	if cfg.Challenge.Backend == "redis" {
		opts = append(opts, service.WithChallengeStore(challenge.NewRedisStore(client, serviceName+":challenge:")))
	}
	return opts, func() { closeRedis(log, client) }, nil
}

func closeRedis(log *slog.Logger, client *redis.Client) {
	if err := client.Close(); err != nil {
		log.Warn("redis close warning", "err", err)
	}
}
