package grpcx

import (
	"log/slog"

	"github.com/bcrosbie/agentexchange/internal/config"
	"github.com/bcrosbie/agentexchange/internal/rpccontract"
	"github.com/bcrosbie/agentexchange/internal/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Backend is what the interceptors need from the store.
type Backend interface {
	KeyAuthenticator
	IdempotencyStore
}

func LimiterConfigFrom(cfg config.Rate) TokenBucketRateLimiterConfig {
	return TokenBucketRateLimiterConfig{
		AuthenticatedPerSecond:   cfg.AuthenticatedRequestsPerSecond,
		AuthenticatedBurst:       cfg.AuthenticatedBurst,
		UnauthenticatedPerSecond: cfg.RequestsPerSecond,
		UnauthenticatedBurst:     cfg.Burst,
		BucketTTL:                cfg.MaxIdleTime,
	}
}

// NewServer builds the marketplace gRPC server with the interceptor chain,
// the standard health service and, when enabled, reflection.
func NewServer(market *service.MarketService, backend Backend, cfg config.Config, log *slog.Logger) (*grpc.Server, *health.Server) {
	limiter := NewTokenBucketRateLimiter(LimiterConfigFrom(cfg.Rate))
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoveryUnaryInterceptor(log),
		LoggingUnaryInterceptor(log),
		ErrorUnaryInterceptor(),
		AuthUnaryInterceptor(cfg.Server.AdminToken, backend),
		RateLimitUnaryInterceptor(limiter),
		IdempotencyUnaryInterceptor(backend),
	))
	RegisterMarketServer(server, NewMarketHandler(market, cfg.Server.ClientIPHeader))

	healthServer := health.NewServer()
	healthServer.SetServingStatus(rpccontract.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	if cfg.Server.EnableReflection {
		reflection.Register(server)
	}
	return server, healthServer
}
