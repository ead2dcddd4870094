package grpcx

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/bcrosbie/agentexchange/internal/logger"
	"github.com/bcrosbie/agentexchange/internal/rpccontract"
	"github.com/bcrosbie/agentexchange/internal/store"
	"golang.org/x/time/rate"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	apiKeyHeader     = "x-agx-key"
	adminKeyID       = "admin_token"
	idempotencyField = "idempotency_key"
	errorDomain      = "agentexchange"
)

type principalKey struct{}

func withPrincipal(ctx context.Context, principal store.AgentPrincipal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

func principalFromContext(ctx context.Context) (store.AgentPrincipal, bool) {
	principal, ok := ctx.Value(principalKey{}).(store.AgentPrincipal)
	return principal, ok
}

// KeyAuthenticator resolves raw agent API keys.
type KeyAuthenticator interface {
	AuthenticateAgentKey(ctx context.Context, rawKey string) (store.AgentPrincipal, bool, error)
}

// IdempotencyStore is the slice of the store used to deduplicate retries.
type IdempotencyStore interface {
	ReserveIdempotencyKey(ctx context.Context, scope, idempotencyKey, requestHash string) (store.IdempotencyRecord, bool, error)
	CompleteIdempotencyKey(ctx context.Context, scope, idempotencyKey, responseJSON string) error
	ReleaseIdempotencyKey(ctx context.Context, scope, idempotencyKey string) error
}

func RecoveryUnaryInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	log = logger.OrDefault(log)
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (response any, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				log.Error("panic recovered", "method", info.FullMethod, "panic", recovered, "stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// AuthUnaryInterceptor attaches the caller's principal. Public methods accept
// anonymous calls, admin methods need adminToken and everything else needs an
// agent API key. An empty adminToken disables admin methods.
func AuthUnaryInterceptor(adminToken string, keyAuth KeyAuthenticator) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		credential := extractToken(ctx)

		if _, admin := rpccontract.AdminMethods[info.FullMethod]; admin {
			if adminToken == "" {
				return nil, status.Error(codes.PermissionDenied, "admin methods are disabled")
			}
			if subtle.ConstantTimeCompare([]byte(credential), []byte(adminToken)) != 1 {
				return nil, status.Error(codes.Unauthenticated, "invalid admin token")
			}
			return handler(withPrincipal(ctx, store.AgentPrincipal{KeyID: adminKeyID}), req)
		}

		_, public := rpccontract.PublicMethods[info.FullMethod]
		if credential == "" || keyAuth == nil {
			if public {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "agent api key is required")
		}
		principal, ok, err := keyAuth.AuthenticateAgentKey(ctx, credential)
		if err != nil {
			return nil, err
		}
		if !ok {
			if public {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "invalid agent api key")
		}
		return handler(withPrincipal(ctx, principal), req)
	}
}

func LoggingUnaryInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	log = logger.OrDefault(log)
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		started := time.Now()
		response, err := handler(ctx, req)
		code := status.Code(err)
		level := slog.LevelInfo
		if code == codes.Internal || code == codes.Unknown {
			level = slog.LevelError
		}
		log.Log(ctx, level, "grpc request", "method", info.FullMethod, "duration", time.Since(started), "code", code.String())
		return response, err
	}
}

func ErrorUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		response, err := handler(ctx, req)
		if err == nil {
			return response, nil
		}

		if _, ok := status.FromError(err); ok {
			return nil, err
		}

		return nil, mapError(ctx, err)
	}
}

func grpcCode(code domain.ErrorCode, reason string) codes.Code {
	switch code {
	case domain.CodeInvalidArgument:
		return codes.InvalidArgument
	case domain.CodeNotFound:
		return codes.NotFound
	case domain.CodeConflict:
		return codes.AlreadyExists
	case domain.CodeUnauthenticated:
		return codes.Unauthenticated
	case domain.CodePermissionDenied:
		return codes.PermissionDenied
	case domain.CodeFailedPrecondition, domain.CodeInvalidTransition:
		return codes.FailedPrecondition
	case domain.CodeResourceExhausted, domain.CodeQuotaExhausted, domain.CodeRateLimited:
		return codes.ResourceExhausted
	case domain.CodeAbuseRejected:
		if reason == domain.ReasonIPLimitExceeded {
			return codes.ResourceExhausted
		}
		if reason == domain.ReasonDuplicateName {
			return codes.AlreadyExists
		}
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}

// mapError turns an AppError into a status carrying an ErrorInfo with the
// code, reason and details. Rate-limited errors also set a retry-after trailer.
func mapError(ctx context.Context, err error) error {
	var appError *domain.AppError
	if !errors.As(err, &appError) {
		return status.Error(codes.Internal, "internal server error")
	}
	code := grpcCode(appError.Code, appError.Reason)
	if code == codes.Internal {
		return status.Error(codes.Internal, "internal server error")
	}

	if appError.Code == domain.CodeRateLimited {
		if seconds, ok := appError.Details["reset_in_seconds"].(int64); ok {
			_ = grpc.SetTrailer(ctx, metadata.Pairs("retry-after", strconv.FormatInt(seconds, 10)))
		}
	}

	info := &errdetails.ErrorInfo{
		Reason:   string(appError.Code),
		Domain:   errorDomain,
		Metadata: map[string]string{},
	}
	if appError.Reason != "" {
		info.Metadata["reason"] = appError.Reason
	}
	for key, value := range appError.Details {
		switch v := value.(type) {
		case string:
			info.Metadata[key] = v
		case int64:
			info.Metadata[key] = strconv.FormatInt(v, 10)
		case bool:
			info.Metadata[key] = strconv.FormatBool(v)
		default:
			encoded, _ := json.Marshal(v)
			info.Metadata[key] = string(encoded)
		}
	}
	st, detailErr := status.New(code, appError.Message).WithDetails(info)
	if detailErr != nil {
		return status.Error(code, appError.Message)
	}
	return st.Err()
}

type TokenBucketRateLimiterConfig struct {
	AuthenticatedPerSecond   float64
	AuthenticatedBurst       int
	UnauthenticatedPerSecond float64
	UnauthenticatedBurst     int
	// BucketTTL drops buckets idle for longer than this.
	BucketTTL time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TokenBucketRateLimiter keeps one limiter per API key or remote address.
type TokenBucketRateLimiter struct {
	cfg       TokenBucketRateLimiterConfig
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

func NewTokenBucketRateLimiter(cfg TokenBucketRateLimiterConfig) *TokenBucketRateLimiter {
	if cfg.BucketTTL <= 0 {
		cfg.BucketTTL = 10 * time.Minute
	}
	return &TokenBucketRateLimiter{
		cfg:     cfg,
		buckets: map[string]*bucket{},
		now:     time.Now,
	}
}

func (l *TokenBucketRateLimiter) Allow(key string, authenticated bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > l.cfg.BucketTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.cfg.BucketTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		perSecond, burst := l.cfg.UnauthenticatedPerSecond, l.cfg.UnauthenticatedBurst
		if authenticated {
			perSecond, burst = l.cfg.AuthenticatedPerSecond, l.cfg.AuthenticatedBurst
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func RateLimitUnaryInterceptor(limiter *TokenBucketRateLimiter) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if limiter == nil {
			return handler(ctx, req)
		}
		key, authenticated := "ip:"+remoteIP(ctx), false
		if principal, ok := principalFromContext(ctx); ok && principal.KeyID != "" {
			key, authenticated = "key:"+principal.KeyID, true
		}
		if !limiter.Allow(key, authenticated) {
			return nil, status.Error(codes.ResourceExhausted, "request rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

// IdempotencyUnaryInterceptor replays the stored response when a request to
// an idempotent method carrying an idempotency_key is retried. The same key with a different
// payload is a conflict. A failed call releases the key so it can be retried.
func IdempotencyUnaryInterceptor(idStore IdempotencyStore) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if _, idempotent := rpccontract.IdempotentMethods[info.FullMethod]; !idempotent || idStore == nil {
			return handler(ctx, req)
		}
		request, ok := req.(*structpb.Struct)
		if !ok {
			return handler(ctx, req)
		}
		idempotencyKey := strings.TrimSpace(request.GetFields()[idempotencyField].GetStringValue())
		if idempotencyKey == "" {
			return handler(ctx, req)
		}

		scope := info.FullMethod
		if principal, ok := principalFromContext(ctx); ok && principal.AgentID != "" {
			scope += ":" + principal.AgentID
		}
		requestHash, err := hashRequest(request)
		if err != nil {
			return nil, err
		}

		record, reserved, err := idStore.ReserveIdempotencyKey(ctx, scope, idempotencyKey, requestHash)
		if err != nil {
			return nil, err
		}
		if !reserved {
			if record.RequestHash != requestHash {
				return nil, domain.Conflict("idempotency key was already used with a different request")
			}
			if !record.Completed {
				return nil, domain.Conflict("a request with this idempotency key is still in progress")
			}
			replay := &structpb.Struct{}
			if err := replay.UnmarshalJSON([]byte(record.ResponseJSON)); err != nil {
				return nil, domain.Internal("failed to decode stored response", err)
			}
			return replay, nil
		}

		response, err := handler(ctx, req)
		if err != nil {
			if releaseErr := idStore.ReleaseIdempotencyKey(ctx, scope, idempotencyKey); releaseErr != nil {
				return nil, errors.Join(err, releaseErr)
			}
			return nil, err
		}
		if message, ok := response.(*structpb.Struct); ok {
			encoded, err := message.MarshalJSON()
			if err != nil {
				return nil, domain.Internal("failed to encode response for replay", err)
			}
			if err := idStore.CompleteIdempotencyKey(ctx, scope, idempotencyKey, string(encoded)); err != nil {
				return nil, err
			}
		}
		return response, nil
	}
}

func hashRequest(request *structpb.Struct) (string, error) {
	fields := request.AsMap()
	delete(fields, idempotencyField)
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", domain.InvalidArgument("request payload could not be encoded")
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

func extractToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}

	token := strings.TrimSpace(first(md.Get(apiKeyHeader)))
	if token != "" {
		return token
	}

	authHeader := strings.TrimSpace(first(md.Get("authorization")))
	const bearer = "Bearer "
	if strings.HasPrefix(authHeader, bearer) {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, bearer))
	}
	return ""
}

func remoteIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}

func first(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[0]
}
