package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bcrosbie/agentexchange/internal/discovery"
	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/bcrosbie/agentexchange/internal/logger"
	"github.com/bcrosbie/agentexchange/internal/service"
	"github.com/bcrosbie/agentexchange/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	apiKeyHeader = "X-Agx-Key"
	adminKeyID   = "admin_token"
	bodyLimit    = 1 << 20
)

// Limiter decides whether a caller identified by key may proceed.
type Limiter interface {
	Allow(key string, authenticated bool) bool
}

type Options struct {
	AdminToken string
	// ClientIPHeader is trusted for the caller address only when set.
	ClientIPHeader string
	Limiter        Limiter
	Logger         *slog.Logger
	Now            func() time.Time
}

type api struct {
	market *service.MarketService
	opts   Options
	log    *slog.Logger
}

type principalKey struct{}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewHandler mounts the marketplace JSON API under /api/v1.
func NewHandler(market *service.MarketService, opts Options) http.Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &api{market: market, opts: opts, log: logger.OrDefault(opts.Logger).With("component", "http")}

	r := chi.NewRouter()
	r.Use(a.recoverer, a.logRequests)
	r.Get("/healthz", a.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.identify, a.rateLimit)

		r.Get("/health", a.health)
		r.Post("/agents", a.registerAgent)
		r.Get("/agents/{id}", a.getAgent)
		r.Get("/agents/{id}/verification", a.verifyAgent)
		r.Get("/agents/{id}/reputation", a.getReputation)
		r.Get("/agents/{id}/reputation/trend", a.reputationTrend)
		r.Get("/agents/{id}/execution-stats", a.executionStats)
		r.Post("/discover", a.discover)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAgent)
			r.Get("/me/rate-limits", a.rateLimits)
			r.Get("/me/referral", a.referral)
			r.Get("/me/executions", a.listExecutions)
			r.Post("/me/wallet/challenge", a.issueWalletChallenge)
			r.Post("/me/wallet/verify", a.verifyWalletChallenge)

			r.Post("/executions", a.startExecution)
			r.Get("/executions/{id}", a.getExecution)
			r.Post("/executions/{id}/complete", a.completeExecution)
			r.Post("/executions/{id}/fail", a.failExecution)

			r.Post("/work-orders", a.createWorkOrder)
			r.Get("/work-orders/{id}", a.getWorkOrder)
			r.Post("/work-orders/{id}/accept", a.workOrderAction(a.market.AcceptWorkOrder))
			r.Post("/work-orders/{id}/reject", a.workOrderAction(a.market.RejectWorkOrder))
			r.Post("/work-orders/{id}/complete", a.workOrderAction(a.market.CompleteWorkOrder))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.requireAdmin)
			r.Post("/agents/{id}/credits", a.addPaidCredits)
			r.Post("/agents/{id}/reputation/recalculate", a.recalculateReputation)
			r.Post("/reputation/recalculate", a.recalculateAll)
			r.Get("/platform-spend", a.platformSpend)
		})
	})
	return r
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func (a *api) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				a.log.Error("panic in http handler", "path", r.URL.Path, "panic", recovered)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		a.log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// identify resolves the presented credential, if any. A credential that does
// not resolve is refused even on public routes.
func (a *api) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := extractToken(r)
		if credential == "" {
			next.ServeHTTP(w, r)
			return
		}
		if a.opts.AdminToken != "" && subtle.ConstantTimeCompare([]byte(credential), []byte(a.opts.AdminToken)) == 1 {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), store.AgentPrincipal{KeyID: adminKeyID})))
			return
		}
		principal, err := a.market.Authenticate(r.Context(), credential)
		if err != nil {
			a.writeAppError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

func (a *api) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.opts.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := "ip:" + a.clientIP(r)
		principal, authenticated := principalFromContext(r.Context())
		if authenticated {
			key = principal.KeyID
		}
		if !a.opts.Limiter.Allow(key, authenticated) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) requireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := principalFromContext(r.Context())
		if !ok || principal.AgentID == "" {
			writeError(w, http.StatusUnauthorized, "agent api key is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.opts.AdminToken == "" {
			writeError(w, http.StatusForbidden, "admin routes are disabled")
			return
		}
		principal, ok := principalFromContext(r.Context())
		if !ok || principal.KeyID != adminKeyID || principal.AgentID != "" {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withPrincipal(ctx context.Context, principal store.AgentPrincipal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

func principalFromContext(ctx context.Context) (store.AgentPrincipal, bool) {
	principal, ok := ctx.Value(principalKey{}).(store.AgentPrincipal)
	return principal, ok
}

func callerID(r *http.Request) string {
	principal, _ := principalFromContext(r.Context())
	return principal.AgentID
}

func extractToken(r *http.Request) string {
	if token := strings.TrimSpace(r.Header.Get(apiKeyHeader)); token != "" {
		return token
	}
	const bearer = "Bearer "
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(authHeader, bearer) {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, bearer))
	}
	return ""
}

func (a *api) clientIP(r *http.Request) string {
	if a.opts.ClientIPHeader != "" {
		forwarded, _, _ := strings.Cut(r.Header.Get(a.opts.ClientIPHeader), ",")
		if forwarded = strings.TrimSpace(forwarded); forwarded != "" {
			return forwarded
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.market.Health(r.Context()))
}

func (a *api) registerAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.RegisterAgentRequest](w, r)
	if !ok {
		return
	}
	req.SignupIP = a.clientIP(r)
	a.respond(w, http.StatusCreated)(a.market.RegisterAgent(r.Context(), req))
}

func (a *api) getAgent(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK)(a.market.GetAgent(r.Context(), callerID(r), chi.URLParam(r, "id")))
}

func (a *api) verifyAgent(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK)(a.market.VerifyAgent(r.Context(), chi.URLParam(r, "id")))
}

func (a *api) getReputation(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK)(a.market.GetReputation(r.Context(), chi.URLParam(r, "id")))
}

func (a *api) reputationTrend(w http.ResponseWriter, r *http.Request) {
	days, ok := queryInt(w, r, "days")
	if !ok {
		return
	}
	a.respond(w, http.StatusOK)(a.market.ReputationTrend(r.Context(), chi.URLParam(r, "id"), days))
}

func (a *api) executionStats(w http.ResponseWriter, r *http.Request) {
	days, ok := queryInt(w, r, "days")
	if !ok {
		return
	}
	a.respond(w, http.StatusOK)(a.market.ExecutionStats(r.Context(), chi.URLParam(r, "id"), days))
}

func (a *api) discover(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[discovery.Request](w, r)
	if !ok {
		return
	}
	a.respond(w, http.StatusOK)(a.market.Discover(r.Context(), req))
}

func (a *api) rateLimits(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK)(a.market.GetRateLimits(r.Context(), callerID(r)))
}

func (a *api) referral(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK)(a.market.GetReferral(r.Context(), callerID(r)))
}

func (a *api) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	query := r.URL.Query()
	records, err := a.market.ListAgentExecutions(r.Context(), service.ListExecutionsRequest{
		AgentID: callerID(r),
		Role:    strings.TrimSpace(query.Get("role")),
		Status:  strings.TrimSpace(query.Get("status")),
		Limit:   limit,
	})
	if err != nil {
		a.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": records})
}

func (a *api) issueWalletChallenge(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusCreated)(a.market.IssueWalletChallenge(r.Context(), callerID(r)))
}

func (a *api) verifyWalletChallenge(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.VerifyWalletRequest](w, r)
	if !ok {
		return
	}
	a.respond(w, http.StatusOK)(a.market.VerifyWalletChallenge(r.Context(), callerID(r), req))
}

func (a *api) startExecution(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.StartExecutionRequest](w, r)
	if !ok {
		return
	}
	a.respond(w, http.StatusCreated)(a.market.StartExecution(r.Context(), callerID(r), req))
}

func (a *api) getExecution(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK)(a.market.GetExecution(r.Context(), callerID(r), chi.URLParam(r, "id")))
}

func (a *api) completeExecution(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.CompleteExecutionRequest](w, r)
	if !ok {
		return
	}
	req.ExecutionID = chi.URLParam(r, "id")
	a.respond(w, http.StatusOK)(a.market.CompleteExecution(r.Context(), callerID(r), req))
}

func (a *api) failExecution(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.FailExecutionRequest](w, r)
	if !ok {
		return
	}
	req.ExecutionID = chi.URLParam(r, "id")
	a.respond(w, http.StatusOK)(a.market.FailExecution(r.Context(), callerID(r), req))
}

func (a *api) createWorkOrder(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.CreateWorkOrderRequest](w, r)
	if !ok {
		return
	}
	a.respond(w, http.StatusCreated)(a.market.CreateWorkOrder(r.Context(), callerID(r), req))
}

func (a *api) getWorkOrder(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK)(a.market.GetWorkOrder(r.Context(), callerID(r), chi.URLParam(r, "id")))
}

type workOrderFunc func(context.Context, string, service.WorkOrderActionRequest) (domain.WorkOrder, error)

func (a *api) workOrderAction(action workOrderFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.WorkOrderActionRequest
		if r.ContentLength != 0 {
			decoded, ok := readJSON[service.WorkOrderActionRequest](w, r)
			if !ok {
				return
			}
			req = decoded
		}
		req.WorkOrderID = chi.URLParam(r, "id")
		a.respond(w, http.StatusOK)(action(r.Context(), callerID(r), req))
	}
}

func (a *api) addPaidCredits(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.AddPaidCreditsRequest](w, r)
	if !ok {
		return
	}
	req.AgentID = chi.URLParam(r, "id")
	a.respond(w, http.StatusOK)(a.market.AddPaidCredits(r.Context(), req))
}

func (a *api) recalculateReputation(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK)(a.market.RecalculateReputation(r.Context(), chi.URLParam(r, "id")))
}

func (a *api) recalculateAll(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK)(a.market.RecalculateAll(r.Context()))
}

func (a *api) platformSpend(w http.ResponseWriter, r *http.Request) {
	a.respond(w, http.StatusOK)(a.market.PlatformSpend(r.Context(), strings.TrimSpace(r.URL.Query().Get("day"))))
}

// ---------------------------------------------------------------------------
// Request and response helpers
// ---------------------------------------------------------------------------

func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return parsed, true
}

// respond adapts a (value, error) service result to a JSON response.
func (a *api) respond(w http.ResponseWriter, status int) func(any, error) {
	return func(value any, err error) {
		if err != nil {
			a.writeAppError(w, err)
			return
		}
		writeJSON(w, status, value)
	}
}

type errorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func statusFor(appError *domain.AppError) int {
	switch appError.Code {
	case domain.CodeInvalidArgument:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConflict, domain.CodeInvalidTransition:
		return http.StatusConflict
	case domain.CodeUnauthenticated:
		return http.StatusUnauthorized
	case domain.CodePermissionDenied:
		return http.StatusForbidden
	case domain.CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case domain.CodeQuotaExhausted:
		return http.StatusPaymentRequired
	case domain.CodeRateLimited, domain.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case domain.CodeAbuseRejected:
		switch appError.Reason {
		case domain.ReasonIPLimitExceeded:
			return http.StatusTooManyRequests
		case domain.ReasonDuplicateName:
			return http.StatusConflict
		}
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeAppError(w http.ResponseWriter, err error) {
	var appError *domain.AppError
	if !errors.As(err, &appError) {
		a.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	status := statusFor(appError)
	if status == http.StatusInternalServerError {
		a.log.Error("request failed", "err", err)
		writeError(w, status, "internal server error")
		return
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.FormatInt(a.retryAfter(appError), 10))
	}
	writeJSON(w, status, errorResponse{
		Error:   appError.Message,
		Code:    string(appError.Code),
		Reason:  appError.Reason,
		Details: appError.Details,
	})
}

// retryAfter is the reported reset for hourly limits and the next UTC day for
// the per-IP signup limit.
func (a *api) retryAfter(appError *domain.AppError) int64 {
	if seconds, ok := appError.Details["reset_in_seconds"].(int64); ok && seconds > 0 {
		return seconds
	}
	if appError.Reason == domain.ReasonIPLimitExceeded {
		now := a.opts.Now().UTC()
		midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
		return max(int64(midnight.Sub(now).Seconds()), 1)
	}
	return 1
}
