package httpx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bcrosbie/agentexchange/internal/config"
	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/bcrosbie/agentexchange/internal/service"
	"github.com/bcrosbie/agentexchange/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 6, 2, 22, 0, 0, 0, time.UTC)

type denyAll struct{ keys []string }

func (d *denyAll) Allow(key string, _ bool) bool {
	d.keys = append(d.keys, key)
	return false
}

func newTestAPI(t *testing.T, limiter Limiter) http.Handler {
	t.Helper()
	cfg := config.Defaults()
	market, err := service.NewMarketService(cfg, store.NewMemoryStore(), service.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	t.Cleanup(market.Close)
	return NewHandler(market, Options{
		AdminToken:     "admin-secret",
		ClientIPHeader: "X-Forwarded-For",
		Limiter:        limiter,
		Now:            func() time.Time { return fixedNow },
	})
}

func do(t *testing.T, handler http.Handler, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	if key != "" {
		req.Header.Set("X-Agx-Key", key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func register(t *testing.T, handler http.Handler, name string) (string, string) {
	t.Helper()
	rec := do(t, handler, http.MethodPost, "/api/v1/agents", "", map[string]any{
		"name":         name,
		"owner_email":  name + "@example.com",
		"capabilities": []string{"translate"},
		"cost_usd":     0.02,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	return body["agent"].(map[string]any)["id"].(string), body["api_key"].(string)
}

func TestHealth(t *testing.T) {
	handler := newTestAPI(t, nil)
	rec := do(t, handler, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestExecutionLifecycleOverHTTP(t *testing.T) {
	handler := newTestAPI(t, nil)
	buyerID, buyerKey := register(t, handler, "buyer")
	sellerID, sellerKey := register(t, handler, "seller")

	rec := do(t, handler, http.MethodPost, "/api/v1/executions", "", map[string]any{"executor_id": sellerID})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, handler, http.MethodPost, "/api/v1/executions", buyerKey, map[string]any{
		"executor_id": sellerID,
		"capability":  "translate",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	executionID := decode(t, rec)["execution"].(map[string]any)["id"].(string)

	rec = do(t, handler, http.MethodPost, "/api/v1/executions/"+executionID+"/complete", buyerKey, map[string]any{"success": true})
	require.Equal(t, http.StatusForbidden, rec.Code, "only the executor completes")

	rec = do(t, handler, http.MethodPost, "/api/v1/executions/"+executionID+"/fail", buyerKey, map[string]any{
		"error_code": "timeout",
		"message":    "no answer",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["refunded"])

	rec = do(t, handler, http.MethodPost, "/api/v1/executions/"+executionID+"/fail", sellerKey, map[string]any{})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(domain.CodeInvalidTransition), decode(t, rec)["code"])

	rec = do(t, handler, http.MethodGet, "/api/v1/me/rate-limits", buyerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 50, decode(t, rec)["free_calls_remaining"])

	rec = do(t, handler, http.MethodGet, "/api/v1/me/executions?role=requester", buyerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["executions"], 1)

	rec = do(t, handler, http.MethodGet, "/api/v1/agents/"+buyerID, sellerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["owner_email"])

	rec = do(t, handler, http.MethodGet, "/api/v1/agents/"+buyerID, buyerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "buyer@example.com", decode(t, rec)["owner_email"])
}

func TestHourlyLimitReturnsRetryAfter(t *testing.T) {
	handler := newTestAPI(t, nil)
	_, buyerKey := register(t, handler, "buyer")
	sellerID, _ := register(t, handler, "seller")

	for i := 0; i < 5; i++ {
		rec := do(t, handler, http.MethodPost, "/api/v1/executions", buyerKey, map[string]any{"executor_id": sellerID, "capability": "translate"})
		require.Equal(t, http.StatusCreated, rec.Code, "call %d: %s", i, rec.Body.String())
	}
	rec := do(t, handler, http.MethodPost, "/api/v1/executions", buyerKey, map[string]any{"executor_id": sellerID, "capability": "translate"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
	assert.Equal(t, string(domain.CodeRateLimited), decode(t, rec)["code"])
}

func TestSignupIPLimitOverHTTP(t *testing.T) {
	handler := newTestAPI(t, nil)
	for i := 0; i < 5; i++ {
		register(t, handler, fmt.Sprintf("agent%d", i))
	}
	rec := do(t, handler, http.MethodPost, "/api/v1/agents", "", map[string]any{
		"name":         "agent6",
		"owner_email":  "agent6@example.com",
		"capabilities": []string{"translate"},
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "7200", rec.Header().Get("Retry-After"))
	assert.Equal(t, domain.ReasonIPLimitExceeded, decode(t, rec)["reason"])
}

func TestRegisterRejectionsOverHTTP(t *testing.T) {
	handler := newTestAPI(t, nil)
	register(t, handler, "taken")

	rec := do(t, handler, http.MethodPost, "/api/v1/agents", "", map[string]any{
		"name":         "Taken",
		"owner_email":  "other@example.com",
		"capabilities": []string{"translate"},
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, handler, http.MethodPost, "/api/v1/agents", "", map[string]any{
		"name":         "burner",
		"owner_email":  "x@mailinator.com",
		"capabilities": []string{"translate"},
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/agents", bytes.NewBufferString("{")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	handler := newTestAPI(t, nil)
	agentID, agentKey := register(t, handler, "buyer")
	path := "/api/v1/admin/agents/" + agentID + "/credits"

	rec := do(t, handler, http.MethodPost, path, agentKey, map[string]any{"calls": 3})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, handler, http.MethodPost, path, "wrong-token", map[string]any{"calls": 3})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, handler, http.MethodPost, path, "admin-secret", map[string]any{"calls": 3})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 3, decode(t, rec)["paid_calls_remaining"])

	rec = do(t, handler, http.MethodGet, "/api/v1/admin/platform-spend?day=2026-06-02", "admin-secret", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRateLimitKeysByForwardedAddress(t *testing.T) {
	limiter := &denyAll{}
	handler := newTestAPI(t, limiter)

	rec := do(t, handler, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"ip:198.51.100.7"}, limiter.keys)

	rec = do(t, handler, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, "liveness is not rate limited")
}

func TestWorkOrderRoutes(t *testing.T) {
	handler := newTestAPI(t, nil)
	_, clientKey := register(t, handler, "client")
	workerID, workerKey := register(t, handler, "worker")
	_, strangerKey := register(t, handler, "stranger")

	rec := do(t, handler, http.MethodPost, "/api/v1/work-orders", clientKey, map[string]any{
		"worker_agent_id": workerID,
		"title":           "Translate docs",
		"budget_usd":      12.5,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	orderID := decode(t, rec)["id"].(string)

	rec = do(t, handler, http.MethodGet, "/api/v1/work-orders/"+orderID, strangerKey, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, handler, http.MethodPost, "/api/v1/work-orders/"+orderID+"/complete", workerKey, nil)
	require.Equal(t, http.StatusConflict, rec.Code, "pending orders cannot complete")

	rec = do(t, handler, http.MethodPost, "/api/v1/work-orders/"+orderID+"/accept", workerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "accepted", decode(t, rec)["status"])
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  *domain.AppError
		want int
	}{
		{domain.InvalidArgument("x"), http.StatusBadRequest},
		{domain.NotFound("x"), http.StatusNotFound},
		{domain.Conflict("x"), http.StatusConflict},
		{domain.Unauthenticated("x"), http.StatusUnauthorized},
		{domain.PermissionDenied("x"), http.StatusForbidden},
		{domain.FailedPrecondition("x"), http.StatusPreconditionFailed},
		{domain.AbuseRejected(domain.ReasonDisposableEmail, "x"), http.StatusForbidden},
		{domain.AbuseRejected(domain.ReasonPlatformCapReached, "x"), http.StatusForbidden},
		{domain.AbuseRejected(domain.ReasonDuplicateName, "x"), http.StatusConflict},
		{domain.AbuseRejected(domain.ReasonIPLimitExceeded, "x"), http.StatusTooManyRequests},
		{domain.Internal("x", nil), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), string(tc.err.Code)+"/"+tc.err.Reason)
	}
}
