package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bcrosbie/agentexchange/internal/config"
	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/bcrosbie/agentexchange/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *MarketService
	store *store.FileStore
	now   time.Time
	ip    int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		now:   time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC),
	}
	seq := 0
	svc, err := NewMarketService(config.Defaults(), f.store,
		WithClock(func() time.Time { return f.now }),
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("%04d", seq) }),
	)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	f.svc = svc
	return f
}

func (f *fixture) register(t *testing.T, name string, mutate ...func(*RegisterAgentRequest)) RegisterAgentResponse {
	t.Helper()
	f.ip++
	req := RegisterAgentRequest{
		Name:         name,
		OwnerEmail:   name + "@example.com",
		Capabilities: []string{"Summarize", "translate"},
		CostUSD:      0.02,
		SignupIP:     fmt.Sprintf("203.0.113.%d", f.ip),
	}
	for _, fn := range mutate {
		fn(&req)
	}
	resp, err := f.svc.RegisterAgent(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func TestRegisterAgentIssuesKeyAndDefaultQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.register(t, "scribe")

	assert.True(t, strings.HasPrefix(resp.APIKey, "agx_live_"))
	assert.Len(t, resp.APIKey, len("agx_live_")+48)
	assert.Regexp(t, `^REF-[0-9A-F]{8}$`, resp.Agent.ReferralCode)
	assert.Equal(t, []string{"summarize", "translate"}, resp.Agent.Capabilities)
	assert.Equal(t, int64(50), resp.Agent.Quota.FreeCallsRemaining)
	assert.Equal(t, int64(5), resp.Agent.Quota.HourlyRateLimit)
	assert.Equal(t, domain.TierUnverified, resp.Agent.ReputationTier)

	principal, err := f.svc.Authenticate(ctx, resp.APIKey)
	require.NoError(t, err)
	assert.Equal(t, resp.Agent.ID, principal.AgentID)

	_, err = f.svc.Authenticate(ctx, "agx_live_nope")
	assert.True(t, domain.HasCode(err, domain.CodeUnauthenticated))

	count, err := f.store.SignupCount(ctx, "203.0.113.1", domain.DayKey(f.now))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRegisterAgentRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "taken")

	reasonOf := func(err error) string {
		appErr, ok := domain.AsAppError(err)
		require.True(t, ok, "%v", err)
		return appErr.Reason
	}

	_, err := f.svc.RegisterAgent(ctx, RegisterAgentRequest{
		Name: "burner", OwnerEmail: "x@mailinator.com", Capabilities: []string{"a"}, SignupIP: "198.51.100.7",
	})
	assert.Equal(t, domain.ReasonDisposableEmail, reasonOf(err))

	_, err = f.svc.RegisterAgent(ctx, RegisterAgentRequest{
		Name: " Taken ", OwnerEmail: "y@example.com", Capabilities: []string{"a"}, SignupIP: "198.51.100.7",
	})
	assert.Equal(t, domain.ReasonDuplicateName, reasonOf(err))

	_, err = f.svc.RegisterAgent(ctx, RegisterAgentRequest{
		Name: "fresh", OwnerEmail: "z@example.com", Capabilities: []string{"a"}, SignupIP: "198.51.100.7", ReferralCode: "REF-00000000",
	})
	assert.True(t, domain.HasCode(err, domain.CodeInvalidArgument))

	for i := range 5 {
		f.register(t, fmt.Sprintf("flood-%d", i), func(r *RegisterAgentRequest) { r.SignupIP = "198.51.100.9" })
	}
	_, err = f.svc.RegisterAgent(ctx, RegisterAgentRequest{
		Name: "flood-6", OwnerEmail: "x@mailinator.com", Capabilities: []string{"a"}, SignupIP: "198.51.100.9",
	})
	assert.Equal(t, domain.ReasonIPLimitExceeded, reasonOf(err), "ip limit is checked before the email")

	count, err := f.store.SignupCount(ctx, "198.51.100.7", domain.DayKey(f.now))
	require.NoError(t, err)
	assert.Zero(t, count, "rejected registrations do not use up the address")
}

func TestConcurrentRegistrationsFromOneAddress(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)
	svc, err := NewMarketService(config.Defaults(), st, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	ctx := context.Background()

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		registered int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.RegisterAgent(ctx, RegisterAgentRequest{
				Name:         fmt.Sprintf("burst-%d", i),
				OwnerEmail:   fmt.Sprintf("burst-%d@example.com", i),
				Capabilities: []string{"summarize"},
				SignupIP:     "198.51.100.44",
			})
			if err == nil {
				mu.Lock()
				registered++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, registered)
	count, err := st.SignupCount(ctx, "198.51.100.44", domain.DayKey(now))
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestFailedExecutionRefundsRequester(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	requester := f.register(t, "buyer").Agent
	executor := f.register(t, "seller").Agent
	stranger := f.register(t, "stranger").Agent

	started, err := f.svc.StartExecution(ctx, requester.ID, StartExecutionRequest{ExecutorID: executor.ID, Capability: "SUMMARIZE"})
	require.NoError(t, err)
	assert.Equal(t, 0.02, started.Execution.QuotedCostUSD)
	assert.Equal(t, domain.ChargeFree, started.Execution.Charge.Kind)

	limits, err := f.svc.GetRateLimits(ctx, requester.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(49), limits.FreeCallsRemaining)

	_, err = f.svc.FailExecution(ctx, stranger.ID, FailExecutionRequest{ExecutionID: started.Execution.ID, ErrorCode: "boom"})
	assert.True(t, domain.HasCode(err, domain.CodePermissionDenied))

	result, err := f.svc.FailExecution(ctx, requester.ID, FailExecutionRequest{ExecutionID: started.Execution.ID, ErrorCode: "boom"})
	require.NoError(t, err)
	assert.True(t, result.Refunded)
	assert.Equal(t, domain.ExecutionFailed, result.Execution.Status)

	limits, err = f.svc.GetRateLimits(ctx, requester.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), limits.FreeCallsRemaining)
	assert.Zero(t, limits.HourlyCallsUsed)

	_, err = f.svc.FailExecution(ctx, requester.ID, FailExecutionRequest{ExecutionID: started.Execution.ID})
	assert.True(t, domain.HasCode(err, domain.CodeInvalidTransition))

	spend, err := f.svc.PlatformSpend(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, spend.TotalFreeCalls)
}

func TestStartExecutionGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	requester := f.register(t, "buyer").Agent
	executor := f.register(t, "seller").Agent

	_, err := f.svc.StartExecution(ctx, requester.ID, StartExecutionRequest{ExecutorID: requester.ID, Capability: "summarize"})
	assert.True(t, domain.HasCode(err, domain.CodeInvalidArgument))

	_, err = f.svc.StartExecution(ctx, requester.ID, StartExecutionRequest{ExecutorID: executor.ID, Capability: "paint"})
	assert.True(t, domain.HasCode(err, domain.CodeFailedPrecondition))

	_, err = f.svc.StartExecution(ctx, "", StartExecutionRequest{ExecutorID: executor.ID, Capability: "summarize"})
	assert.True(t, domain.HasCode(err, domain.CodeUnauthenticated))

	for range 5 {
		_, err := f.svc.StartExecution(ctx, requester.ID, StartExecutionRequest{ExecutorID: executor.ID, Capability: "summarize"})
		require.NoError(t, err)
	}
	_, err = f.svc.StartExecution(ctx, requester.ID, StartExecutionRequest{ExecutorID: executor.ID, Capability: "summarize"})
	require.True(t, domain.HasCode(err, domain.CodeRateLimited))
	appErr, _ := domain.AsAppError(err)
	assert.Equal(t, int64(45), appErr.Details["free_calls_remaining"])

	_, err = f.svc.AddPaidCredits(ctx, AddPaidCreditsRequest{AgentID: requester.ID, Calls: 2})
	require.NoError(t, err)
	started, err := f.svc.StartExecution(ctx, requester.ID, StartExecutionRequest{ExecutorID: executor.ID, Capability: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, domain.ChargePaid, started.Execution.Charge.Kind)
}

func TestReferredExecutorSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := f.register(t, "mentor").Agent
	referee := f.register(t, "apprentice", func(r *RegisterAgentRequest) { r.ReferralCode = strings.ToLower(referrer.ReferralCode) })
	require.NotNil(t, referee.Referral)
	assert.Equal(t, domain.ReferralPending, referee.Referral.Status)
	requester := f.register(t, "client").Agent

	run := func() ExecutionResult {
		started, err := f.svc.StartExecution(ctx, requester.ID, StartExecutionRequest{ExecutorID: referee.Agent.ID, Capability: "translate"})
		require.NoError(t, err)
		_, err = f.svc.CompleteExecution(ctx, requester.ID, CompleteExecutionRequest{ExecutionID: started.Execution.ID, Success: true, ActualCostUSD: 1})
		require.True(t, domain.HasCode(err, domain.CodePermissionDenied))
		result, err := f.svc.CompleteExecution(ctx, referee.Agent.ID, CompleteExecutionRequest{
			ExecutionID: started.Execution.ID, Success: true, ActualCostUSD: 1, LatencyMS: 800, Rating: 5,
		})
		require.NoError(t, err)
		require.NotNil(t, result.Settlement)
		assert.False(t, result.Refunded)
		return result
	}

	first := run()
	assert.False(t, first.Settlement.ReferralApplied)
	assert.Equal(t, 0.06, first.Settlement.PlatformFeeUSD)

	second := run()
	assert.True(t, second.Settlement.ReferralApplied)
	assert.Equal(t, 0.05, second.Settlement.PlatformFeeUSD)
	assert.Equal(t, 0.02, second.Settlement.ReferrerEarningsUSD)

	info, err := f.svc.GetReferral(ctx, referee.Agent.ID)
	require.NoError(t, err)
	require.NotNil(t, info.ReferredBy)
	assert.Equal(t, domain.ReferralActive, info.ReferredBy.Status)
	assert.Equal(t, int64(2), info.ReferredBy.TotalTransactions)
	assert.Equal(t, 0.02, info.ReferredBy.TotalEarningsUSD)
	assert.Equal(t, first.Execution.ID, info.ReferredBy.FirstTransactionID)

	stats, err := f.svc.ExecutionStats(ctx, referee.Agent.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ByStatus["completed"])

	listed, err := f.svc.ListAgentExecutions(ctx, ListExecutionsRequest{AgentID: requester.ID, Role: "requester"})
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestUnsuccessfulCompletionRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	requester := f.register(t, "buyer").Agent
	executor := f.register(t, "seller").Agent

	started, err := f.svc.StartExecution(ctx, requester.ID, StartExecutionRequest{ExecutorID: executor.ID, Capability: "summarize"})
	require.NoError(t, err)
	result, err := f.svc.CompleteExecution(ctx, executor.ID, CompleteExecutionRequest{ExecutionID: started.Execution.ID, Success: false, ActualCostUSD: 1})
	require.NoError(t, err)
	assert.True(t, result.Refunded)
	assert.Nil(t, result.Settlement)

	got, err := f.svc.GetExecution(ctx, requester.ID, started.Execution.ID)
	require.NoError(t, err)
	assert.True(t, got.Charge.Refunded)
}

func TestWalletChallengeLinksKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.register(t, "holder").Agent

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	issued, err := f.svc.IssueWalletChallenge(ctx, agent.ID)
	require.NoError(t, err)

	signature := hex.EncodeToString(ed25519.Sign(priv, []byte(issued.Message)))
	linked, err := f.svc.VerifyWalletChallenge(ctx, agent.ID, VerifyWalletRequest{
		PublicKeyHex: strings.ToUpper(hex.EncodeToString(pub)),
		SignatureHex: signature,
	})
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(pub), linked.WalletPublicKey)

	verification, err := f.svc.VerifyAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, verification.WalletLinked)
}

func TestWorkOrderThroughService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := f.register(t, "client").Agent
	worker := f.register(t, "worker").Agent
	stranger := f.register(t, "stranger").Agent

	order, err := f.svc.CreateWorkOrder(ctx, client.ID, CreateWorkOrderRequest{WorkerAgentID: worker.ID, Title: "index docs", BudgetUSD: 3})
	require.NoError(t, err)
	assert.Equal(t, client.ID, order.ClientAgentID)

	_, err = f.svc.GetWorkOrder(ctx, stranger.ID, order.ID)
	assert.True(t, domain.HasCode(err, domain.CodeNotFound))

	_, err = f.svc.AcceptWorkOrder(ctx, worker.ID, WorkOrderActionRequest{WorkOrderID: order.ID})
	require.NoError(t, err)
	_, err = f.svc.RejectWorkOrder(ctx, worker.ID, WorkOrderActionRequest{WorkOrderID: order.ID, Reason: "late"})
	assert.True(t, domain.HasCode(err, domain.CodeInvalidTransition))
	done, err := f.svc.CompleteWorkOrder(ctx, worker.ID, WorkOrderActionRequest{WorkOrderID: order.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderCompleted, done.Status)

	got, err := f.svc.GetWorkOrder(ctx, client.ID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderCompleted, got.Status)
}

func TestHealthReportsStore(t *testing.T) {
	f := newFixture(t)
	health := f.svc.Health(context.Background())
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "2026-06-02T10:00:00Z", health["time_utc"])
}
