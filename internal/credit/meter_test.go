package credit

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memQuotaStore struct {
	mu     sync.Mutex
	agents map[string]domain.Agent
}

func newMemQuotaStore(agents ...domain.Agent) *memQuotaStore {
	s := &memQuotaStore{agents: map[string]domain.Agent{}}
	for _, agent := range agents {
		s.agents[agent.ID] = agent
	}
	return s
}

func (s *memQuotaStore) UpdateAgentQuota(_ context.Context, agentID string, mutate func(*domain.Agent) error) (domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return domain.Agent{}, domain.NotFound("agent not found")
	}
	if err := mutate(&agent); err != nil {
		return domain.Agent{}, err
	}
	s.agents[agentID] = agent
	return agent, nil
}

type fakeLedger struct {
	mu       sync.Mutex
	recorded float64
	released float64
	calls    int
}

func (l *fakeLedger) RecordFreeTierSpend(_ context.Context, costUSD float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recorded += costUSD
	l.calls++
	return nil
}

func (l *fakeLedger) ReleaseFreeTierSpend(_ context.Context, _ string, costUSD float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released += costUSD
	return nil
}

func newTestMeter(clock *fakeClock, store QuotaStore, ledger SpendLedger) *Meter {
	return NewMeter(store, ledger, DefaultPolicy(), WithClock(clock.Now))
}

func TestEvaluateExhaustedTakesPrecedenceOverHourlyHeadroom(t *testing.T) {
	clock := newFakeClock()
	meter := newTestMeter(clock, nil, nil)
	q := domain.Quota{FreeCallsTotal: 50, FreeCallsRemaining: 3, HourlyRateLimit: 5, HourlyWindowStartedAt: clock.Now()}

	for i := 0; i < 3; i++ {
		decision := meter.Evaluate(&q)
		require.True(t, decision.Allowed, "call %d", i)
		_, err := meter.Consume(&q, 0.005)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(0), q.FreeCallsRemaining)
	decision := meter.Evaluate(&q)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonExhausted, decision.Reason)
	assert.Equal(t, int64(2), decision.HourlyCallsRemaining)
}

func TestEvaluateHourlyLimitThenRefillAfterWindow(t *testing.T) {
	clock := newFakeClock()
	meter := newTestMeter(clock, nil, nil)
	q := DefaultPolicy().NewQuota(clock.Now())

	for i := int64(0); i < q.HourlyRateLimit; i++ {
		require.True(t, meter.Evaluate(&q).Allowed)
		_, err := meter.Consume(&q, 0.005)
		require.NoError(t, err)
	}

	decision := meter.Evaluate(&q)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonHourlyLimit, decision.Reason)
	assert.Equal(t, int64(3600), decision.ResetInSeconds)

	clock.Advance(20 * time.Minute)
	decision = meter.Evaluate(&q)
	assert.False(t, decision.Allowed)
	assert.Equal(t, int64(2400), decision.ResetInSeconds)

	clock.Advance(40 * time.Minute)
	decision = meter.Evaluate(&q)
	assert.True(t, decision.Allowed)
	assert.Equal(t, ReasonWithinLimits, decision.Reason)
	assert.Equal(t, int64(0), q.HourlyCallsUsed)
	assert.Equal(t, clock.Now(), q.HourlyWindowStartedAt)
	assert.Equal(t, int64(45), q.FreeCallsRemaining)
}

func TestPaidCreditsSpentFirstAndBypassHourlyCeiling(t *testing.T) {
	clock := newFakeClock()
	meter := newTestMeter(clock, nil, nil)
	q := domain.Quota{
		FreeCallsTotal:        50,
		FreeCallsRemaining:    50,
		HourlyRateLimit:       5,
		HourlyCallsUsed:       5,
		HourlyWindowStartedAt: clock.Now(),
		PaidCallsRemaining:    2,
	}

	decision := meter.Evaluate(&q)
	assert.True(t, decision.Allowed)
	assert.Equal(t, ReasonPaidCredits, decision.Reason)

	charge, err := meter.Consume(&q, 0.01)
	require.NoError(t, err)
	assert.Equal(t, domain.ChargePaid, charge.Kind)
	assert.Equal(t, int64(1), q.PaidCallsRemaining)
	assert.Equal(t, int64(50), q.FreeCallsRemaining)
	assert.Equal(t, int64(5), q.HourlyCallsUsed)
	assert.Equal(t, int64(0), q.DailySpendExposureMicros)
}

func TestConsumeThenRefundRestoresQuota(t *testing.T) {
	clock := newFakeClock()
	meter := newTestMeter(clock, nil, nil)

	free := DefaultPolicy().NewQuota(clock.Now())
	free.FreeCallsRemaining = 17
	free.HourlyCallsUsed = 2
	free.DailySpendExposureMicros = 100_003
	free.SpendExposureDate = domain.DayKey(clock.Now())
	paid := free
	paid.PaidCallsRemaining = 4

	for name, before := range map[string]domain.Quota{"free": free, "paid": paid} {
		t.Run(name, func(t *testing.T) {
			q := before
			require.True(t, meter.Evaluate(&q).Allowed)
			charge, err := meter.Consume(&q, 0.0073)
			require.NoError(t, err)
			assert.NotEqual(t, before, q)
			meter.Refund(&q, charge)
			assert.Equal(t, before, q)
		})
	}
}

func TestRefundAfterWindowRolloverDoesNotUnderflowHourly(t *testing.T) {
	clock := newFakeClock()
	meter := newTestMeter(clock, nil, nil)
	q := DefaultPolicy().NewQuota(clock.Now())

	require.True(t, meter.Evaluate(&q).Allowed)
	charge, err := meter.Consume(&q, 0.005)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	require.True(t, meter.Evaluate(&q).Allowed)
	meter.Refund(&q, charge)

	assert.Equal(t, int64(0), q.HourlyCallsUsed)
	assert.Equal(t, int64(50), q.FreeCallsRemaining)
}

func TestConsumeRejectsWhenNothingLeft(t *testing.T) {
	clock := newFakeClock()
	meter := newTestMeter(clock, nil, nil)
	q := domain.Quota{FreeCallsTotal: 50, HourlyRateLimit: 5, HourlyWindowStartedAt: clock.Now()}

	_, err := meter.Consume(&q, 0.005)
	assert.True(t, domain.HasCode(err, domain.CodeQuotaExhausted))

	_, err = meter.Consume(&q, -1)
	assert.True(t, domain.HasCode(err, domain.CodeInvalidArgument))
}

func TestChargeDeniesWithMachineReadableDetails(t *testing.T) {
	clock := newFakeClock()
	quota := DefaultPolicy().NewQuota(clock.Now())
	quota.HourlyCallsUsed = 5
	store := newMemQuotaStore(domain.Agent{ID: "agent_a", IsActive: true, Quota: quota})
	meter := newTestMeter(clock, store, &fakeLedger{})

	clock.Advance(15 * time.Minute)
	_, decision, err := meter.Charge(context.Background(), "agent_a", 0.005)
	require.Error(t, err)
	assert.False(t, decision.Allowed)

	appErr, ok := domain.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeRateLimited, appErr.Code)
	assert.Equal(t, int64(2700), appErr.Details["reset_in_seconds"])
	assert.Equal(t, int64(50), appErr.Details["free_calls_remaining"])
	assert.Equal(t, int64(0), appErr.Details["paid_calls_remaining"])
}

func TestChargeRejectsInactiveAgent(t *testing.T) {
	clock := newFakeClock()
	store := newMemQuotaStore(domain.Agent{ID: "agent_a", Quota: DefaultPolicy().NewQuota(clock.Now())})
	meter := newTestMeter(clock, store, nil)

	_, _, err := meter.Charge(context.Background(), "agent_a", 0.005)
	assert.True(t, domain.HasCode(err, domain.CodeFailedPrecondition))
}

func TestChargeLastFreeCreditCannotBeDoubleSpent(t *testing.T) {
	clock := newFakeClock()
	quota := DefaultPolicy().NewQuota(clock.Now())
	quota.FreeCallsRemaining = 1
	store := newMemQuotaStore(domain.Agent{ID: "agent_a", IsActive: true, Quota: quota})
	ledger := &fakeLedger{}
	meter := newTestMeter(clock, store, ledger)

	const callers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := meter.Charge(context.Background(), "agent_a", 0.005); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, ledger.calls)
	assert.Equal(t, int64(0), store.agents["agent_a"].Quota.FreeCallsRemaining)
}

func TestRefundChargeReleasesSpendOnce(t *testing.T) {
	clock := newFakeClock()
	store := newMemQuotaStore(domain.Agent{ID: "agent_a", IsActive: true, Quota: DefaultPolicy().NewQuota(clock.Now())})
	ledger := &fakeLedger{}
	meter := newTestMeter(clock, store, ledger)
	ctx := context.Background()

	clock.Advance(time.Minute)
	charge, _, err := meter.Charge(ctx, "agent_a", 0.02)
	require.NoError(t, err)
	assert.Equal(t, int64(49), store.agents["agent_a"].Quota.FreeCallsRemaining)
	assert.Equal(t, clock.Now(), store.agents["agent_a"].UpdatedAt)

	require.NoError(t, meter.RefundCharge(ctx, "agent_a", charge))
	assert.Equal(t, int64(50), store.agents["agent_a"].Quota.FreeCallsRemaining)
	assert.InDelta(t, 0.02, ledger.released, 1e-12)

	charge.Refunded = true
	require.NoError(t, meter.RefundCharge(ctx, "agent_a", charge))
	assert.InDelta(t, 0.02, ledger.released, 1e-12)
}

// microsecondQuotaStore persists the window start at TIMESTAMPTZ precision.
type microsecondQuotaStore struct {
	*memQuotaStore
}

func (s microsecondQuotaStore) UpdateAgentQuota(ctx context.Context, agentID string, mutate func(*domain.Agent) error) (domain.Agent, error) {
	return s.memQuotaStore.UpdateAgentQuota(ctx, agentID, func(agent *domain.Agent) error {
		if err := mutate(agent); err != nil {
			return err
		}
		agent.Quota.HourlyWindowStartedAt = agent.Quota.HourlyWindowStartedAt.Truncate(time.Microsecond)
		return nil
	})
}

func TestRefundReturnsHourlySlotAfterMicrosecondRoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 123456789, time.UTC)}
	backing := newMemQuotaStore(domain.Agent{ID: "agent_a", IsActive: true, Quota: DefaultPolicy().NewQuota(clock.Now())})
	store := microsecondQuotaStore{backing}
	meter := newTestMeter(clock, store, nil)
	ctx := context.Background()

	clock.Advance(2*time.Hour + 987*time.Nanosecond)
	charge, _, err := meter.Charge(ctx, "agent_a", 0.01)
	require.NoError(t, err)

	raw, err := json.Marshal(charge)
	require.NoError(t, err)
	var stored domain.Charge
	require.NoError(t, json.Unmarshal(raw, &stored))

	before := backing.agents["agent_a"].Quota
	require.Equal(t, int64(1), before.HourlyCallsUsed)

	require.NoError(t, meter.RefundCharge(ctx, "agent_a", stored))
	after := backing.agents["agent_a"].Quota
	assert.Equal(t, int64(50), after.FreeCallsRemaining)
	assert.Equal(t, int64(0), after.HourlyCallsUsed)
	assert.Equal(t, int64(0), after.DailySpendExposureMicros)
}

func TestRefundMatchesLegacyNanosecondWindow(t *testing.T) {
	clock := newFakeClock()
	meter := newTestMeter(clock, nil, nil)
	start := clock.Now().Add(456 * time.Nanosecond)
	q := domain.Quota{FreeCallsTotal: 50, FreeCallsRemaining: 49, HourlyRateLimit: 5, HourlyCallsUsed: 1, HourlyWindowStartedAt: start.Truncate(time.Microsecond)}

	meter.Refund(&q, domain.Charge{Kind: domain.ChargeFree, WindowStartedAt: start})
	assert.Equal(t, int64(0), q.HourlyCallsUsed)
}

func TestRateLimitsReportsAvailability(t *testing.T) {
	clock := newFakeClock()
	quota := DefaultPolicy().NewQuota(clock.Now())
	quota.FreeCallsRemaining = 8
	quota.HourlyCallsUsed = 2
	store := newMemQuotaStore(domain.Agent{ID: "agent_a", IsActive: true, Quota: quota})
	meter := newTestMeter(clock, store, nil)

	info, err := meter.RateLimits(context.Background(), "agent_a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.HourlyCallsRemaining)
	assert.Equal(t, int64(3), info.TotalCallsAvailable)
	assert.True(t, info.UpgradeRecommended)
	assert.Equal(t, clock.Now().Add(time.Hour), info.WindowResetsAt)

	_, err = meter.AddPaidCredits(context.Background(), "agent_a", 100)
	require.NoError(t, err)
	info, err = meter.RateLimits(context.Background(), "agent_a")
	require.NoError(t, err)
	assert.Equal(t, int64(103), info.TotalCallsAvailable)
	assert.False(t, info.UpgradeRecommended)
}
