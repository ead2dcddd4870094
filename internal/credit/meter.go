// Package credit meters per-agent usage against a free tier with an hourly
// refill window and a paid balance that bypasses the hourly ceiling.
package credit

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/bcrosbie/agentexchange/internal/config"
	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/bcrosbie/agentexchange/internal/logger"
	"github.com/bcrosbie/agentexchange/internal/telemetry"
)

type Reason string

const (
	ReasonPaidCredits  Reason = "paid_credits"
	ReasonWithinLimits Reason = "within_limits"
	ReasonExhausted    Reason = Reason(domain.ReasonExhausted)
	ReasonHourlyLimit  Reason = Reason(domain.ReasonHourlyLimit)
)

type Decision struct {
	Allowed              bool   `json:"allowed"`
	Reason               Reason `json:"reason"`
	FreeCallsRemaining   int64  `json:"free_calls_remaining"`
	PaidCallsRemaining   int64  `json:"paid_calls_remaining"`
	HourlyCallsRemaining int64  `json:"hourly_calls_remaining"`
	ResetInSeconds       int64  `json:"reset_in_seconds"`
}

type Policy struct {
	FreeCallsTotal  int64
	HourlyRateLimit int64
	Window          time.Duration
}

func DefaultPolicy() Policy {
	return Policy{FreeCallsTotal: 50, HourlyRateLimit: 5, Window: time.Hour}
}

func PolicyFromConfig(cfg config.Quota) Policy {
	p := DefaultPolicy()
	if cfg.FreeCallsTotal > 0 {
		p.FreeCallsTotal = cfg.FreeCallsTotal
	}
	if cfg.HourlyRateLimit > 0 {
		p.HourlyRateLimit = cfg.HourlyRateLimit
	}
	if cfg.Window > 0 {
		p.Window = cfg.Window
	}
	return p
}

// NewQuota is the quota issued to a freshly registered agent.
func (p Policy) NewQuota(now time.Time) domain.Quota {
	return domain.Quota{
		FreeCallsTotal:        p.FreeCallsTotal,
		FreeCallsRemaining:    p.FreeCallsTotal,
		HourlyRateLimit:       p.HourlyRateLimit,
		HourlyWindowStartedAt: windowStart(now),
	}
}

// windowStart truncates to the microsecond precision of a TIMESTAMPTZ column.
func windowStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// QuotaStore performs an atomic read-modify-write of one agent row.
type QuotaStore interface {
	UpdateAgentQuota(ctx context.Context, agentID string, mutate func(*domain.Agent) error) (domain.Agent, error)
}

// SpendLedger receives free-tier spend for platform-wide cap accounting.
type SpendLedger interface {
	RecordFreeTierSpend(ctx context.Context, costUSD float64) error
	ReleaseFreeTierSpend(ctx context.Context, day string, costUSD float64) error
}

type Meter struct {
	store   QuotaStore
	ledger  SpendLedger
	policy  Policy
	now     func() time.Time
	metrics *telemetry.Metrics
	log     *slog.Logger
}

type Option func(*Meter)

func WithClock(now func() time.Time) Option {
	return func(m *Meter) { m.now = now }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Meter) { m.metrics = metrics }
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Meter) { m.log = log }
}

func NewMeter(store QuotaStore, ledger SpendLedger, policy Policy, opts ...Option) *Meter {
	if policy.Window <= 0 {
		policy.Window = time.Hour
	}
	m := &Meter{
		store:  store,
		ledger: ledger,
		policy: policy,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logger.OrDefault(m.log).With("component", "credit")
	return m
}

func (m *Meter) Policy() Policy {
	return m.policy
}

// Evaluate decides whether one more metered call may proceed. An elapsed
// hourly window is reset in place, so q must be persisted afterwards.
func (m *Meter) Evaluate(q *domain.Quota) Decision {
	now := m.now().UTC()
	m.refill(q, now)

	decision := Decision{
		FreeCallsRemaining:   q.FreeCallsRemaining,
		PaidCallsRemaining:   q.PaidCallsRemaining,
		HourlyCallsRemaining: max(q.HourlyRateLimit-q.HourlyCallsUsed, 0),
		ResetInSeconds:       m.resetInSeconds(q, now),
	}
	switch {
	case q.PaidCallsRemaining > 0:
		decision.Allowed = true
		decision.Reason = ReasonPaidCredits
	case q.FreeCallsRemaining <= 0:
		decision.Reason = ReasonExhausted
	case q.HourlyCallsUsed >= q.HourlyRateLimit:
		decision.Reason = ReasonHourlyLimit
	default:
		decision.Allowed = true
		decision.Reason = ReasonWithinLimits
	}
	return decision
}

// Consume deducts one credit. Paid credits are spent first and never touch
// the hourly window; a free credit also counts against the hour and adds
// costUSD to the daily exposure.
func (m *Meter) Consume(q *domain.Quota, costUSD float64) (domain.Charge, error) {
	if costUSD < 0 || math.IsNaN(costUSD) {
		return domain.Charge{}, domain.InvalidArgument("cost must be a non-negative amount")
	}
	now := m.now().UTC()

	if q.PaidCallsRemaining > 0 {
		q.PaidCallsRemaining--
		return domain.Charge{Kind: domain.ChargePaid, CostUSD: costUSD}, nil
	}
	if q.FreeCallsRemaining <= 0 || q.HourlyCallsUsed >= q.HourlyRateLimit {
		return domain.Charge{}, deniedError(m.Evaluate(q))
	}

	day := domain.DayKey(now)
	if q.SpendExposureDate != day {
		q.SpendExposureDate = day
		q.DailySpendExposureMicros = 0
	}
	q.FreeCallsRemaining--
	q.HourlyCallsUsed++
	q.DailySpendExposureMicros += domain.USDToMicros(costUSD)

	return domain.Charge{
		Kind:            domain.ChargeFree,
		CostUSD:         costUSD,
		WindowStartedAt: q.HourlyWindowStartedAt,
		ExposureDate:    day,
	}, nil
}

// Refund reverses a charge on the branch it took. Hourly usage and daily
// exposure are only returned when their window has not rolled over since.
func (m *Meter) Refund(q *domain.Quota, charge domain.Charge) {
	switch charge.Kind {
	case domain.ChargePaid:
		q.PaidCallsRemaining++
	case domain.ChargeFree:
		if q.FreeCallsRemaining < q.FreeCallsTotal {
			q.FreeCallsRemaining++
		}
		if q.HourlyCallsUsed > 0 && windowStart(q.HourlyWindowStartedAt).Equal(windowStart(charge.WindowStartedAt)) {
			q.HourlyCallsUsed--
		}
		if q.SpendExposureDate == charge.ExposureDate {
			q.DailySpendExposureMicros = max(q.DailySpendExposureMicros-domain.USDToMicros(charge.CostUSD), 0)
		}
	}
}

func (m *Meter) refill(q *domain.Quota, now time.Time) {
	if now.Sub(q.HourlyWindowStartedAt) >= m.policy.Window {
		q.HourlyCallsUsed = 0
		q.HourlyWindowStartedAt = windowStart(now)
	}
}

func (m *Meter) resetInSeconds(q *domain.Quota, now time.Time) int64 {
	remaining := q.HourlyWindowStartedAt.Add(m.policy.Window).Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int64(math.Ceil(remaining.Seconds()))
}

// Check evaluates without consuming and persists any lazy refill.
func (m *Meter) Check(ctx context.Context, agentID string) (Decision, domain.Agent, error) {
	var decision Decision
	agent, err := m.updateQuota(ctx, agentID, func(agent *domain.Agent) error {
		decision = m.Evaluate(&agent.Quota)
		return nil
	})
	if err != nil {
		return Decision{}, domain.Agent{}, err
	}
	return decision, agent, nil
}

// Charge runs evaluate and consume as one atomic step against the agent row.
// A denial is returned as QuotaExhausted or RateLimited carrying the decision.
func (m *Meter) Charge(ctx context.Context, agentID string, costUSD float64) (domain.Charge, Decision, error) {
	var (
		decision Decision
		charge   domain.Charge
	)
	_, err := m.updateQuota(ctx, agentID, func(agent *domain.Agent) error {
		if !agent.IsActive {
			return domain.FailedPrecondition("agent is deactivated")
		}
		decision = m.Evaluate(&agent.Quota)
		if !decision.Allowed {
			return nil
		}
		var consumeErr error
		charge, consumeErr = m.Consume(&agent.Quota, costUSD)
		return consumeErr
	})
	if err != nil {
		return domain.Charge{}, decision, err
	}

	m.metrics.CreditDecision(ctx, decision.Allowed, string(decision.Reason))
	if !decision.Allowed {
		m.log.Info("metered call denied", "agent_id", agentID, "reason", decision.Reason, "reset_in_seconds", decision.ResetInSeconds)
		return domain.Charge{}, decision, deniedError(decision)
	}

	if charge.Kind == domain.ChargeFree && m.ledger != nil {
		if err := m.ledger.RecordFreeTierSpend(ctx, costUSD); err != nil {
			m.log.Error("platform spend accounting failed", "agent_id", agentID, "cost_usd", costUSD, "err", err)
		}
	}
	return charge, decision, nil
}

// RefundCharge returns a previously taken charge to the agent.
func (m *Meter) RefundCharge(ctx context.Context, agentID string, charge domain.Charge) error {
	if charge.Kind == domain.ChargeNone || charge.Refunded {
		return nil
	}
	_, err := m.updateQuota(ctx, agentID, func(agent *domain.Agent) error {
		m.Refund(&agent.Quota, charge)
		return nil
	})
	if err != nil {
		return err
	}
	m.metrics.CreditRefund(ctx, string(charge.Kind))
	if charge.Kind == domain.ChargeFree && m.ledger != nil {
		if err := m.ledger.ReleaseFreeTierSpend(ctx, charge.ExposureDate, charge.CostUSD); err != nil {
			m.log.Error("platform spend release failed", "agent_id", agentID, "cost_usd", charge.CostUSD, "err", err)
		}
	}
	return nil
}

func (m *Meter) AddPaidCredits(ctx context.Context, agentID string, calls int64) (domain.Agent, error) {
	if calls <= 0 {
		return domain.Agent{}, domain.InvalidArgument("calls must be positive")
	}
	return m.updateQuota(ctx, strings.TrimSpace(agentID), func(agent *domain.Agent) error {
		agent.Quota.PaidCallsRemaining += calls
		return nil
	})
}

// updateQuota stamps the agent with the meter clock after a successful mutate.
func (m *Meter) updateQuota(ctx context.Context, agentID string, mutate func(*domain.Agent) error) (domain.Agent, error) {
	return m.store.UpdateAgentQuota(ctx, agentID, func(agent *domain.Agent) error {
		if err := mutate(agent); err != nil {
			return err
		}
		agent.UpdatedAt = m.now().UTC()
		return nil
	})
}

func deniedError(decision Decision) *domain.AppError {
	details := map[string]any{
		"free_calls_remaining": decision.FreeCallsRemaining,
		"paid_calls_remaining": decision.PaidCallsRemaining,
		"reset_in_seconds":     decision.ResetInSeconds,
	}
	if decision.Reason == ReasonHourlyLimit {
		return domain.RateLimited("hourly free-call limit reached", details)
	}
	details["upgrade_required"] = true
	return domain.QuotaExhausted("free and paid credits are exhausted; upgrade required", details)
}
