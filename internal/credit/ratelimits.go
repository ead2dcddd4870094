package credit

import (
	"context"
	"time"
)

const upgradeThreshold = 10

// RateLimitInfo is the caller-facing view of an agent's quota.
type RateLimitInfo struct {
	AgentID              string    `json:"agent_id"`
	FreeCallsRemaining   int64     `json:"free_calls_remaining"`
	FreeCallsTotal       int64     `json:"free_calls_total"`
	HourlyRateLimit      int64     `json:"hourly_rate_limit"`
	HourlyCallsUsed      int64     `json:"hourly_calls_used"`
	HourlyCallsRemaining int64     `json:"hourly_calls_remaining"`
	ResetInSeconds       int64     `json:"reset_in_seconds"`
	WindowResetsAt       time.Time `json:"window_resets_at"`
	PaidCallsRemaining   int64     `json:"paid_calls_remaining"`
	TotalCallsAvailable  int64     `json:"total_calls_available"`
	UpgradeRecommended   bool      `json:"upgrade_recommended"`
	Decision             Decision  `json:"decision"`
}

func (m *Meter) RateLimits(ctx context.Context, agentID string) (RateLimitInfo, error) {
	decision, agent, err := m.Check(ctx, agentID)
	if err != nil {
		return RateLimitInfo{}, err
	}
	q := agent.Quota
	hourlyRemaining := max(q.HourlyRateLimit-q.HourlyCallsUsed, 0)
	return RateLimitInfo{
		AgentID:              agent.ID,
		FreeCallsRemaining:   q.FreeCallsRemaining,
		FreeCallsTotal:       q.FreeCallsTotal,
		HourlyRateLimit:      q.HourlyRateLimit,
		HourlyCallsUsed:      q.HourlyCallsUsed,
		HourlyCallsRemaining: hourlyRemaining,
		ResetInSeconds:       decision.ResetInSeconds,
		WindowResetsAt:       q.HourlyWindowStartedAt.Add(m.policy.Window),
		PaidCallsRemaining:   q.PaidCallsRemaining,
		TotalCallsAvailable:  q.PaidCallsRemaining + min(q.FreeCallsRemaining, hourlyRemaining),
		UpgradeRecommended:   q.FreeCallsRemaining < upgradeThreshold && q.PaidCallsRemaining == 0,
		Decision:             decision,
	}, nil
}
