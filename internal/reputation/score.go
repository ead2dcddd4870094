// Package reputation scores executor agents from their sealed execution
// history and keeps a snapshot trail for trend reporting.
package reputation

import (
	"math"
	"slices"
	"time"

	"github.com/bcrosbie/agentexchange/internal/config"
	"github.com/bcrosbie/agentexchange/internal/domain"
)

const (
	LatencyMedian = "median"
	LatencyMean   = "mean"

	// InsufficientHistoryScore is reported for agents below the execution floor.
	InsufficientHistoryScore = 0.5
)

type Weights struct {
	SuccessRate  float64
	ResponseTime float64
	CostAccuracy float64
	RepeatRate   float64
	PeerRating   float64
}

func DefaultWeights() Weights {
	return Weights{SuccessRate: 0.40, ResponseTime: 0.20, CostAccuracy: 0.15, RepeatRate: 0.15, PeerRating: 0.10}
}

type Policy struct {
	Weights         Weights
	MinExecutions   int
	TargetLatencyMS int64
	RecentWindow    time.Duration
	TrendBand       float64
	LatencyMetric   string
}

func DefaultPolicy() Policy {
	return Policy{
		Weights:         DefaultWeights(),
		MinExecutions:   10,
		TargetLatencyMS: 5000,
		RecentWindow:    30 * 24 * time.Hour,
		TrendBand:       0.05,
		LatencyMetric:   LatencyMedian,
	}
}

func PolicyFromConfig(cfg config.Reputation) Policy {
	p := DefaultPolicy()
	if cfg.MinExecutions > 0 {
		p.MinExecutions = cfg.MinExecutions
	}
	if cfg.TargetLatencyMS > 0 {
		p.TargetLatencyMS = cfg.TargetLatencyMS
	}
	if cfg.RecentWindow > 0 {
		p.RecentWindow = cfg.RecentWindow
	}
	if cfg.TrendBand > 0 {
		p.TrendBand = cfg.TrendBand
	}
	if cfg.LatencyMetric == LatencyMean {
		p.LatencyMetric = LatencyMean
	}
	return p
}

// Components are the unweighted inputs of a score, each in [0,1].
type Components struct {
	SuccessRate  float64 `json:"success_rate"`
	ResponseTime float64 `json:"response_time"`
	CostAccuracy float64 `json:"cost_accuracy"`
	RepeatRate   float64 `json:"repeat_rate"`
	PeerRating   float64 `json:"peer_rating"`
}

type Result struct {
	AgentID           string                `json:"agent_id"`
	Score             float64               `json:"reputation_score"`
	Tier              domain.ReputationTier `json:"reputation_tier"`
	SufficientHistory bool                  `json:"sufficient_history"`
	Components        Components            `json:"components"`
	Metrics           Metrics               `json:"metrics"`
	CalculatedAt      time.Time             `json:"calculated_at"`
}

// Calculate scores an agent from its sealed executions. Unsealed records in
// the input are ignored.
func Calculate(agentID string, records []domain.ExecutionRecord, policy Policy, now time.Time) Result {
	metrics := Collect(records, now)
	result := Result{
		AgentID:      agentID,
		Metrics:      metrics,
		CalculatedAt: now.UTC(),
	}
	if metrics.TotalExecutions < int64(policy.MinExecutions) {
		result.Score = InsufficientHistoryScore
		result.Tier = domain.TierUnverified
		return result
	}

	success := metrics.SuccessRateOverall
	if policy.RecentWindow > 0 {
		success = windowSuccessRate(records, now.Add(-policy.RecentWindow), metrics.SuccessRateOverall)
	}
	latency := metrics.MedianLatencyMS
	if policy.LatencyMetric == LatencyMean {
		latency = metrics.AvgLatencyMS
	}
	peer := 0.5
	if metrics.RatedExecutions > 0 {
		peer = metrics.AvgRating / 5
	}
	components := Components{
		SuccessRate:  success,
		ResponseTime: responseScore(policy.TargetLatencyMS, latency),
		CostAccuracy: metrics.CostAccuracy,
		RepeatRate:   metrics.RepeatRate,
		PeerRating:   peer,
	}
	w := policy.Weights
	score := w.SuccessRate*components.SuccessRate +
		w.ResponseTime*components.ResponseTime +
		w.CostAccuracy*components.CostAccuracy +
		w.RepeatRate*components.RepeatRate +
		w.PeerRating*components.PeerRating

	result.Score = round4(clamp01(score))
	result.Tier = TierFor(result.Score, metrics.TotalExecutions, policy.MinExecutions)
	result.SufficientHistory = true
	result.Components = components
	return result
}

func responseScore(targetMS, observedMS int64) float64 {
	if observedMS <= 0 {
		return 1
	}
	return math.Min(1, float64(targetMS)/float64(observedMS))
}

type tierFloor struct {
	tier       domain.ReputationTier
	score      float64
	executions int64
}

var tierFloors = []tierFloor{
	{domain.TierPlatinum, 0.95, 100},
	{domain.TierGold, 0.85, 50},
	{domain.TierSilver, 0.70, 25},
}

// TierFor maps a score and execution volume to a tier. Agents past the
// execution floor that meet no higher bracket are bronze.
func TierFor(score float64, executions int64, minExecutions int) domain.ReputationTier {
	if executions < int64(minExecutions) {
		return domain.TierUnverified
	}
	for _, floor := range tierFloors {
		if score >= floor.score && executions >= floor.executions {
			return floor.tier
		}
	}
	return domain.TierBronze
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func sortedLatencies(records []domain.ExecutionRecord) []int64 {
	out := make([]int64, 0, len(records))
	for _, record := range records {
		if record.Sealed() && record.LatencyMS > 0 {
			out = append(out, record.LatencyMS)
		}
	}
	slices.Sort(out)
	return out
}
