package execution

import (
	"context"
	"time"

	"github.com/bcrosbie/agentexchange/internal/domain"
)

type Stats struct {
	AgentID      string         `json:"agent_id"`
	WindowDays   int            `json:"window_days"`
	Total        int            `json:"total"`
	ByStatus     map[string]int `json:"by_status"`
	ByOutcome    map[string]int `json:"by_outcome"`
	ByCapability map[string]int `json:"by_capability"`
	SuccessRate  float64        `json:"success_rate"`
	AvgLatencyMS int64          `json:"avg_latency_ms"`
	TotalCostUSD float64        `json:"total_cost_usd"`
}

// Summarize aggregates records; success rate and latency only count sealed ones.
func Summarize(agentID string, windowDays int, records []domain.ExecutionRecord) Stats {
	stats := Stats{
		AgentID:      agentID,
		WindowDays:   windowDays,
		ByStatus:     map[string]int{},
		ByOutcome:    map[string]int{},
		ByCapability: map[string]int{},
	}
	var (
		sealed, succeeded, latencyCount int
		latencySum                      int64
		costMicros                      int64
	)
	for _, record := range records {
		stats.Total++
		stats.ByStatus[string(record.Status)]++
		stats.ByCapability[record.Capability]++
		if !record.Sealed() {
			continue
		}
		sealed++
		stats.ByOutcome[string(record.Outcome)]++
		if record.Outcome == domain.OutcomeSuccess {
			succeeded++
		}
		if record.LatencyMS > 0 {
			latencySum += record.LatencyMS
			latencyCount++
		}
		costMicros += domain.USDToMicros(record.ActualCostUSD)
	}
	if sealed > 0 {
		stats.SuccessRate = float64(succeeded) / float64(sealed)
	}
	if latencyCount > 0 {
		stats.AvgLatencyMS = latencySum / int64(latencyCount)
	}
	stats.TotalCostUSD = domain.MicrosToUSD(costMicros)
	return stats
}

// Stats summarizes the executions an agent performed over the last days.
func (t *Tracker) Stats(ctx context.Context, agentID string, days int) (Stats, error) {
	if agentID == "" {
		return Stats{}, domain.InvalidArgument("agent_id is required")
	}
	if days <= 0 {
		days = 30
	}
	records, err := t.store.ListExecutions(ctx, domain.ExecutionFilter{
		ExecutorID: agentID,
		Since:      t.now().UTC().Add(-time.Duration(days) * 24 * time.Hour),
	})
	if err != nil {
		return Stats{}, err
	}
	return Summarize(agentID, days, records), nil
}
