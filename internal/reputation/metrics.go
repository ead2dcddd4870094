package reputation

import (
	"math"
	"time"

	"github.com/bcrosbie/agentexchange/internal/domain"
)

const day = 24 * time.Hour

// Metrics is the raw performance picture behind a score.
type Metrics struct {
	TotalExecutions      int64   `json:"total_executions"`
	SuccessfulExecutions int64   `json:"successful_executions"`
	FailedExecutions     int64   `json:"failed_executions"`
	TimeoutExecutions    int64   `json:"timeout_executions"`
	SuccessRateOverall   float64 `json:"success_rate_overall"`
	SuccessRate7d        float64 `json:"success_rate_7d"`
	SuccessRate30d       float64 `json:"success_rate_30d"`
	SuccessRate90d       float64 `json:"success_rate_90d"`
	Executions30d        int64   `json:"executions_30d"`
	AvgLatencyMS         int64   `json:"avg_latency_ms"`
	MedianLatencyMS      int64   `json:"median_latency_ms"`
	P95LatencyMS         int64   `json:"p95_latency_ms"`
	CostAccuracy         float64 `json:"cost_accuracy"`
	AvgRating            float64 `json:"avg_rating"`
	RatedExecutions      int64   `json:"rated_executions"`
	UniqueRequesters     int64   `json:"unique_requesters"`
	RepeatRequesters     int64   `json:"repeat_requesters"`
	RepeatRate           float64 `json:"repeat_rate"`
	RevenueUSD           float64 `json:"revenue_usd"`
}

// Collect derives metrics from the sealed records in the input. Window
// success rates fall back to the overall rate when a window is empty.
func Collect(records []domain.ExecutionRecord, now time.Time) Metrics {
	var (
		m             Metrics
		latencySum    int64
		accuracySum   float64
		priced        int
		ratingSum     int64
		revenueMicros int64
		requesters    = map[string]int{}
	)
	cutoff30 := now.Add(-30 * day)
	for _, record := range records {
		if !record.Sealed() {
			continue
		}
		m.TotalExecutions++
		switch record.Outcome {
		case domain.OutcomeSuccess:
			m.SuccessfulExecutions++
			revenueMicros += domain.USDToMicros(record.ActualCostUSD)
		case domain.OutcomeTimeout:
			m.TimeoutExecutions++
		default:
			m.FailedExecutions++
		}
		if !record.SealedAt().Before(cutoff30) {
			m.Executions30d++
		}
		if record.LatencyMS > 0 {
			latencySum += record.LatencyMS
		}
		if record.Status == domain.ExecutionCompleted && record.QuotedCostUSD > 0 {
			accuracySum += 1 - math.Abs(record.ActualCostUSD-record.QuotedCostUSD)/record.QuotedCostUSD
			priced++
		}
		if record.Rating > 0 {
			ratingSum += int64(record.Rating)
			m.RatedExecutions++
		}
		requesters[record.RequesterID]++
	}
	if m.TotalExecutions == 0 {
		m.CostAccuracy = 1
		return m
	}

	m.SuccessRateOverall = float64(m.SuccessfulExecutions) / float64(m.TotalExecutions)
	m.SuccessRate7d = windowSuccessRate(records, now.Add(-7*day), m.SuccessRateOverall)
	m.SuccessRate30d = windowSuccessRate(records, cutoff30, m.SuccessRateOverall)
	m.SuccessRate90d = windowSuccessRate(records, now.Add(-90*day), m.SuccessRateOverall)

	latencies := sortedLatencies(records)
	if len(latencies) > 0 {
		m.AvgLatencyMS = latencySum / int64(len(latencies))
		m.MedianLatencyMS = percentile(latencies, 0.5)
		m.P95LatencyMS = percentile(latencies, 0.95)
	}

	m.CostAccuracy = 1
	if priced > 0 {
		m.CostAccuracy = clamp01(accuracySum / float64(priced))
	}
	if m.RatedExecutions > 0 {
		m.AvgRating = float64(ratingSum) / float64(m.RatedExecutions)
	}

	m.UniqueRequesters = int64(len(requesters))
	for _, count := range requesters {
		if count >= 2 {
			m.RepeatRequesters++
		}
	}
	m.RepeatRate = float64(m.RepeatRequesters) / float64(m.UniqueRequesters)
	m.RevenueUSD = domain.MicrosToUSD(revenueMicros)
	return m
}

func windowSuccessRate(records []domain.ExecutionRecord, since time.Time, fallback float64) float64 {
	var total, succeeded int
	for _, record := range records {
		if !record.Sealed() || record.SealedAt().Before(since) {
			continue
		}
		total++
		if record.Outcome == domain.OutcomeSuccess {
			succeeded++
		}
	}
	if total == 0 {
		return fallback
	}
	return float64(succeeded) / float64(total)
}

// PerformanceIndex condenses metrics into a 0-1000 ranking figure.
func PerformanceIndex(m Metrics) int {
	if m.TotalExecutions == 0 {
		return 0
	}
	index := m.SuccessRateOverall * 300

	switch median := m.MedianLatencyMS; {
	case median < 1000:
		index += 200
	case median < 10000:
		index += 200 * float64(10000-median) / 9000
	}

	index += (1 - float64(m.TimeoutExecutions)/float64(m.TotalExecutions)) * 200
	if m.RatedExecutions > 0 {
		index += m.AvgRating / 5 * 150
	}
	index += math.Min(150, float64(m.Executions30d)/10)
	return int(math.Round(index))
}
