package reputation

import "github.com/bcrosbie/agentexchange/internal/domain"

type Direction string

const (
	TrendImproving        Direction = "improving"
	TrendDeclining        Direction = "declining"
	TrendStable           Direction = "stable"
	TrendInsufficientData Direction = "insufficient_data"
)

type Trend struct {
	AgentID      string                      `json:"agent_id"`
	Days         int                         `json:"days"`
	Direction    Direction                   `json:"trend"`
	Change       float64                     `json:"change"`
	CurrentScore float64                     `json:"current_score"`
	History      []domain.ReputationSnapshot `json:"history"`
}

// TrendOf compares the first and last snapshot of an ascending history.
// Changes within band are stable.
func TrendOf(history []domain.ReputationSnapshot, band float64) (Direction, float64) {
	if len(history) < 2 {
		return TrendInsufficientData, 0
	}
	change := round4(history[len(history)-1].Score - history[0].Score)
	switch {
	case change > band:
		return TrendImproving, change
	case change < -band:
		return TrendDeclining, change
	default:
		return TrendStable, change
	}
}
