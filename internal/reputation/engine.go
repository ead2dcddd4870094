package reputation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/bcrosbie/agentexchange/internal/events"
	"github.com/bcrosbie/agentexchange/internal/logger"
	"github.com/bcrosbie/agentexchange/internal/telemetry"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type Store interface {
	GetAgent(ctx context.Context, agentID string) (domain.Agent, error)
	ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.ExecutionRecord, error)
	UpdateAgentReputation(ctx context.Context, agentID string, update domain.ReputationUpdate) error
	AppendSnapshot(ctx context.Context, snapshot domain.ReputationSnapshot) error
	ListSnapshots(ctx context.Context, agentID string, since time.Time) ([]domain.ReputationSnapshot, error)
	ListAgentsForRecalculation(ctx context.Context, minNewExecutions int) ([]string, error)
}

type BatchItem struct {
	AgentID string                `json:"agent_id"`
	Score   float64               `json:"reputation_score,omitempty"`
	Tier    domain.ReputationTier `json:"reputation_tier,omitempty"`
	Error   string                `json:"error,omitempty"`
}

type BatchResult struct {
	TotalAgents int         `json:"total_agents"`
	Updated     int         `json:"updated"`
	Failed      int         `json:"failed"`
	Details     []BatchItem `json:"details"`
}

// Report is the analytics view of an agent: its current score plus the
// performance index derived from the same metrics.
type Report struct {
	Result
	PerformanceIndex int `json:"performance_index"`
}

type Engine struct {
	store            Store
	policy           Policy
	workers          int
	minNewExecutions int
	now              func() time.Time
	newID            func() string
	metrics          *telemetry.Metrics
	log              *slog.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithBatch bounds concurrent recalculations and sets how many sealed
// executions since the last snapshot make an agent eligible for a batch run.
func WithBatch(workers, minNewExecutions int) Option {
	return func(e *Engine) {
		e.workers = workers
		e.minNewExecutions = minNewExecutions
	}
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func NewEngine(store Store, policy Policy, opts ...Option) *Engine {
	e := &Engine{
		store:            store,
		policy:           policy,
		workers:          4,
		minNewExecutions: 1,
		now:              time.Now,
		newID:            uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers <= 0 {
		e.workers = 1
	}
	e.log = logger.OrDefault(e.log).With("component", "reputation")
	return e
}

func (e *Engine) Policy() Policy {
	return e.policy
}

// Evaluate scores an agent without persisting anything.
func (e *Engine) Evaluate(ctx context.Context, agentID string) (Result, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Result{}, domain.InvalidArgument("agent_id is required")
	}
	if _, err := e.store.GetAgent(ctx, agentID); err != nil {
		return Result{}, err
	}
	records, err := e.store.ListExecutions(ctx, domain.ExecutionFilter{ExecutorID: agentID, SealedOnly: true})
	if err != nil {
		return Result{}, err
	}
	return Calculate(agentID, records, e.policy, e.now().UTC()), nil
}

// Recalculate scores an agent, writes the result back to the agent and
// appends a snapshot.
func (e *Engine) Recalculate(ctx context.Context, agentID string) (Result, error) {
	result, err := e.Evaluate(ctx, agentID)
	if err != nil {
		e.metrics.Recalculation(ctx, false)
		return Result{}, err
	}
	update := domain.ReputationUpdate{
		Score:           result.Score,
		Tier:            result.Tier,
		SuccessRate:     result.Metrics.SuccessRateOverall,
		TotalExecutions: result.Metrics.TotalExecutions,
		AvgLatencyMS:    result.Metrics.AvgLatencyMS,
		UpdatedAt:       result.CalculatedAt,
	}
	if err := e.store.UpdateAgentReputation(ctx, result.AgentID, update); err != nil {
		e.metrics.Recalculation(ctx, false)
		return Result{}, err
	}
	snapshot := domain.ReputationSnapshot{
		ID:              e.newID(),
		AgentID:         result.AgentID,
		Score:           result.Score,
		Tier:            result.Tier,
		TotalExecutions: result.Metrics.TotalExecutions,
		SuccessRate:     result.Metrics.SuccessRateOverall,
		RecordedAt:      result.CalculatedAt,
	}
	if err := e.store.AppendSnapshot(ctx, snapshot); err != nil {
		e.metrics.Recalculation(ctx, false)
		return Result{}, err
	}
	e.metrics.Recalculation(ctx, true)
	e.log.Debug("reputation recalculated", "agent_id", result.AgentID, "score", result.Score, "tier", result.Tier)
	return result, nil
}

// RecalculateAll recalculates every agent with new sealed executions since its
// last snapshot. Per-agent failures are counted, not returned.
func (e *Engine) RecalculateAll(ctx context.Context) (BatchResult, error) {
	agentIDs, err := e.store.ListAgentsForRecalculation(ctx, e.minNewExecutions)
	if err != nil {
		return BatchResult{}, err
	}
	batch := BatchResult{
		TotalAgents: len(agentIDs),
		Details:     make([]BatchItem, len(agentIDs)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, agentID := range agentIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			item := BatchItem{AgentID: agentID}
			result, err := e.Recalculate(gctx, agentID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				item.Error = err.Error()
				batch.Failed++
				e.log.Warn("reputation recalculation failed", "agent_id", agentID, "err", err)
			} else {
				item.Score = result.Score
				item.Tier = result.Tier
				batch.Updated++
			}
			batch.Details[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return batch, err
	}
	e.log.Info("reputation batch finished", "total", batch.TotalAgents, "updated", batch.Updated, "failed", batch.Failed)
	return batch, nil
}

// Run recalculates in batches every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return domain.InvalidArgument("recalculation interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.RecalculateAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Error("reputation batch failed", "err", err)
			}
		}
	}
}

// Subscribe recalculates the executor of every sealed execution event.
func (e *Engine) Subscribe(ctx context.Context, subscriber events.Subscriber) (func(), error) {
	return subscriber.SubscribeExecutionSealed(ctx, func(ctx context.Context, event events.ExecutionSealed) error {
		_, err := e.Recalculate(ctx, event.ExecutorID)
		return err
	})
}

func (e *Engine) Trend(ctx context.Context, agentID string, days int) (Trend, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Trend{}, domain.InvalidArgument("agent_id is required")
	}
	if days <= 0 {
		days = 30
	}
	history, err := e.store.ListSnapshots(ctx, agentID, e.now().UTC().Add(-time.Duration(days)*day))
	if err != nil {
		return Trend{}, err
	}
	if len(history) == 0 {
		return Trend{}, domain.NotFound("no reputation history for agent " + agentID)
	}
	direction, change := TrendOf(history, e.policy.TrendBand)
	return Trend{
		AgentID:      agentID,
		Days:         days,
		Direction:    direction,
		Change:       change,
		CurrentScore: history[len(history)-1].Score,
		History:      history,
	}, nil
}

func (e *Engine) Report(ctx context.Context, agentID string) (Report, error) {
	result, err := e.Evaluate(ctx, agentID)
	if err != nil {
		return Report{}, err
	}
	return Report{Result: result, PerformanceIndex: PerformanceIndex(result.Metrics)}, nil
}
