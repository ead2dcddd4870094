// Package execution records the lifecycle of one unit of work performed by an
// executor agent for a requester: processing, then completed or failed.
package execution

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/bcrosbie/agentexchange/internal/events"
	"github.com/bcrosbie/agentexchange/internal/logger"
	"github.com/bcrosbie/agentexchange/internal/telemetry"
	"github.com/google/uuid"
)

const ErrorCodeTimeout = "timeout"

type Store interface {
	InsertExecution(ctx context.Context, record domain.ExecutionRecord) error
	GetExecution(ctx context.Context, executionID string) (domain.ExecutionRecord, error)
	UpdateExecution(ctx context.Context, executionID string, mutate func(*domain.ExecutionRecord) error) (domain.ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.ExecutionRecord, error)
	IncrementProvenCapability(ctx context.Context, agentID, capability string, costUSD float64, at time.Time) error
}

type StartRequest struct {
	RequesterID   string
	ExecutorID    string
	Capability    string
	QuotedCostUSD float64
	Charge        domain.Charge
}

type CompleteRequest struct {
	ExecutionID   string
	Success       bool
	ActualCostUSD float64
	LatencyMS     int64
	// Rating is optional; zero means unrated.
	Rating int
}

type FailRequest struct {
	ExecutionID string
	ErrorCode   string
	Message     string
	LatencyMS   int64
}

// Sealed is the outcome of a terminal transition. RefundDue is the charge the
// caller must return to the requester; its Kind is empty when nothing is owed.
type Sealed struct {
	Record    domain.ExecutionRecord
	RefundDue domain.Charge
}

type Tracker struct {
	store     Store
	publisher events.Publisher
	now       func() time.Time
	newID     func() string
	metrics   *telemetry.Metrics
	log       *slog.Logger
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(t *Tracker) { t.newID = newID }
}

func WithPublisher(publisher events.Publisher) Option {
	return func(t *Tracker) { t.publisher = publisher }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(t *Tracker) { t.metrics = metrics }
}

func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = logger.OrDefault(t.log).With("component", "execution")
	return t
}

func validCost(value float64) bool {
	return domain.ValidUSD(value)
}

func (t *Tracker) Start(ctx context.Context, req StartRequest) (domain.ExecutionRecord, error) {
	req.RequesterID = strings.TrimSpace(req.RequesterID)
	req.ExecutorID = strings.TrimSpace(req.ExecutorID)
	req.Capability = strings.TrimSpace(req.Capability)
	switch {
	case req.RequesterID == "" || req.ExecutorID == "":
		return domain.ExecutionRecord{}, domain.InvalidArgument("requester_id and executor_id are required")
	case req.RequesterID == req.ExecutorID:
		return domain.ExecutionRecord{}, domain.InvalidArgument("an agent cannot execute its own request")
	case req.Capability == "":
		return domain.ExecutionRecord{}, domain.InvalidArgument("capability is required")
	case !validCost(req.QuotedCostUSD):
		return domain.ExecutionRecord{}, domain.InvalidArgument("quoted_cost_usd must be zero or at least one micro-dollar")
	}

	record := domain.ExecutionRecord{
		ID:            "exec_" + t.newID(),
		RequesterID:   req.RequesterID,
		ExecutorID:    req.ExecutorID,
		Capability:    req.Capability,
		QuotedCostUSD: req.QuotedCostUSD,
		Status:        domain.ExecutionProcessing,
		Charge:        req.Charge,
		StartedAt:     t.now().UTC(),
	}
	if err := t.store.InsertExecution(ctx, record); err != nil {
		return domain.ExecutionRecord{}, err
	}
	t.log.Debug("execution started", "execution_id", record.ID, "executor_id", record.ExecutorID, "capability", record.Capability)
	return record, nil
}

// Complete seals a processing execution with the executor's reported result.
func (t *Tracker) Complete(ctx context.Context, req CompleteRequest) (Sealed, error) {
	switch {
	case !validCost(req.ActualCostUSD):
		return Sealed{}, domain.InvalidArgument("actual_cost_usd must be zero or at least one micro-dollar")
	case req.LatencyMS < 0:
		return Sealed{}, domain.InvalidArgument("latency_ms must be non-negative")
	case req.Rating != 0 && (req.Rating < 1 || req.Rating > 5):
		return Sealed{}, domain.InvalidArgument("rating must be between 1 and 5")
	}

	outcome := domain.OutcomeFailure
	if req.Success {
		outcome = domain.OutcomeSuccess
	}
	sealed, err := t.seal(ctx, req.ExecutionID, func(record *domain.ExecutionRecord) {
		record.Status = domain.ExecutionCompleted
		record.Outcome = outcome
		record.ActualCostUSD = req.ActualCostUSD
		record.LatencyMS = req.LatencyMS
		record.Rating = req.Rating
	}, !req.Success)
	if err != nil {
		return Sealed{}, err
	}

	if req.Success {
		record := sealed.Record
		if err := t.store.IncrementProvenCapability(ctx, record.ExecutorID, record.Capability, record.ActualCostUSD, record.SealedAt()); err != nil {
			t.log.Error("proven capability update failed", "execution_id", record.ID, "executor_id", record.ExecutorID, "err", err)
		}
	}
	t.announce(ctx, sealed.Record)
	return sealed, nil
}

// Fail seals a processing execution as failed. An error code of "timeout"
// records a timeout outcome.
func (t *Tracker) Fail(ctx context.Context, req FailRequest) (Sealed, error) {
	code := strings.TrimSpace(req.ErrorCode)
	if code == "" {
		return Sealed{}, domain.InvalidArgument("error_code is required")
	}
	if req.LatencyMS < 0 {
		return Sealed{}, domain.InvalidArgument("latency_ms must be non-negative")
	}

	outcome := domain.OutcomeFailure
	if strings.EqualFold(code, ErrorCodeTimeout) {
		outcome = domain.OutcomeTimeout
	}
	sealed, err := t.seal(ctx, req.ExecutionID, func(record *domain.ExecutionRecord) {
		record.Status = domain.ExecutionFailed
		record.Outcome = outcome
		record.ErrorCode = code
		record.ErrorMessage = strings.TrimSpace(req.Message)
		record.LatencyMS = req.LatencyMS
	}, true)
	if err != nil {
		return Sealed{}, err
	}
	t.announce(ctx, sealed.Record)
	return sealed, nil
}

func (t *Tracker) seal(ctx context.Context, executionID string, apply func(*domain.ExecutionRecord), refund bool) (Sealed, error) {
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return Sealed{}, domain.InvalidArgument("execution_id is required")
	}

	var due domain.Charge
	record, err := t.store.UpdateExecution(ctx, executionID, func(record *domain.ExecutionRecord) error {
		if record.Sealed() {
			return domain.InvalidTransition("execution " + record.ID + " is already " + string(record.Status))
		}
		apply(record)
		completedAt := t.now().UTC()
		record.CompletedAt = &completedAt
		if refund && record.Charge.Kind != domain.ChargeNone && !record.Charge.Refunded {
			due = record.Charge
			record.Charge.Refunded = true
		}
		return nil
	})
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{Record: record, RefundDue: due}, nil
}

func (t *Tracker) announce(ctx context.Context, record domain.ExecutionRecord) {
	t.metrics.ExecutionSealed(ctx, string(record.Outcome), record.LatencyMS)
	t.log.Info("execution sealed",
		"execution_id", record.ID,
		"executor_id", record.ExecutorID,
		"status", record.Status,
		"outcome", record.Outcome,
		"latency_ms", record.LatencyMS,
	)
	if t.publisher == nil {
		return
	}
	event := events.ExecutionSealed{
		ExecutionID: record.ID,
		RequesterID: record.RequesterID,
		ExecutorID:  record.ExecutorID,
		Capability:  record.Capability,
		Status:      string(record.Status),
		Outcome:     string(record.Outcome),
		LatencyMS:   record.LatencyMS,
		SealedAt:    record.SealedAt(),
	}
	if err := t.publisher.PublishExecutionSealed(ctx, event); err != nil {
		t.log.Error("execution event publish failed", "execution_id", record.ID, "err", err)
	}
}

func (t *Tracker) Get(ctx context.Context, executionID string) (domain.ExecutionRecord, error) {
	return t.store.GetExecution(ctx, strings.TrimSpace(executionID))
}

func (t *Tracker) List(ctx context.Context, filter domain.ExecutionFilter) ([]domain.ExecutionRecord, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return t.store.ListExecutions(ctx, filter)
}
