package service

import (
	"context"
	"strings"

	"github.com/bcrosbie/agentexchange/internal/credit"
	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/bcrosbie/agentexchange/internal/execution"
	"github.com/bcrosbie/agentexchange/internal/settlement"
)

const defaultListLimit = 50

type StartExecutionRequest struct {
	ExecutorID    string  `json:"executor_id"`
	Capability    string  `json:"capability"`
	QuotedCostUSD float64 `json:"quoted_cost_usd"`
}

type StartExecutionResponse struct {
	Execution domain.ExecutionRecord `json:"execution"`
	Decision  credit.Decision        `json:"decision"`
}

type CompleteExecutionRequest struct {
	ExecutionID   string  `json:"execution_id"`
	Success       bool    `json:"success"`
	ActualCostUSD float64 `json:"actual_cost_usd"`
	LatencyMS     int64   `json:"latency_ms"`
	Rating        int     `json:"rating"`
}

type FailExecutionRequest struct {
	ExecutionID string `json:"execution_id"`
	ErrorCode   string `json:"error_code"`
	Message     string `json:"message"`
	LatencyMS   int64  `json:"latency_ms"`
}

// ExecutionResult is a sealed execution plus what sealing it cost or returned.
type ExecutionResult struct {
	Execution  domain.ExecutionRecord `json:"execution"`
	Refunded   bool                   `json:"refunded"`
	Settlement *settlement.Split      `json:"settlement,omitempty"`
}

type ListExecutionsRequest struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role"`
	Status  string `json:"status"`
	Limit   int    `json:"limit"`
}

// StartExecution charges the caller one credit and opens an execution on the
// executor. The charge is returned if the execution cannot be recorded.
func (s *MarketService) StartExecution(ctx context.Context, callerID string, req StartExecutionRequest) (StartExecutionResponse, error) {
	callerID, err := requireCaller(callerID)
	if err != nil {
		return StartExecutionResponse{}, err
	}
	req.ExecutorID = strings.TrimSpace(req.ExecutorID)
	req.Capability = strings.ToLower(strings.TrimSpace(req.Capability))
	switch {
	case req.ExecutorID == "":
		return StartExecutionResponse{}, domain.InvalidArgument("executor_id is required")
	case req.ExecutorID == callerID:
		return StartExecutionResponse{}, domain.InvalidArgument("an agent cannot execute its own request")
	case req.Capability == "":
		return StartExecutionResponse{}, domain.InvalidArgument("capability is required")
	case req.QuotedCostUSD < 0:
		return StartExecutionResponse{}, domain.InvalidArgument("quoted_cost_usd must be non-negative")
	}

	executor, err := s.store.GetAgent(ctx, req.ExecutorID)
	if err != nil {
		return StartExecutionResponse{}, err
	}
	if !executor.IsActive {
		return StartExecutionResponse{}, domain.FailedPrecondition("executor is not active")
	}
	if !executor.HasCapability(req.Capability) {
		return StartExecutionResponse{}, domain.FailedPrecondition("executor does not offer capability " + req.Capability)
	}
	if req.QuotedCostUSD == 0 {
		req.QuotedCostUSD = executor.CostUSD
	}

	charge, decision, err := s.meter.Charge(ctx, callerID, req.QuotedCostUSD)
	if err != nil {
		return StartExecutionResponse{}, err
	}
	record, err := s.tracker.Start(ctx, execution.StartRequest{
		RequesterID:   callerID,
		ExecutorID:    executor.ID,
		Capability:    req.Capability,
		QuotedCostUSD: req.QuotedCostUSD,
		Charge:        charge,
	})
	if err != nil {
		if refundErr := s.meter.RefundCharge(ctx, callerID, charge); refundErr != nil {
			s.log.Error("charge refund after failed start failed", "agent_id", callerID, "err", refundErr)
		}
		return StartExecutionResponse{}, err
	}
	return StartExecutionResponse{Execution: record, Decision: decision}, nil
}

func (s *MarketService) participant(ctx context.Context, callerID, executionID string, allowRequester bool) error {
	record, err := s.tracker.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if record.ExecutorID == callerID || (allowRequester && record.RequesterID == callerID) {
		return nil
	}
	return domain.PermissionDenied("caller is not a participant in this execution")
}

// CompleteExecution seals an execution with the executor's result. A
// successful priced execution is settled; an unsuccessful one refunds the
// requester's credit.
func (s *MarketService) CompleteExecution(ctx context.Context, callerID string, req CompleteExecutionRequest) (ExecutionResult, error) {
	callerID, err := requireCaller(callerID)
	if err != nil {
		return ExecutionResult{}, err
	}
	req.ExecutionID = strings.TrimSpace(req.ExecutionID)
	if req.ExecutionID == "" {
		return ExecutionResult{}, domain.InvalidArgument("execution_id is required")
	}
	if err := s.participant(ctx, callerID, req.ExecutionID, false); err != nil {
		return ExecutionResult{}, err
	}

	sealed, err := s.tracker.Complete(ctx, execution.CompleteRequest{
		ExecutionID:   req.ExecutionID,
		Success:       req.Success,
		ActualCostUSD: req.ActualCostUSD,
		LatencyMS:     req.LatencyMS,
		Rating:        req.Rating,
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	result, err := s.afterSeal(ctx, sealed)
	if err != nil {
		return result, err
	}
	if sealed.Record.Outcome == domain.OutcomeSuccess && sealed.Record.ActualCostUSD > 0 {
		split, err := s.settle(ctx, sealed.Record)
		if err != nil {
			return result, err
		}
		result.Settlement = &split
	}
	return result, nil
}

// FailExecution seals an execution as failed and refunds the requester.
// Either participant may report the failure.
func (s *MarketService) FailExecution(ctx context.Context, callerID string, req FailExecutionRequest) (ExecutionResult, error) {
	callerID, err := requireCaller(callerID)
	if err != nil {
		return ExecutionResult{}, err
	}
	req.ExecutionID = strings.TrimSpace(req.ExecutionID)
	if req.ExecutionID == "" {
		return ExecutionResult{}, domain.InvalidArgument("execution_id is required")
	}
	if err := s.participant(ctx, callerID, req.ExecutionID, true); err != nil {
		return ExecutionResult{}, err
	}

	sealed, err := s.tracker.Fail(ctx, execution.FailRequest{
		ExecutionID: req.ExecutionID,
		ErrorCode:   req.ErrorCode,
		Message:     req.Message,
		LatencyMS:   req.LatencyMS,
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	return s.afterSeal(ctx, sealed)
}

func (s *MarketService) afterSeal(ctx context.Context, sealed execution.Sealed) (ExecutionResult, error) {
	result := ExecutionResult{Execution: sealed.Record}
	if sealed.RefundDue.Kind == domain.ChargeNone {
		return result, nil
	}
	if err := s.meter.RefundCharge(ctx, sealed.Record.RequesterID, sealed.RefundDue); err != nil {
		s.log.Error("execution refund failed", "execution_id", sealed.Record.ID, "agent_id", sealed.Record.RequesterID, "err", err)
		return result, err
	}
	result.Refunded = true
	return result, nil
}

// settle splits the actual cost of a successful execution. When the executor
// was referred, the split and the referral totals are updated together.
func (s *MarketService) settle(ctx context.Context, record domain.ExecutionRecord) (settlement.Split, error) {
	referral, ok, err := s.store.FindReferralByReferee(ctx, record.ExecutorID)
	if err != nil {
		return settlement.Split{}, err
	}
	var split settlement.Split
	if !ok {
		split, err = s.calculator.Settle(record.ActualCostUSD)
		if err != nil {
			return settlement.Split{}, err
		}
	} else {
		now := s.now().UTC()
		_, err = s.store.UpdateReferral(ctx, referral.ID, func(r *domain.Referral) error {
			var splitErr error
			split, splitErr = s.calculator.SettleFor(record.ActualCostUSD, r)
			if splitErr != nil {
				return splitErr
			}
			settlement.ApplyTransaction(r, record.ID, split, now)
			return nil
		})
		if err != nil {
			return settlement.Split{}, err
		}
	}
	s.metrics.PlatformFee(ctx, split.PlatformFeeUSD)
	s.log.Info("execution settled",
		"execution_id", record.ID,
		"amount_usd", split.AmountUSD,
		"platform_fee_usd", split.PlatformFeeUSD,
		"referral_applied", split.ReferralApplied,
	)
	return split, nil
}

func (s *MarketService) GetExecution(ctx context.Context, callerID, executionID string) (domain.ExecutionRecord, error) {
	callerID, err := requireCaller(callerID)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return domain.ExecutionRecord{}, domain.InvalidArgument("execution_id is required")
	}
	if err := s.participant(ctx, callerID, executionID, true); err != nil {
		return domain.ExecutionRecord{}, err
	}
	return s.tracker.Get(ctx, executionID)
}

// ListAgentExecutions lists executions where the agent is the executor, or
// the requester when Role is "requester".
func (s *MarketService) ListAgentExecutions(ctx context.Context, req ListExecutionsRequest) ([]domain.ExecutionRecord, error) {
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		return nil, domain.InvalidArgument("agent_id is required")
	}
	filter := domain.ExecutionFilter{Limit: req.Limit}
	switch strings.ToLower(strings.TrimSpace(req.Role)) {
	case "", "executor":
		filter.ExecutorID = req.AgentID
	case "requester":
		filter.RequesterID = req.AgentID
	default:
		return nil, domain.InvalidArgument("role must be executor or requester")
	}
	switch status := domain.ExecutionStatus(strings.ToLower(strings.TrimSpace(req.Status))); status {
	case "":
	case domain.ExecutionProcessing, domain.ExecutionCompleted, domain.ExecutionFailed:
		filter.Status = status
	default:
		return nil, domain.InvalidArgument("status must be processing, completed or failed")
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	return s.tracker.List(ctx, filter)
}

func (s *MarketService) ExecutionStats(ctx context.Context, agentID string, days int) (execution.Stats, error) {
	return s.tracker.Stats(ctx, strings.TrimSpace(agentID), days)
}
