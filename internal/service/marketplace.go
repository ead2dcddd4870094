package service

import (
	"context"
	"strings"

	"github.com/bcrosbie/agentexchange/internal/discovery"
	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/bcrosbie/agentexchange/internal/reputation"
	"github.com/bcrosbie/agentexchange/internal/workorder"
)

type CreateWorkOrderRequest struct {
	WorkerAgentID string  `json:"worker_agent_id"`
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	BudgetUSD     float64 `json:"budget_usd"`
}

type WorkOrderActionRequest struct {
	WorkOrderID string `json:"work_order_id"`
	Reason      string `json:"reason"`
}

func (s *MarketService) Discover(ctx context.Context, req discovery.Request) (discovery.Result, error) {
	req.Capabilities = normalizeCapabilities(req.Capabilities)
	return s.matcher.Discover(ctx, req)
}

func (s *MarketService) VerifyAgent(ctx context.Context, agentID string) (discovery.Verification, error) {
	return s.matcher.VerifyAgent(ctx, agentID)
}

func (s *MarketService) GetReputation(ctx context.Context, agentID string) (reputation.Report, error) {
	return s.engine.Report(ctx, agentID)
}

func (s *MarketService) RecalculateReputation(ctx context.Context, agentID string) (reputation.Result, error) {
	return s.engine.Recalculate(ctx, agentID)
}

func (s *MarketService) RecalculateAll(ctx context.Context) (reputation.BatchResult, error) {
	return s.engine.RecalculateAll(ctx)
}

func (s *MarketService) ReputationTrend(ctx context.Context, agentID string, days int) (reputation.Trend, error) {
	return s.engine.Trend(ctx, agentID, days)
}

// CreateWorkOrder offers work from the caller to another agent.
func (s *MarketService) CreateWorkOrder(ctx context.Context, callerID string, req CreateWorkOrderRequest) (domain.WorkOrder, error) {
	callerID, err := requireCaller(callerID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	return s.board.Create(ctx, workorder.CreateRequest{
		ClientAgentID: callerID,
		WorkerAgentID: req.WorkerAgentID,
		Title:         req.Title,
		Description:   req.Description,
		BudgetUSD:     req.BudgetUSD,
	})
}

func (s *MarketService) AcceptWorkOrder(ctx context.Context, callerID string, req WorkOrderActionRequest) (domain.WorkOrder, error) {
	callerID, err := requireCaller(callerID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	return s.board.Accept(ctx, req.WorkOrderID, callerID)
}

func (s *MarketService) RejectWorkOrder(ctx context.Context, callerID string, req WorkOrderActionRequest) (domain.WorkOrder, error) {
	callerID, err := requireCaller(callerID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	return s.board.Reject(ctx, req.WorkOrderID, callerID, req.Reason)
}

func (s *MarketService) CompleteWorkOrder(ctx context.Context, callerID string, req WorkOrderActionRequest) (domain.WorkOrder, error) {
	callerID, err := requireCaller(callerID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	return s.board.Complete(ctx, req.WorkOrderID, callerID)
}

// GetWorkOrder is visible to the two parties of the order only.
func (s *MarketService) GetWorkOrder(ctx context.Context, callerID, orderID string) (domain.WorkOrder, error) {
	callerID, err := requireCaller(callerID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if strings.TrimSpace(orderID) == "" {
		return domain.WorkOrder{}, domain.InvalidArgument("work_order_id is required")
	}
	order, err := s.board.Get(ctx, orderID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if order.ClientAgentID != callerID && order.WorkerAgentID != callerID {
		return domain.WorkOrder{}, domain.NotFound("work order not found")
	}
	return order, nil
}
