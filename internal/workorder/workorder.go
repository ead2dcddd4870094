// Package workorder tracks requests for work from a client agent to a worker
// agent: pending, then accepted or rejected, and accepted orders complete.
package workorder

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/bcrosbie/agentexchange/internal/logger"
	"github.com/google/uuid"
)

type Store interface {
	GetAgent(ctx context.Context, agentID string) (domain.Agent, error)
	InsertWorkOrder(ctx context.Context, order domain.WorkOrder) error
	GetWorkOrder(ctx context.Context, orderID string) (domain.WorkOrder, error)
	UpdateWorkOrder(ctx context.Context, orderID string, mutate func(*domain.WorkOrder) error) (domain.WorkOrder, error)
}

type CreateRequest struct {
	ClientAgentID string
	WorkerAgentID string
	Title         string
	Description   string
	BudgetUSD     float64
}

type Board struct {
	store Store
	now   func() time.Time
	newID func() string
	log   *slog.Logger
}

type Option func(*Board)

func WithClock(now func() time.Time) Option {
	return func(b *Board) { b.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(b *Board) { b.newID = newID }
}

func WithLogger(log *slog.Logger) Option {
	return func(b *Board) { b.log = log }
}

func NewBoard(store Store, opts ...Option) *Board {
	b := &Board{store: store, now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logger.OrDefault(b.log).With("component", "workorder")
	return b
}

func (b *Board) Create(ctx context.Context, req CreateRequest) (domain.WorkOrder, error) {
	req.ClientAgentID = strings.TrimSpace(req.ClientAgentID)
	req.WorkerAgentID = strings.TrimSpace(req.WorkerAgentID)
	req.Title = strings.TrimSpace(req.Title)
	switch {
	case req.ClientAgentID == "" || req.WorkerAgentID == "":
		return domain.WorkOrder{}, domain.InvalidArgument("client_agent_id and worker_agent_id are required")
	case req.ClientAgentID == req.WorkerAgentID:
		return domain.WorkOrder{}, domain.InvalidArgument("an agent cannot issue a work order to itself")
	case req.Title == "":
		return domain.WorkOrder{}, domain.InvalidArgument("title is required")
	case req.BudgetUSD < 0 || math.IsNaN(req.BudgetUSD) || math.IsInf(req.BudgetUSD, 0):
		return domain.WorkOrder{}, domain.InvalidArgument("budget_usd must be a non-negative number")
	}
	worker, err := b.store.GetAgent(ctx, req.WorkerAgentID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if !worker.IsActive {
		return domain.WorkOrder{}, domain.FailedPrecondition("worker agent is not active")
	}

	order := domain.WorkOrder{
		ID:            "wo_" + b.newID(),
		ClientAgentID: req.ClientAgentID,
		WorkerAgentID: req.WorkerAgentID,
		Title:         req.Title,
		Description:   strings.TrimSpace(req.Description),
		BudgetUSD:     req.BudgetUSD,
		Status:        domain.WorkOrderPending,
		CreatedAt:     b.now().UTC(),
	}
	if err := b.store.InsertWorkOrder(ctx, order); err != nil {
		return domain.WorkOrder{}, err
	}
	b.log.Info("work order created", "work_order_id", order.ID, "client_agent_id", order.ClientAgentID, "worker_agent_id", order.WorkerAgentID)
	return order, nil
}

func (b *Board) Get(ctx context.Context, orderID string) (domain.WorkOrder, error) {
	return b.store.GetWorkOrder(ctx, strings.TrimSpace(orderID))
}

// Accept moves a pending order to accepted. Only the worker may accept.
func (b *Board) Accept(ctx context.Context, orderID, workerAgentID string) (domain.WorkOrder, error) {
	return b.transition(ctx, orderID, workerAgentID, domain.WorkOrderPending, func(order *domain.WorkOrder, at time.Time) {
		order.Status = domain.WorkOrderAccepted
		order.AcceptedAt = &at
	})
}

func (b *Board) Reject(ctx context.Context, orderID, workerAgentID, reason string) (domain.WorkOrder, error) {
	return b.transition(ctx, orderID, workerAgentID, domain.WorkOrderPending, func(order *domain.WorkOrder, at time.Time) {
		order.Status = domain.WorkOrderRejected
		order.RejectionReason = strings.TrimSpace(reason)
		order.RejectedAt = &at
	})
}

func (b *Board) Complete(ctx context.Context, orderID, workerAgentID string) (domain.WorkOrder, error) {
	return b.transition(ctx, orderID, workerAgentID, domain.WorkOrderAccepted, func(order *domain.WorkOrder, at time.Time) {
		order.Status = domain.WorkOrderCompleted
		order.CompletedAt = &at
	})
}

func (b *Board) transition(ctx context.Context, orderID, workerAgentID string, from domain.WorkOrderStatus, apply func(*domain.WorkOrder, time.Time)) (domain.WorkOrder, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.WorkOrder{}, domain.InvalidArgument("work_order_id is required")
	}
	order, err := b.store.UpdateWorkOrder(ctx, orderID, func(order *domain.WorkOrder) error {
		if order.WorkerAgentID != strings.TrimSpace(workerAgentID) {
			return domain.PermissionDenied("only the assigned worker can update this work order")
		}
		if order.Status != from {
			return domain.InvalidTransition("work order " + order.ID + " is " + string(order.Status) + ", expected " + string(from))
		}
		apply(order, b.now().UTC())
		return nil
	})
	if err != nil {
		return domain.WorkOrder{}, err
	}
	b.log.Info("work order updated", "work_order_id", order.ID, "status", order.Status)
	return order, nil
}
