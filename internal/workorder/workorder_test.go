package workorder

import (
	"context"
	"testing"
	"time"

	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/bcrosbie/agentexchange/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBoard(t *testing.T) (*Board, *store.FileStore) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateAgent(ctx, domain.Agent{ID: "client", Name: "client", IsActive: true}, ""))
	require.NoError(t, s.CreateAgent(ctx, domain.Agent{ID: "worker", Name: "worker", IsActive: true}, ""))
	require.NoError(t, s.CreateAgent(ctx, domain.Agent{ID: "retired", Name: "retired"}, ""))
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	return NewBoard(s,
		WithClock(func() time.Time { return now }),
		WithIDGenerator(func() string { return "1" }),
	), s
}

func create(t *testing.T, b *Board) domain.WorkOrder {
	t.Helper()
	order, err := b.Create(context.Background(), CreateRequest{
		ClientAgentID: "client",
		WorkerAgentID: "worker",
		Title:         "  Translate docs ",
		BudgetUSD:     12.5,
	})
	require.NoError(t, err)
	return order
}

func TestCreateWorkOrder(t *testing.T) {
	b, _ := newBoard(t)
	order := create(t, b)
	assert.Equal(t, "wo_1", order.ID)
	assert.Equal(t, "Translate docs", order.Title)
	assert.Equal(t, domain.WorkOrderPending, order.Status)
}

func TestCreateValidation(t *testing.T) {
	b, _ := newBoard(t)
	ctx := context.Background()

	_, err := b.Create(ctx, CreateRequest{ClientAgentID: "client", WorkerAgentID: "client", Title: "x"})
	assert.True(t, domain.HasCode(err, domain.CodeInvalidArgument))
	_, err = b.Create(ctx, CreateRequest{ClientAgentID: "client", WorkerAgentID: "worker", Title: "x", BudgetUSD: -1})
	assert.True(t, domain.HasCode(err, domain.CodeInvalidArgument))
	_, err = b.Create(ctx, CreateRequest{ClientAgentID: "client", WorkerAgentID: "ghost", Title: "x"})
	assert.True(t, domain.HasCode(err, domain.CodeNotFound))
	_, err = b.Create(ctx, CreateRequest{ClientAgentID: "client", WorkerAgentID: "retired", Title: "x"})
	assert.True(t, domain.HasCode(err, domain.CodeFailedPrecondition))
}

func TestAcceptThenComplete(t *testing.T) {
	b, _ := newBoard(t)
	ctx := context.Background()
	order := create(t, b)

	_, err := b.Complete(ctx, order.ID, "worker")
	assert.True(t, domain.HasCode(err, domain.CodeInvalidTransition))

	accepted, err := b.Accept(ctx, order.ID, "worker")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderAccepted, accepted.Status)
	require.NotNil(t, accepted.AcceptedAt)

	completed, err := b.Complete(ctx, order.ID, "worker")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)
}

func TestInvalidTransitionsLeaveOrderUnchanged(t *testing.T) {
	b, _ := newBoard(t)
	ctx := context.Background()
	order := create(t, b)

	rejected, err := b.Reject(ctx, order.ID, "worker", "too busy")
	require.NoError(t, err)
	assert.Equal(t, "too busy", rejected.RejectionReason)

	_, err = b.Accept(ctx, order.ID, "worker")
	assert.True(t, domain.HasCode(err, domain.CodeInvalidTransition))
	_, err = b.Reject(ctx, order.ID, "worker", "again")
	assert.True(t, domain.HasCode(err, domain.CodeInvalidTransition))

	after, err := b.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, rejected, after)
}

func TestOnlyWorkerMayRespond(t *testing.T) {
	b, _ := newBoard(t)
	order := create(t, b)
	_, err := b.Accept(context.Background(), order.ID, "client")
	assert.True(t, domain.HasCode(err, domain.CodePermissionDenied))
}
