package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var agentColumnNames = []string{
	"id", "name", "description", "owner_email", "capabilities", "cost_usd", "avg_latency_ms",
	"execution_endpoint", "wallet_public_key", "referral_code",
	"free_calls_total", "free_calls_remaining", "hourly_rate_limit", "hourly_calls_used", "hourly_window_started_at",
	"paid_calls_remaining", "daily_spend_exposure_micros", "spend_exposure_date",
	"reputation_score", "reputation_tier", "success_rate", "total_executions", "signup_ip", "is_active", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func agentRowValues(id string, window time.Time) []driver.Value {
	return []driver.Value{
		id, "Summarizer", "", "owner@example.com", []byte(`["summarize"]`), 0.01, int64(800),
		"https://agent.example.com", "", "REF-ABCD1234",
		int64(50), int64(50), int64(5), int64(0), window,
		int64(0), int64(0), "",
		0.5, "unverified", 0.0, int64(0), "203.0.113.7", true, window, window,
	}
}

func TestPostgresUpdateAgentQuotaLocksAndWrites(t *testing.T) {
	s, mock := newMockStore(t)
	window := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	stamped := window.Add(90 * time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM agents WHERE id = $1 FOR UPDATE")).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows(agentColumnNames).AddRow(agentRowValues("a1", window)...))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE agents")).
		WithArgs("a1", 50, 49, 5, 1, window, 0, sqlmock.AnyArg(), sqlmock.AnyArg(), stamped).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	agent, err := s.UpdateAgentQuota(context.Background(), "a1", func(agent *domain.Agent) error {
		agent.Quota.FreeCallsRemaining--
		agent.Quota.HourlyCallsUsed++
		agent.UpdatedAt = stamped
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(49), agent.Quota.FreeCallsRemaining)
	assert.Equal(t, stamped, agent.UpdatedAt)
	assert.Equal(t, []string{"summarize"}, agent.Capabilities)
	assert.Equal(t, domain.TierUnverified, agent.ReputationTier)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateAgentQuotaRollsBackOnMutateError(t *testing.T) {
	s, mock := newMockStore(t)
	window := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows(agentColumnNames).AddRow(agentRowValues("a1", window)...))
	mock.ExpectRollback()

	_, err := s.UpdateAgentQuota(context.Background(), "a1", func(*domain.Agent) error {
		return domain.FailedPrecondition("agent is deactivated")
	})
	assert.True(t, domain.HasCode(err, domain.CodeFailedPrecondition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetAgentWalletUsesCallerTime(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE agents SET wallet_public_key = $2, updated_at = $3 WHERE id = $1")).
		WithArgs("a1", "ab12", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE agents SET wallet_public_key")).
		WithArgs("ghost", "ab12", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.SetAgentWallet(context.Background(), "a1", "ab12", at))
	err := s.SetAgentWallet(context.Background(), "ghost", "ab12", at)
	assert.True(t, domain.HasCode(err, domain.CodeNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetAgentNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM agents WHERE id = $1")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetAgent(context.Background(), "ghost")
	assert.True(t, domain.HasCode(err, domain.CodeNotFound))
}

func TestPostgresGetAgentDecodesProvenCapabilities(t *testing.T) {
	s, mock := newMockStore(t)
	window := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	values := append(agentRowValues("a1", window), []byte(`{"summarize": 12}`))

	mock.ExpectQuery(regexp.QuoteMeta("jsonb_object_agg")).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows(append(append([]string{}, agentColumnNames...), "proven")).AddRow(values...))

	agent, err := s.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), agent.ProvenCapabilities["summarize"])
}

func TestPostgresCreateAgentMapsDuplicateName(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agents")).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "agents_name_key_key"})
	mock.ExpectRollback()

	err := s.CreateAgent(context.Background(), testAgent("a1", "Summarizer"), HashAPIKey("agx_live_00"))
	appErr, ok := domain.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ReasonDuplicateName, appErr.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateAgentStoresKeyHash(t *testing.T) {
	s, mock := newMockStore(t)
	hash := HashAPIKey("agx_live_00")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agents")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agent_api_keys")).
		WithArgs(hash, keyIDFromHash(hash), "a1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.CreateAgent(context.Background(), testAgent("a1", "Summarizer"), hash))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAddPlatformSpendReturnsRecord(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO platform_spend")).
		WithArgs("2026-03-14", 1, 0.005, 50.0, at).
		WillReturnRows(sqlmock.NewRows([]string{"day", "total_free_calls", "total_spend_usd", "cap_usd", "cap_reached", "cap_reached_at"}).
			AddRow("2026-03-14", int64(10001), 50.005, 50.0, true, at))

	record, err := s.AddPlatformSpend(context.Background(), domain.PlatformSpendDelta{
		Day: "2026-03-14", FreeCalls: 1, SpendUSD: 0.005, CapUSD: 50, At: at,
	})
	require.NoError(t, err)
	assert.True(t, record.CapReached)
	require.NotNil(t, record.CapReachedAt)
	assert.True(t, record.CapReachedAt.Equal(at))
}

func TestPostgresIncrementSignupReturnsCount(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ip_signups")).
		WithArgs("198.51.100.4", "2026-03-14").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))

	count, err := s.IncrementSignup(context.Background(), "198.51.100.4", "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestPostgresReserveIdempotencyKeyConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WithArgs("start_execution", "k1", "h1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT request_hash, response_json, completed_at IS NOT NULL")).
		WithArgs("start_execution", "k1").
		WillReturnRows(sqlmock.NewRows([]string{"request_hash", "response_json", "completed"}).AddRow("h1", `{"id":"e1"}`, true))

	record, reserved, err := s.ReserveIdempotencyKey(context.Background(), "start_execution", "k1", "h1")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.True(t, record.Completed)
	assert.Equal(t, `{"id":"e1"}`, record.ResponseJSON)
}

func TestPostgresReleaseSignupFloorsAtZero(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ip_signups SET count = GREATEST(count - 1, 0) WHERE ip = $1 AND day = $2")).
		WithArgs("198.51.100.4", "2026-03-14").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.ReleaseSignup(context.Background(), "198.51.100.4", "2026-03-14"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListExecutionsBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)
	started := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	done := started.Add(2 * time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE executor_id = $1 AND status IN ('completed', 'failed') ORDER BY started_at DESC, id DESC LIMIT $2")).
		WithArgs("a1", 20).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "requester_id", "executor_id", "capability", "quoted_cost_usd", "actual_cost_usd", "latency_ms",
			"rating", "status", "outcome", "error_code", "error_message", "charge", "started_at", "completed_at",
		}).AddRow("e1", "a2", "a1", "summarize", 0.01, 0.012, int64(2000), 4, "completed", "success", "", "",
			[]byte(`{"kind":"free","cost_usd":0.01}`), started, done))

	items, err := s.ListExecutions(context.Background(), domain.ExecutionFilter{ExecutorID: "a1", SealedOnly: true, Limit: 20})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.OutcomeSuccess, items[0].Outcome)
	assert.Equal(t, domain.ChargeFree, items[0].Charge.Kind)
	require.NotNil(t, items[0].CompletedAt)
	assert.True(t, items[0].CompletedAt.Equal(done))
}

func TestPostgresVerifySchemaReportsMissingTable(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT to_regclass($1) IS NOT NULL")).
		WithArgs("public.agents").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := s.verifySchemaReady(context.Background())
	assert.True(t, domain.HasCode(err, domain.CodeFailedPrecondition))
}
