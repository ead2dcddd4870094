package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bcrosbie/agentexchange/internal/config"
	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db            *sql.DB
	dsn           string
	runMigrations bool
}

const (
	defaultDBMaxOpenConns    = 25
	defaultDBMaxIdleConns    = 10
	defaultDBConnMaxLifetime = 30 * time.Minute
	defaultDBConnMaxIdleTime = 5 * time.Minute
	defaultDBPingTimeout     = 5 * time.Second

	uniqueViolation = "23505"
)

func NewPostgresStore(cfg config.Store) (*PostgresStore, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return nil, domain.InvalidArgument("DATABASE_URL is required when STORE_DRIVER=postgres")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, domain.Internal("failed to open postgres connection", err)
	}
	db.SetMaxOpenConns(positiveOr(cfg.MaxOpenConns, defaultDBMaxOpenConns))
	db.SetMaxIdleConns(positiveOr(cfg.MaxIdleConns, defaultDBMaxIdleConns))
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = defaultDBConnMaxLifetime
	}
	db.SetConnMaxLifetime(lifetime)
	db.SetConnMaxIdleTime(defaultDBConnMaxIdleTime)

	return &PostgresStore{db: db, dsn: dsn, runMigrations: cfg.RunMigrations}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle. Migrations are the
// caller's responsibility.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, dsn string) error {
	goose.SetBaseFS(migrations)

	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}
	if s.runMigrations {
		if err := RunMigrations(ctx, s.dsn); err != nil {
			return domain.Internal("failed to migrate database", err)
		}
	}
	return s.verifySchemaReady(ctx)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, defaultDBPingTimeout)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return domain.Internal("failed to connect to postgres", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) verifySchemaReady(ctx context.Context) error {
	requiredTables := []string{
		"agents",
		"agent_api_keys",
		"executions",
		"proven_capabilities",
		"reputation_snapshots",
		"ip_signups",
		"platform_spend",
		"disposable_domains",
		"work_orders",
		"referrals",
		"idempotency_keys",
	}

	for _, tableName := range requiredTables {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public."+tableName).Scan(&exists); err != nil {
			return domain.Internal("failed to verify database schema", err)
		}
		if !exists {
			return domain.FailedPrecondition(fmt.Sprintf("required table %q is missing; run database migrations before starting agentexchange", tableName))
		}
	}
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Internal("failed to start transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.Internal("failed to commit transaction", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const agentColumns = `id, name, description, owner_email, capabilities, cost_usd, avg_latency_ms,
	execution_endpoint, wallet_public_key, referral_code,
	free_calls_total, free_calls_remaining, hourly_rate_limit, hourly_calls_used, hourly_window_started_at,
	paid_calls_remaining, daily_spend_exposure_micros, spend_exposure_date,
	reputation_score, reputation_tier, success_rate, total_executions, signup_ip, is_active, created_at, updated_at`

const agentProvenColumn = `COALESCE((
		SELECT jsonb_object_agg(p.capability, p.execution_count)
		FROM proven_capabilities p
		WHERE p.agent_id = agents.id
	), '{}'::jsonb)`

func scanAgent(row rowScanner, withProven bool) (domain.Agent, error) {
	var (
		agent        domain.Agent
		capabilities []byte
		proven       []byte
	)
	dest := []any{
		&agent.ID,
		&agent.Name,
		&agent.Description,
		&agent.OwnerEmail,
		&capabilities,
		&agent.CostUSD,
		&agent.AvgLatencyMS,
		&agent.ExecutionEndpoint,
		&agent.WalletPublicKey,
		&agent.ReferralCode,
		&agent.Quota.FreeCallsTotal,
		&agent.Quota.FreeCallsRemaining,
		&agent.Quota.HourlyRateLimit,
		&agent.Quota.HourlyCallsUsed,
		&agent.Quota.HourlyWindowStartedAt,
		&agent.Quota.PaidCallsRemaining,
		&agent.Quota.DailySpendExposureMicros,
		&agent.Quota.SpendExposureDate,
		&agent.ReputationScore,
		&agent.ReputationTier,
		&agent.SuccessRate,
		&agent.TotalExecutions,
		&agent.SignupIP,
		&agent.IsActive,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	}
	if withProven {
		dest = append(dest, &proven)
	}
	if err := row.Scan(dest...); err != nil {
		return domain.Agent{}, err
	}
	if err := json.Unmarshal(capabilities, &agent.Capabilities); err != nil {
		return domain.Agent{}, fmt.Errorf("decode capabilities: %w", err)
	}
	if len(proven) > 0 {
		if err := json.Unmarshal(proven, &agent.ProvenCapabilities); err != nil {
			return domain.Agent{}, fmt.Errorf("decode proven capabilities: %w", err)
		}
		if len(agent.ProvenCapabilities) == 0 {
			agent.ProvenCapabilities = nil
		}
	}
	agent.Quota.HourlyWindowStartedAt = agent.Quota.HourlyWindowStartedAt.UTC()
	agent.CreatedAt = agent.CreatedAt.UTC()
	agent.UpdatedAt = agent.UpdatedAt.UTC()
	return agent, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent domain.Agent, apiKeyHash string) error {
	capabilities, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return domain.Internal("failed to encode capabilities", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		q := agent.Quota
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (
				id, name, name_key, description, owner_email, capabilities, cost_usd, avg_latency_ms,
				execution_endpoint, wallet_public_key, referral_code,
				free_calls_total, free_calls_remaining, hourly_rate_limit, hourly_calls_used, hourly_window_started_at,
				paid_calls_remaining, daily_spend_exposure_micros, spend_exposure_date,
				reputation_score, reputation_tier, success_rate, total_executions, signup_ip, is_active, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6::jsonb, $7, $8,
				$9, $10, $11,
				$12, $13, $14, $15, $16,
				$17, $18, $19,
				$20, $21, $22, $23, $24, $25, $26, $27
			)
		`, agent.ID, agent.Name, normalizeName(agent.Name), agent.Description, agent.OwnerEmail, string(capabilities), agent.CostUSD, agent.AvgLatencyMS,
			agent.ExecutionEndpoint, agent.WalletPublicKey, agent.ReferralCode,
			q.FreeCallsTotal, q.FreeCallsRemaining, q.HourlyRateLimit, q.HourlyCallsUsed, q.HourlyWindowStartedAt,
			q.PaidCallsRemaining, q.DailySpendExposureMicros, q.SpendExposureDate,
			agent.ReputationScore, string(agent.ReputationTier), agent.SuccessRate, agent.TotalExecutions, agent.SignupIP, agent.IsActive, agent.CreatedAt, agent.UpdatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				if pgErr.ConstraintName == "agents_name_key_key" {
					return duplicateNameError(agent.Name)
				}
				return domain.Conflict("agent already exists")
			}
			return domain.Internal("failed to insert agent", err)
		}

		if apiKeyHash == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_api_keys (key_hash, key_id, agent_id, created_at)
			VALUES ($1, $2, $3, $4)
		`, apiKeyHash, keyIDFromHash(apiKeyHash), agent.ID, agent.CreatedAt); err != nil {
			return domain.Internal("failed to insert agent api key", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+`, `+agentProvenColumn+` FROM agents WHERE id = $1`, agentID)
	agent, err := scanAgent(row, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Agent{}, domain.NotFound("agent not found")
		}
		return domain.Agent{}, domain.Internal("failed to read agent", err)
	}
	return agent, nil
}

func (s *PostgresStore) FindAgentByReferralCode(ctx context.Context, code string) (domain.Agent, bool, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.Agent{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE referral_code = $1`, code)
	agent, err := scanAgent(row, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Agent{}, false, nil
		}
		return domain.Agent{}, false, domain.Internal("failed to read agent by referral code", err)
	}
	return agent, true, nil
}

func (s *PostgresStore) ListAgentsByCapabilities(ctx context.Context, capabilities []string) ([]domain.Agent, error) {
	encoded, err := json.Marshal(capabilities)
	if err != nil {
		return nil, domain.Internal("failed to encode capabilities", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+`, `+agentProvenColumn+`
		FROM agents
		WHERE is_active
		  AND capabilities ?| ARRAY(SELECT jsonb_array_elements_text($1::jsonb))
		ORDER BY id
	`, string(encoded))
	if err != nil {
		return nil, domain.Internal("failed to list agents", err)
	}
	defer rows.Close()

	items := []domain.Agent{}
	for rows.Next() {
		agent, err := scanAgent(rows, true)
		if err != nil {
			return nil, domain.Internal("failed to decode agent row", err)
		}
		items = append(items, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal("failed to iterate agent rows", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateAgentQuota(ctx context.Context, agentID string, mutate func(*domain.Agent) error) (domain.Agent, error) {
	var updated domain.Agent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, agentID)
		agent, err := scanAgent(row, false)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.NotFound("agent not found")
			}
			return domain.Internal("failed to lock agent", err)
		}
		if err := mutate(&agent); err != nil {
			return err
		}

		q := agent.Quota
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents
			SET free_calls_total = $2,
			    free_calls_remaining = $3,
			    hourly_rate_limit = $4,
			    hourly_calls_used = $5,
			    hourly_window_started_at = $6,
			    paid_calls_remaining = $7,
			    daily_spend_exposure_micros = $8,
			    spend_exposure_date = $9,
			    updated_at = $10
			WHERE id = $1
		`, agentID, q.FreeCallsTotal, q.FreeCallsRemaining, q.HourlyRateLimit, q.HourlyCallsUsed, q.HourlyWindowStartedAt,
			q.PaidCallsRemaining, q.DailySpendExposureMicros, q.SpendExposureDate, agent.UpdatedAt); err != nil {
			return domain.Internal("failed to update agent quota", err)
		}
		updated = agent
		return nil
	})
	return updated, err
}

func (s *PostgresStore) UpdateAgentReputation(ctx context.Context, agentID string, update domain.ReputationUpdate) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET reputation_score = $2,
		    reputation_tier = $3,
		    success_rate = $4,
		    total_executions = $5,
		    avg_latency_ms = CASE WHEN $6::bigint > 0 THEN $6::bigint ELSE avg_latency_ms END,
		    updated_at = $7
		WHERE id = $1
	`, agentID, update.Score, string(update.Tier), update.SuccessRate, update.TotalExecutions, update.AvgLatencyMS, update.UpdatedAt)
	if err != nil {
		return domain.Internal("failed to update agent reputation", err)
	}
	return requireAffected(result, "agent not found")
}

func (s *PostgresStore) SetAgentWallet(ctx context.Context, agentID, publicKeyHex string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET wallet_public_key = $2, updated_at = $3 WHERE id = $1
	`, agentID, publicKeyHex, at.UTC())
	if err != nil {
		return domain.Internal("failed to link agent wallet", err)
	}
	return requireAffected(result, "agent not found")
}

func requireAffected(result sql.Result, notFound string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.Internal("failed to read update result", err)
	}
	if affected == 0 {
		return domain.NotFound(notFound)
	}
	return nil
}

func (s *PostgresStore) AuthenticateAgentKey(ctx context.Context, rawKey string) (AgentPrincipal, bool, error) {
	hash := HashAPIKey(rawKey)
	if hash == "" {
		return AgentPrincipal{}, false, nil
	}

	var principal AgentPrincipal
	err := s.db.QueryRowContext(ctx, `
		SELECT k.agent_id, k.key_id
		FROM agent_api_keys k
		JOIN agents a ON a.id = k.agent_id
		WHERE k.key_hash = $1
		  AND k.revoked_at IS NULL
		  AND a.is_active
	`, hash).Scan(&principal.AgentID, &principal.KeyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentPrincipal{}, false, nil
		}
		return AgentPrincipal{}, false, domain.Internal("failed to authenticate agent key", err)
	}
	return principal, true, nil
}

func (s *PostgresStore) SignupCount(ctx context.Context, ip, day string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT count FROM ip_signups WHERE ip = $1 AND day = $2`, ip, day).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, domain.Internal("failed to read signup count", err)
	}
	return count, nil
}

func (s *PostgresStore) IncrementSignup(ctx context.Context, ip, day string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ip_signups (ip, day, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (ip, day) DO UPDATE SET count = ip_signups.count + 1
		RETURNING count
	`, ip, day).Scan(&count)
	if err != nil {
		return 0, domain.Internal("failed to record signup", err)
	}
	return count, nil
}

func (s *PostgresStore) ReleaseSignup(ctx context.Context, ip, day string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE ip_signups SET count = GREATEST(count - 1, 0) WHERE ip = $1 AND day = $2
	`, ip, day); err != nil {
		return domain.Internal("failed to release signup", err)
	}
	return nil
}

func (s *PostgresStore) IsDisposableDomain(ctx context.Context, emailDomain string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM disposable_domains WHERE domain = $1)
	`, strings.ToLower(emailDomain)).Scan(&exists)
	if err != nil {
		return false, domain.Internal("failed to check disposable domain", err)
	}
	return exists, nil
}

func (s *PostgresStore) AddDisposableDomains(ctx context.Context, domains []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, item := range domains {
			item = strings.ToLower(strings.TrimSpace(item))
			if item == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO disposable_domains (domain) VALUES ($1) ON CONFLICT (domain) DO NOTHING
			`, item); err != nil {
				return domain.Internal("failed to insert disposable domain", err)
			}
		}
		return nil
	})
}

const platformSpendColumns = `day, total_free_calls, total_spend_usd, cap_usd, cap_reached, cap_reached_at`

func scanPlatformSpend(row rowScanner) (domain.PlatformSpendRecord, error) {
	var (
		record  domain.PlatformSpendRecord
		reached sql.NullTime
	)
	if err := row.Scan(&record.Date, &record.TotalFreeCalls, &record.TotalSpendUSD, &record.CapUSD, &record.CapReached, &reached); err != nil {
		return domain.PlatformSpendRecord{}, err
	}
	record.CapReachedAt = timePtr(reached)
	return record, nil
}

func (s *PostgresStore) GetPlatformSpend(ctx context.Context, day string) (domain.PlatformSpendRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+platformSpendColumns+` FROM platform_spend WHERE day = $1`, day)
	record, err := scanPlatformSpend(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PlatformSpendRecord{}, false, nil
		}
		return domain.PlatformSpendRecord{}, false, domain.Internal("failed to read platform spend", err)
	}
	return record, true, nil
}

// AddPlatformSpend applies a delta in one upsert. cap_reached never flips back
// once set for the day.
func (s *PostgresStore) AddPlatformSpend(ctx context.Context, delta domain.PlatformSpendDelta) (domain.PlatformSpendRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO platform_spend AS ps (day, total_free_calls, total_spend_usd, cap_usd, cap_reached, cap_reached_at)
		VALUES (
			$1,
			GREATEST($2::bigint, 0),
			GREATEST($3::double precision, 0),
			$4::double precision,
			GREATEST($3::double precision, 0) >= $4::double precision,
			CASE WHEN GREATEST($3::double precision, 0) >= $4::double precision THEN $5::timestamptz END
		)
		ON CONFLICT (day) DO UPDATE SET
			total_free_calls = GREATEST(ps.total_free_calls + $2::bigint, 0),
			total_spend_usd = GREATEST(ps.total_spend_usd + $3::double precision, 0),
			cap_usd = $4::double precision,
			cap_reached = ps.cap_reached OR GREATEST(ps.total_spend_usd + $3::double precision, 0) >= $4::double precision,
			cap_reached_at = CASE
				WHEN ps.cap_reached THEN ps.cap_reached_at
				WHEN GREATEST(ps.total_spend_usd + $3::double precision, 0) >= $4::double precision THEN $5::timestamptz
			END
		RETURNING `+platformSpendColumns,
		delta.Day, delta.FreeCalls, delta.SpendUSD, delta.CapUSD, delta.At.UTC())
	record, err := scanPlatformSpend(row)
	if err != nil {
		return domain.PlatformSpendRecord{}, domain.Internal("failed to record platform spend", err)
	}
	return record, nil
}

const executionColumns = `id, requester_id, executor_id, capability, quoted_cost_usd, actual_cost_usd, latency_ms,
	rating, status, outcome, error_code, error_message, charge, started_at, completed_at`

func scanExecution(row rowScanner) (domain.ExecutionRecord, error) {
	var (
		record      domain.ExecutionRecord
		charge      []byte
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&record.ID,
		&record.RequesterID,
		&record.ExecutorID,
		&record.Capability,
		&record.QuotedCostUSD,
		&record.ActualCostUSD,
		&record.LatencyMS,
		&record.Rating,
		&record.Status,
		&record.Outcome,
		&record.ErrorCode,
		&record.ErrorMessage,
		&charge,
		&record.StartedAt,
		&completedAt,
	); err != nil {
		return domain.ExecutionRecord{}, err
	}
	if len(charge) > 0 {
		if err := json.Unmarshal(charge, &record.Charge); err != nil {
			return domain.ExecutionRecord{}, fmt.Errorf("decode charge: %w", err)
		}
	}
	record.StartedAt = record.StartedAt.UTC()
	record.CompletedAt = timePtr(completedAt)
	return record, nil
}

func (s *PostgresStore) InsertExecution(ctx context.Context, record domain.ExecutionRecord) error {
	charge, err := json.Marshal(record.Charge)
	if err != nil {
		return domain.Internal("failed to encode charge", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (
			id, requester_id, executor_id, capability, quoted_cost_usd, actual_cost_usd, latency_ms,
			rating, status, outcome, error_code, error_message, charge, started_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13::jsonb, $14, $15
		)
	`, record.ID, record.RequesterID, record.ExecutorID, record.Capability, record.QuotedCostUSD, record.ActualCostUSD, record.LatencyMS,
		record.Rating, string(record.Status), string(record.Outcome), record.ErrorCode, record.ErrorMessage, string(charge), record.StartedAt, nullableTime(record.CompletedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.Conflict("execution already exists")
		}
		return domain.Internal("failed to insert execution", err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, executionID string) (domain.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, executionID)
	record, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ExecutionRecord{}, domain.NotFound("execution not found")
		}
		return domain.ExecutionRecord{}, domain.Internal("failed to read execution", err)
	}
	return record, nil
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, executionID string, mutate func(*domain.ExecutionRecord) error) (domain.ExecutionRecord, error) {
	var updated domain.ExecutionRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1 FOR UPDATE`, executionID)
		record, err := scanExecution(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.NotFound("execution not found")
			}
			return domain.Internal("failed to lock execution", err)
		}
		if err := mutate(&record); err != nil {
			return err
		}

		charge, err := json.Marshal(record.Charge)
		if err != nil {
			return domain.Internal("failed to encode charge", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET actual_cost_usd = $2,
			    latency_ms = $3,
			    rating = $4,
			    status = $5,
			    outcome = $6,
			    error_code = $7,
			    error_message = $8,
			    charge = $9::jsonb,
			    completed_at = $10
			WHERE id = $1
		`, executionID, record.ActualCostUSD, record.LatencyMS, record.Rating, string(record.Status), string(record.Outcome),
			record.ErrorCode, record.ErrorMessage, string(charge), nullableTime(record.CompletedAt)); err != nil {
			return domain.Internal("failed to update execution", err)
		}
		updated = record
		return nil
	})
	return updated, err
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	args := []any{}
	conditions := []string{}

	if strings.TrimSpace(filter.ExecutorID) != "" {
		args = append(args, filter.ExecutorID)
		conditions = append(conditions, fmt.Sprintf("executor_id = $%d", len(args)))
	}
	if strings.TrimSpace(filter.RequesterID) != "" {
		args = append(args, filter.RequesterID)
		conditions = append(conditions, fmt.Sprintf("requester_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.SealedOnly {
		conditions = append(conditions, "status IN ('completed', 'failed')")
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conditions = append(conditions, fmt.Sprintf("started_at >= $%d", len(args)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Internal("failed to list executions", err)
	}
	defer rows.Close()

	items := []domain.ExecutionRecord{}
	for rows.Next() {
		record, err := scanExecution(rows)
		if err != nil {
			return nil, domain.Internal("failed to decode execution row", err)
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal("failed to iterate execution rows", err)
	}
	return items, nil
}

func (s *PostgresStore) IncrementProvenCapability(ctx context.Context, agentID, capability string, costUSD float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proven_capabilities AS pc (agent_id, capability, execution_count, avg_cost_usd, last_proven_at)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (agent_id, capability) DO UPDATE SET
			avg_cost_usd = (pc.avg_cost_usd * pc.execution_count + EXCLUDED.avg_cost_usd) / (pc.execution_count + 1),
			execution_count = pc.execution_count + 1,
			last_proven_at = EXCLUDED.last_proven_at
	`, agentID, capability, costUSD, at.UTC())
	if err != nil {
		return domain.Internal("failed to record proven capability", err)
	}
	return nil
}

func (s *PostgresStore) ListProvenCapabilities(ctx context.Context, agentID string) ([]domain.ProvenCapability, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, capability, execution_count, avg_cost_usd, last_proven_at
		FROM proven_capabilities
		WHERE agent_id = $1
		ORDER BY execution_count DESC, capability
	`, agentID)
	if err != nil {
		return nil, domain.Internal("failed to list proven capabilities", err)
	}
	defer rows.Close()

	items := []domain.ProvenCapability{}
	for rows.Next() {
		var item domain.ProvenCapability
		if err := rows.Scan(&item.AgentID, &item.Capability, &item.ExecutionCount, &item.AvgCostUSD, &item.LastProvenAt); err != nil {
			return nil, domain.Internal("failed to decode proven capability row", err)
		}
		item.LastProvenAt = item.LastProvenAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal("failed to iterate proven capability rows", err)
	}
	return items, nil
}

func (s *PostgresStore) AppendSnapshot(ctx context.Context, snapshot domain.ReputationSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reputation_snapshots (id, agent_id, score, tier, total_executions, success_rate, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, snapshot.ID, snapshot.AgentID, snapshot.Score, string(snapshot.Tier), snapshot.TotalExecutions, snapshot.SuccessRate, snapshot.RecordedAt)
	if err != nil {
		return domain.Internal("failed to insert reputation snapshot", err)
	}
	return nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, agentID string, since time.Time) ([]domain.ReputationSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, score, tier, total_executions, success_rate, recorded_at
		FROM reputation_snapshots
		WHERE agent_id = $1 AND recorded_at >= $2
		ORDER BY recorded_at ASC
	`, agentID, since)
	if err != nil {
		return nil, domain.Internal("failed to list reputation snapshots", err)
	}
	defer rows.Close()

	items := []domain.ReputationSnapshot{}
	for rows.Next() {
		var item domain.ReputationSnapshot
		if err := rows.Scan(&item.ID, &item.AgentID, &item.Score, &item.Tier, &item.TotalExecutions, &item.SuccessRate, &item.RecordedAt); err != nil {
			return nil, domain.Internal("failed to decode reputation snapshot row", err)
		}
		item.RecordedAt = item.RecordedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal("failed to iterate reputation snapshot rows", err)
	}
	return items, nil
}

func (s *PostgresStore) ListAgentsForRecalculation(ctx context.Context, minNewExecutions int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.executor_id
		FROM executions e
		LEFT JOIN (
			SELECT agent_id, MAX(recorded_at) AS last_recorded_at
			FROM reputation_snapshots
			GROUP BY agent_id
		) latest ON latest.agent_id = e.executor_id
		WHERE e.status IN ('completed', 'failed')
		  AND (latest.last_recorded_at IS NULL OR COALESCE(e.completed_at, e.started_at) > latest.last_recorded_at)
		GROUP BY e.executor_id
		HAVING COUNT(*) >= $1
		ORDER BY e.executor_id
	`, max(minNewExecutions, 1))
	if err != nil {
		return nil, domain.Internal("failed to list agents for recalculation", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, domain.Internal("failed to decode agent id row", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal("failed to iterate agent id rows", err)
	}
	return ids, nil
}

const workOrderColumns = `id, client_agent_id, worker_agent_id, title, description, budget_usd, status,
	rejection_reason, created_at, accepted_at, completed_at, rejected_at`

func scanWorkOrder(row rowScanner) (domain.WorkOrder, error) {
	var (
		order                             domain.WorkOrder
		acceptedAt, completedAt, rejected sql.NullTime
	)
	if err := row.Scan(
		&order.ID,
		&order.ClientAgentID,
		&order.WorkerAgentID,
		&order.Title,
		&order.Description,
		&order.BudgetUSD,
		&order.Status,
		&order.RejectionReason,
		&order.CreatedAt,
		&acceptedAt,
		&completedAt,
		&rejected,
	); err != nil {
		return domain.WorkOrder{}, err
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.AcceptedAt = timePtr(acceptedAt)
	order.CompletedAt = timePtr(completedAt)
	order.RejectedAt = timePtr(rejected)
	return order, nil
}

func (s *PostgresStore) InsertWorkOrder(ctx context.Context, order domain.WorkOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_orders (`+workOrderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, order.ID, order.ClientAgentID, order.WorkerAgentID, order.Title, order.Description, order.BudgetUSD, string(order.Status),
		order.RejectionReason, order.CreatedAt, nullableTime(order.AcceptedAt), nullableTime(order.CompletedAt), nullableTime(order.RejectedAt))
	if err != nil {
		return domain.Internal("failed to insert work order", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkOrder(ctx context.Context, orderID string) (domain.WorkOrder, error) {
	order, err := scanWorkOrder(s.db.QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id = $1`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WorkOrder{}, domain.NotFound("work order not found")
		}
		return domain.WorkOrder{}, domain.Internal("failed to read work order", err)
	}
	return order, nil
}

func (s *PostgresStore) UpdateWorkOrder(ctx context.Context, orderID string, mutate func(*domain.WorkOrder) error) (domain.WorkOrder, error) {
	var updated domain.WorkOrder
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		order, err := scanWorkOrder(tx.QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id = $1 FOR UPDATE`, orderID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.NotFound("work order not found")
			}
			return domain.Internal("failed to lock work order", err)
		}
		if err := mutate(&order); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE work_orders
			SET status = $2,
			    rejection_reason = $3,
			    accepted_at = $4,
			    completed_at = $5,
			    rejected_at = $6
			WHERE id = $1
		`, orderID, string(order.Status), order.RejectionReason, nullableTime(order.AcceptedAt), nullableTime(order.CompletedAt), nullableTime(order.RejectedAt)); err != nil {
			return domain.Internal("failed to update work order", err)
		}
		updated = order
		return nil
	})
	return updated, err
}

const referralColumns = `id, code, referrer_agent_id, referee_agent_id, status, total_transactions, total_earnings_usd,
	first_transaction_id, created_at, activated_at`

func scanReferral(row rowScanner) (domain.Referral, error) {
	var (
		referral    domain.Referral
		activatedAt sql.NullTime
	)
	if err := row.Scan(
		&referral.ID,
		&referral.Code,
		&referral.ReferrerAgentID,
		&referral.RefereeAgentID,
		&referral.Status,
		&referral.TotalTransactions,
		&referral.TotalEarningsUSD,
		&referral.FirstTransactionID,
		&referral.CreatedAt,
		&activatedAt,
	); err != nil {
		return domain.Referral{}, err
	}
	referral.CreatedAt = referral.CreatedAt.UTC()
	referral.ActivatedAt = timePtr(activatedAt)
	return referral, nil
}

func (s *PostgresStore) InsertReferral(ctx context.Context, referral domain.Referral) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO referrals (`+referralColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, referral.ID, referral.Code, referral.ReferrerAgentID, referral.RefereeAgentID, string(referral.Status), referral.TotalTransactions,
		referral.TotalEarningsUSD, referral.FirstTransactionID, referral.CreatedAt, nullableTime(referral.ActivatedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.Conflict("agent already has a referrer")
		}
		return domain.Internal("failed to insert referral", err)
	}
	return nil
}

func (s *PostgresStore) FindReferralByReferee(ctx context.Context, refereeAgentID string) (domain.Referral, bool, error) {
	referral, err := scanReferral(s.db.QueryRowContext(ctx, `SELECT `+referralColumns+` FROM referrals WHERE referee_agent_id = $1`, refereeAgentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Referral{}, false, nil
		}
		return domain.Referral{}, false, domain.Internal("failed to read referral", err)
	}
	return referral, true, nil
}

func (s *PostgresStore) UpdateReferral(ctx context.Context, referralID string, mutate func(*domain.Referral) error) (domain.Referral, error) {
	var updated domain.Referral
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		referral, err := scanReferral(tx.QueryRowContext(ctx, `SELECT `+referralColumns+` FROM referrals WHERE id = $1 FOR UPDATE`, referralID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.NotFound("referral not found")
			}
			return domain.Internal("failed to lock referral", err)
		}
		if err := mutate(&referral); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE referrals
			SET status = $2,
			    total_transactions = $3,
			    total_earnings_usd = $4,
			    first_transaction_id = $5,
			    activated_at = $6
			WHERE id = $1
		`, referralID, string(referral.Status), referral.TotalTransactions, referral.TotalEarningsUSD,
			referral.FirstTransactionID, nullableTime(referral.ActivatedAt)); err != nil {
			return domain.Internal("failed to update referral", err)
		}
		updated = referral
		return nil
	})
	return updated, err
}

func (s *PostgresStore) ReserveIdempotencyKey(ctx context.Context, scope, idempotencyKey, requestHash string) (IdempotencyRecord, bool, error) {
	scope = strings.TrimSpace(scope)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	requestHash = strings.TrimSpace(requestHash)
	if scope == "" || idempotencyKey == "" || requestHash == "" {
		return IdempotencyRecord{}, false, domain.InvalidArgument("scope, idempotency_key, and request_hash are required")
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (scope, idempotency_key, request_hash, response_json, created_at, completed_at)
		VALUES ($1, $2, $3, '', NOW(), NULL)
		ON CONFLICT (scope, idempotency_key) DO NOTHING
	`, scope, idempotencyKey, requestHash)
	if err != nil {
		return IdempotencyRecord{}, false, domain.Internal("failed to reserve idempotency key", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return IdempotencyRecord{}, false, domain.Internal("failed to read idempotency key reserve result", err)
	}
	if affected > 0 {
		return IdempotencyRecord{}, true, nil
	}

	var record IdempotencyRecord
	if err := s.db.QueryRowContext(ctx, `
		SELECT request_hash, response_json, completed_at IS NOT NULL
		FROM idempotency_keys
		WHERE scope = $1 AND idempotency_key = $2
	`, scope, idempotencyKey).Scan(&record.RequestHash, &record.ResponseJSON, &record.Completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IdempotencyRecord{}, false, domain.NotFound("idempotency key was not found after reserve conflict")
		}
		return IdempotencyRecord{}, false, domain.Internal("failed to read existing idempotency key", err)
	}
	return record, false, nil
}

func (s *PostgresStore) CompleteIdempotencyKey(ctx context.Context, scope, idempotencyKey, responseJSON string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET response_json = $3, completed_at = NOW()
		WHERE scope = $1 AND idempotency_key = $2
	`, strings.TrimSpace(scope), strings.TrimSpace(idempotencyKey), responseJSON)
	if err != nil {
		return domain.Internal("failed to complete idempotency key", err)
	}
	return requireAffected(result, "idempotency key not found")
}

func (s *PostgresStore) ReleaseIdempotencyKey(ctx context.Context, scope, idempotencyKey string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE scope = $1 AND idempotency_key = $2 AND completed_at IS NULL
	`, strings.TrimSpace(scope), strings.TrimSpace(idempotencyKey))
	if err != nil {
		return domain.Internal("failed to release idempotency key", err)
	}
	return nil
}

func nullableTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return value.UTC()
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
