package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/bcrosbie/agentexchange/internal/domain"
)

// Store is the persistence contract used by the service layer. Every
// implementation must make UpdateAgentQuota, UpdateExecution and the
// counter upserts atomic per row.
type Store interface {
	Load(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error

	CreateAgent(ctx context.Context, agent domain.Agent, apiKeyHash string) error
	GetAgent(ctx context.Context, agentID string) (domain.Agent, error)
	FindAgentByReferralCode(ctx context.Context, code string) (domain.Agent, bool, error)
	ListAgentsByCapabilities(ctx context.Context, capabilities []string) ([]domain.Agent, error)
	// UpdateAgentQuota persists the mutated quota and UpdatedAt.
	UpdateAgentQuota(ctx context.Context, agentID string, mutate func(*domain.Agent) error) (domain.Agent, error)
	UpdateAgentReputation(ctx context.Context, agentID string, update domain.ReputationUpdate) error
	SetAgentWallet(ctx context.Context, agentID, publicKeyHex string, at time.Time) error
	AuthenticateAgentKey(ctx context.Context, rawKey string) (AgentPrincipal, bool, error)

	SignupCount(ctx context.Context, ip, day string) (int64, error)
	IncrementSignup(ctx context.Context, ip, day string) (int64, error)
	ReleaseSignup(ctx context.Context, ip, day string) error
	IsDisposableDomain(ctx context.Context, emailDomain string) (bool, error)
	AddDisposableDomains(ctx context.Context, domains []string) error
	GetPlatformSpend(ctx context.Context, day string) (domain.PlatformSpendRecord, bool, error)
	AddPlatformSpend(ctx context.Context, delta domain.PlatformSpendDelta) (domain.PlatformSpendRecord, error)

	InsertExecution(ctx context.Context, record domain.ExecutionRecord) error
	GetExecution(ctx context.Context, executionID string) (domain.ExecutionRecord, error)
	UpdateExecution(ctx context.Context, executionID string, mutate func(*domain.ExecutionRecord) error) (domain.ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.ExecutionRecord, error)
	IncrementProvenCapability(ctx context.Context, agentID, capability string, costUSD float64, at time.Time) error
	ListProvenCapabilities(ctx context.Context, agentID string) ([]domain.ProvenCapability, error)

	AppendSnapshot(ctx context.Context, snapshot domain.ReputationSnapshot) error
	ListSnapshots(ctx context.Context, agentID string, since time.Time) ([]domain.ReputationSnapshot, error)
	ListAgentsForRecalculation(ctx context.Context, minNewExecutions int) ([]string, error)

	InsertWorkOrder(ctx context.Context, order domain.WorkOrder) error
	GetWorkOrder(ctx context.Context, orderID string) (domain.WorkOrder, error)
	UpdateWorkOrder(ctx context.Context, orderID string, mutate func(*domain.WorkOrder) error) (domain.WorkOrder, error)

	InsertReferral(ctx context.Context, referral domain.Referral) error
	FindReferralByReferee(ctx context.Context, refereeAgentID string) (domain.Referral, bool, error)
	UpdateReferral(ctx context.Context, referralID string, mutate func(*domain.Referral) error) (domain.Referral, error)

	ReserveIdempotencyKey(ctx context.Context, scope, idempotencyKey, requestHash string) (IdempotencyRecord, bool, error)
	CompleteIdempotencyKey(ctx context.Context, scope, idempotencyKey, responseJSON string) error
	ReleaseIdempotencyKey(ctx context.Context, scope, idempotencyKey string) error
}

type AgentPrincipal struct {
	AgentID string
	KeyID   string
}

// IdempotencyRecord guards metered calls against double charging on client retries.
type IdempotencyRecord struct {
	RequestHash  string
	ResponseJSON string
	Completed    bool
}

// HashAPIKey is the only form in which agent keys are persisted.
func HashAPIKey(rawKey string) string {
	clean := strings.TrimSpace(rawKey)
	if clean == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(clean))
	return hex.EncodeToString(hash[:])
}

func keyIDFromHash(hash string) string {
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return "ak_" + hash
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
