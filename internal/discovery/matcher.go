// Package discovery ranks active agents that can serve a set of capabilities.
package discovery

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/bcrosbie/agentexchange/internal/cache"
	"github.com/bcrosbie/agentexchange/internal/config"
	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/bcrosbie/agentexchange/internal/logger"
	"github.com/bcrosbie/agentexchange/internal/telemetry"
)

type Store interface {
	GetAgent(ctx context.Context, agentID string) (domain.Agent, error)
	ListAgentsByCapabilities(ctx context.Context, capabilities []string) ([]domain.Agent, error)
}

// FeeCalculator prices the platform's cut of an estimated transaction.
type FeeCalculator interface {
	PlatformFee(amountUSD float64) float64
}

type Constraints struct {
	MaxCostUSD    *float64 `json:"max_cost_usd,omitempty"`
	MinReputation *float64 `json:"min_reputation,omitempty"`
	MaxLatencyMS  *int64   `json:"max_latency_ms,omitempty"`
}

type Request struct {
	Capabilities []string    `json:"capabilities"`
	Constraints  Constraints `json:"constraints"`
}

type Match struct {
	AgentID            string           `json:"agent_id"`
	Name               string           `json:"name"`
	Capabilities       []string         `json:"capabilities"`
	ProvenCapabilities map[string]int64 `json:"proven_capabilities,omitempty"`
	ReputationScore    float64          `json:"reputation_score"`
	ReputationTier     string           `json:"reputation_tier"`
	SuccessRate        float64          `json:"success_rate"`
	TotalExecutions    int64            `json:"total_executions"`
	CostUSD            float64          `json:"cost_usd"`
	AvgLatencyMS       int64            `json:"avg_latency_ms"`
	ExecutionEndpoint  string           `json:"execution_endpoint"`
	VerificationProof  string           `json:"verification_proof"`
	SnapshotAt         time.Time        `json:"snapshot_at"`
}

type Result struct {
	Matches       []Match `json:"matches"`
	MatchQuality  float64 `json:"match_quality"`
	EstimatedCost float64 `json:"estimated_cost"`
	PlatformFee   float64 `json:"platform_fee"`
}

type Verification struct {
	AgentID            string           `json:"agent_id"`
	Verified           bool             `json:"verified"`
	VerificationProof  string           `json:"verification_proof"`
	ReputationScore    float64          `json:"reputation_score"`
	ReputationTier     string           `json:"reputation_tier"`
	SuccessRate        float64          `json:"success_rate"`
	TotalExecutions    int64            `json:"total_executions"`
	ProvenCapabilities map[string]int64 `json:"proven_capabilities,omitempty"`
	WalletLinked       bool             `json:"wallet_linked"`
}

type Policy struct {
	PageSize             int
	DefaultMinReputation float64
	CacheTTL             time.Duration
}

func DefaultPolicy() Policy {
	return Policy{PageSize: 10, DefaultMinReputation: 0.5, CacheTTL: 15 * time.Second}
}

func PolicyFromConfig(cfg config.Discovery) Policy {
	p := DefaultPolicy()
	if cfg.PageSize > 0 {
		p.PageSize = cfg.PageSize
	}
	if cfg.DefaultMinReputation >= 0 && cfg.DefaultMinReputation <= 1 {
		p.DefaultMinReputation = cfg.DefaultMinReputation
	}
	p.CacheTTL = cfg.CacheTTL
	return p
}

type Matcher struct {
	store   Store
	fees    FeeCalculator
	policy  Policy
	cache   cache.Cache
	now     func() time.Time
	metrics *telemetry.Metrics
	log     *slog.Logger
}

type Option func(*Matcher)

// WithCache enables result caching for the policy's CacheTTL.
func WithCache(c cache.Cache) Option {
	return func(m *Matcher) { m.cache = c }
}

func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Matcher) { m.metrics = metrics }
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Matcher) { m.log = log }
}

func NewMatcher(store Store, fees FeeCalculator, policy Policy, opts ...Option) *Matcher {
	m := &Matcher{
		store:  store,
		fees:   fees,
		policy: policy,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = logger.OrDefault(m.log).With("component", "discovery")
	return m
}

// Proof is the hex sha256 of an agent id. It lets callers check a match was
// issued for the id they received, nothing more.
func Proof(agentID string) string {
	sum := sha256.Sum256([]byte(agentID))
	return hex.EncodeToString(sum[:])
}

func normalizeCapabilities(in []string) []string {
	out := make([]string, 0, len(in))
	for _, capability := range in {
		capability = strings.TrimSpace(capability)
		if capability != "" {
			out = append(out, capability)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (m *Matcher) validate(req Request) (Request, error) {
	req.Capabilities = normalizeCapabilities(req.Capabilities)
	if len(req.Capabilities) == 0 {
		return req, domain.InvalidArgument("at least one capability is required")
	}
	c := req.Constraints
	if c.MaxCostUSD != nil && (*c.MaxCostUSD < 0 || math.IsNaN(*c.MaxCostUSD)) {
		return req, domain.InvalidArgument("max_cost_usd must be non-negative")
	}
	if c.MinReputation != nil && (*c.MinReputation < 0 || *c.MinReputation > 1 || math.IsNaN(*c.MinReputation)) {
		return req, domain.InvalidArgument("min_reputation must be between 0 and 1")
	}
	if c.MaxLatencyMS != nil && *c.MaxLatencyMS <= 0 {
		return req, domain.InvalidArgument("max_latency_ms must be positive")
	}
	if c.MinReputation == nil {
		minReputation := m.policy.DefaultMinReputation
		req.Constraints.MinReputation = &minReputation
	}
	return req, nil
}

func cacheKey(req Request) string {
	data, _ := json.Marshal(req)
	sum := sha256.Sum256(data)
	return "discover:" + hex.EncodeToString(sum[:])
}

// Discover returns at most one page of eligible agents, best first. An empty
// result means no agent matched.
func (m *Matcher) Discover(ctx context.Context, req Request) (Result, error) {
	req, err := m.validate(req)
	if err != nil {
		return Result{}, err
	}
	useCache := m.cache != nil && m.policy.CacheTTL > 0
	key := cacheKey(req)
	if useCache {
		var cached Result
		if ok, err := cache.GetJSON(ctx, m.cache, key, &cached); err != nil {
			m.log.Warn("discovery cache read failed", "err", err)
		} else if ok {
			return cached, nil
		}
	}

	agents, err := m.store.ListAgentsByCapabilities(ctx, req.Capabilities)
	if err != nil {
		return Result{}, err
	}
	result := m.rank(req, agents)
	m.metrics.DiscoveryMatches(ctx, len(result.Matches))

	if useCache {
		if err := cache.SetJSON(ctx, m.cache, key, result, m.policy.CacheTTL); err != nil {
			m.log.Warn("discovery cache write failed", "err", err)
		}
	}
	return result, nil
}

func provenFor(agent domain.Agent, capabilities []string) int64 {
	var total int64
	for _, capability := range capabilities {
		total += agent.ProvenCapabilities[capability]
	}
	return total
}

func eligible(agent domain.Agent, req Request) bool {
	if !agent.IsActive {
		return false
	}
	if !slices.ContainsFunc(req.Capabilities, agent.HasCapability) {
		return false
	}
	c := req.Constraints
	if c.MinReputation != nil && agent.ReputationScore < *c.MinReputation {
		return false
	}
	if c.MaxCostUSD != nil && agent.CostUSD > *c.MaxCostUSD {
		return false
	}
	// Agents without observed latency are not excluded.
	if c.MaxLatencyMS != nil && agent.AvgLatencyMS > 0 && agent.AvgLatencyMS > *c.MaxLatencyMS {
		return false
	}
	return true
}

func (m *Matcher) rank(req Request, agents []domain.Agent) Result {
	survivors := make([]domain.Agent, 0, len(agents))
	for _, agent := range agents {
		if eligible(agent, req) {
			survivors = append(survivors, agent)
		}
	}
	slices.SortFunc(survivors, func(a, b domain.Agent) int {
		return cmp.Or(
			cmp.Compare(b.ReputationScore, a.ReputationScore),
			cmp.Compare(b.TotalExecutions, a.TotalExecutions),
			cmp.Compare(provenFor(b, req.Capabilities), provenFor(a, req.Capabilities)),
			cmp.Compare(a.ID, b.ID),
		)
	})
	if len(survivors) > m.policy.PageSize {
		survivors = survivors[:m.policy.PageSize]
	}

	now := m.now().UTC()
	result := Result{Matches: make([]Match, 0, len(survivors))}
	var reputationSum float64
	for _, agent := range survivors {
		result.Matches = append(result.Matches, Match{
			AgentID:            agent.ID,
			Name:               agent.Name,
			Capabilities:       agent.Capabilities,
			ProvenCapabilities: agent.ProvenCapabilities,
			ReputationScore:    agent.ReputationScore,
			ReputationTier:     string(agent.ReputationTier),
			SuccessRate:        agent.SuccessRate,
			TotalExecutions:    agent.TotalExecutions,
			CostUSD:            agent.CostUSD,
			AvgLatencyMS:       agent.AvgLatencyMS,
			ExecutionEndpoint:  agent.ExecutionEndpoint,
			VerificationProof:  Proof(agent.ID),
			SnapshotAt:         now,
		})
		reputationSum += agent.ReputationScore
	}
	if len(result.Matches) == 0 {
		return result
	}
	result.MatchQuality = math.Round(reputationSum/float64(len(result.Matches))*100) / 100
	result.EstimatedCost = result.Matches[0].CostUSD
	if m.fees != nil {
		result.PlatformFee = m.fees.PlatformFee(result.EstimatedCost)
	}
	return result
}

// VerifyAgent reports the current standing of an active agent.
func (m *Matcher) VerifyAgent(ctx context.Context, agentID string) (Verification, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Verification{}, domain.InvalidArgument("agent_id is required")
	}
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return Verification{}, err
	}
	if !agent.IsActive {
		return Verification{}, domain.NotFound("agent not found")
	}
	return Verification{
		AgentID:            agent.ID,
		Verified:           true,
		VerificationProof:  Proof(agent.ID),
		ReputationScore:    agent.ReputationScore,
		ReputationTier:     string(agent.ReputationTier),
		SuccessRate:        agent.SuccessRate,
		TotalExecutions:    agent.TotalExecutions,
		ProvenCapabilities: agent.ProvenCapabilities,
		WalletLinked:       agent.WalletPublicKey != "",
	}, nil
}
