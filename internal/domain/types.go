package domain

import (
	"math"
	"time"
)

type ReputationTier string

const (
	TierUnverified ReputationTier = "unverified"
	TierBronze     ReputationTier = "bronze"
	TierSilver     ReputationTier = "silver"
	TierGold       ReputationTier = "gold"
	TierPlatinum   ReputationTier = "platinum"
)

// Quota is the metered economic state of an agent. It is only mutated through
// the credit meter under a per-agent lock.
type Quota struct {
	FreeCallsTotal        int64     `json:"free_calls_total"`
	FreeCallsRemaining    int64     `json:"free_calls_remaining"`
	HourlyRateLimit       int64     `json:"hourly_rate_limit"`
	HourlyCallsUsed       int64     `json:"hourly_calls_used"`
	HourlyWindowStartedAt time.Time `json:"hourly_window_started_at"`
	PaidCallsRemaining    int64     `json:"paid_calls_remaining"`

	// DailySpendExposureMicros is free-tier spend in millionths of a dollar for SpendExposureDate.
	DailySpendExposureMicros int64  `json:"daily_spend_exposure_micros"`
	SpendExposureDate        string `json:"spend_exposure_date,omitempty"`
}

func (q Quota) DailySpendExposureUSD() float64 {
	return MicrosToUSD(q.DailySpendExposureMicros)
}

type Agent struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	Description        string           `json:"description"`
	OwnerEmail         string           `json:"owner_email"`
	Capabilities       []string         `json:"capabilities"`
	ProvenCapabilities map[string]int64 `json:"proven_capabilities,omitempty"`
	CostUSD            float64          `json:"cost_usd"`
	AvgLatencyMS       int64            `json:"avg_latency_ms"`
	ExecutionEndpoint  string           `json:"execution_endpoint"`
	WalletPublicKey    string           `json:"wallet_public_key,omitempty"`
	ReferralCode       string           `json:"referral_code"`
	Quota              Quota            `json:"quota"`
	ReputationScore    float64          `json:"reputation_score"`
	ReputationTier     ReputationTier   `json:"reputation_tier"`
	SuccessRate        float64          `json:"success_rate"`
	TotalExecutions    int64            `json:"total_executions"`
	SignupIP           string           `json:"signup_ip"`
	IsActive           bool             `json:"is_active"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

func (a Agent) HasCapability(name string) bool {
	for _, capability := range a.Capabilities {
		if capability == name {
			return true
		}
	}
	return false
}

type ChargeKind string

const (
	ChargeNone ChargeKind = ""
	ChargePaid ChargeKind = "paid"
	ChargeFree ChargeKind = "free"
)

// Charge remembers which quota branch a consume took so it can be reversed exactly.
type Charge struct {
	Kind            ChargeKind `json:"kind,omitempty"`
	CostUSD         float64    `json:"cost_usd"`
	WindowStartedAt time.Time  `json:"window_started_at"`
	ExposureDate    string     `json:"exposure_date,omitempty"`
	Refunded        bool       `json:"refunded"`
}

type ExecutionStatus string

const (
	ExecutionProcessing ExecutionStatus = "processing"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

type ExecutionRecord struct {
	ID            string          `json:"id"`
	RequesterID   string          `json:"requester_id"`
	ExecutorID    string          `json:"executor_id"`
	Capability    string          `json:"capability"`
	QuotedCostUSD float64         `json:"quoted_cost_usd"`
	ActualCostUSD float64         `json:"actual_cost_usd"`
	LatencyMS     int64           `json:"latency_ms"`
	Rating        int             `json:"rating,omitempty"`
	Status        ExecutionStatus `json:"status"`
	Outcome       Outcome         `json:"outcome,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Charge        Charge          `json:"charge"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

func (r ExecutionRecord) Sealed() bool {
	return r.Status == ExecutionCompleted || r.Status == ExecutionFailed
}

// SealedAt is the completion time, falling back to the start time.
func (r ExecutionRecord) SealedAt() time.Time {
	if r.CompletedAt != nil {
		return *r.CompletedAt
	}
	return r.StartedAt
}

type ExecutionFilter struct {
	ExecutorID  string
	RequesterID string
	Status      ExecutionStatus
	Since       time.Time
	SealedOnly  bool
	Limit       int
}

type ProvenCapability struct {
	AgentID        string    `json:"agent_id"`
	Capability     string    `json:"capability"`
	ExecutionCount int64     `json:"execution_count"`
	AvgCostUSD     float64   `json:"avg_cost_usd"`
	LastProvenAt   time.Time `json:"last_proven_at"`
}

type ReputationSnapshot struct {
	ID              string         `json:"id"`
	AgentID         string         `json:"agent_id"`
	Score           float64        `json:"score"`
	Tier            ReputationTier `json:"tier"`
	TotalExecutions int64          `json:"total_executions"`
	SuccessRate     float64        `json:"success_rate"`
	RecordedAt      time.Time      `json:"recorded_at"`
}

// ReputationUpdate is the materialized reputation written back to an agent.
type ReputationUpdate struct {
	Score           float64
	Tier            ReputationTier
	SuccessRate     float64
	TotalExecutions int64
	AvgLatencyMS    int64
	UpdatedAt       time.Time
}

type IPSignupRecord struct {
	IP    string `json:"ip"`
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

type PlatformSpendRecord struct {
	Date           string     `json:"date"`
	TotalFreeCalls int64      `json:"total_free_calls"`
	TotalSpendUSD  float64    `json:"total_spend_usd"`
	CapUSD         float64    `json:"cap_usd"`
	CapReached     bool       `json:"cap_reached"`
	CapReachedAt   *time.Time `json:"cap_reached_at,omitempty"`
}

// PlatformSpendDelta adjusts a day's free-tier accounting. Negative values release spend.
type PlatformSpendDelta struct {
	Day       string
	FreeCalls int64
	SpendUSD  float64
	CapUSD    float64
	At        time.Time
}

type WorkOrderStatus string

const (
	WorkOrderPending   WorkOrderStatus = "pending"
	WorkOrderAccepted  WorkOrderStatus = "accepted"
	WorkOrderCompleted WorkOrderStatus = "completed"
	WorkOrderRejected  WorkOrderStatus = "rejected"
)

type WorkOrder struct {
	ID              string          `json:"id"`
	ClientAgentID   string          `json:"client_agent_id"`
	WorkerAgentID   string          `json:"worker_agent_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	BudgetUSD       float64         `json:"budget_usd"`
	Status          WorkOrderStatus `json:"status"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	AcceptedAt      *time.Time      `json:"accepted_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	RejectedAt      *time.Time      `json:"rejected_at,omitempty"`
}

type ReferralStatus string

const (
	ReferralPending ReferralStatus = "pending"
	ReferralActive  ReferralStatus = "active"
)

type Referral struct {
	ID                 string         `json:"id"`
	Code               string         `json:"code"`
	ReferrerAgentID    string         `json:"referrer_agent_id"`
	RefereeAgentID     string         `json:"referee_agent_id"`
	Status             ReferralStatus `json:"status"`
	TotalTransactions  int64          `json:"total_transactions"`
	TotalEarningsUSD   float64        `json:"total_earnings_usd"`
	FirstTransactionID string         `json:"first_transaction_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	ActivatedAt        *time.Time     `json:"activated_at,omitempty"`
}

// State is the full persisted document of the file store.
type State struct {
	Agents             []Agent               `json:"agents"`
	APIKeys            map[string]string     `json:"api_keys"`
	Executions         []ExecutionRecord     `json:"executions"`
	ProvenCapabilities []ProvenCapability    `json:"proven_capabilities"`
	Snapshots          []ReputationSnapshot  `json:"snapshots"`
	Signups            []IPSignupRecord      `json:"signups"`
	PlatformSpend      []PlatformSpendRecord `json:"platform_spend"`
	DisposableDomains  []string              `json:"disposable_domains"`
	WorkOrders         []WorkOrder           `json:"work_orders"`
	Referrals          []Referral            `json:"referrals"`
}

func EmptyState() State {
	return State{
		Agents:             []Agent{},
		APIKeys:            map[string]string{},
		Executions:         []ExecutionRecord{},
		ProvenCapabilities: []ProvenCapability{},
		Snapshots:          []ReputationSnapshot{},
		Signups:            []IPSignupRecord{},
		PlatformSpend:      []PlatformSpendRecord{},
		DisposableDomains:  []string{},
		WorkOrders:         []WorkOrder{},
		Referrals:          []Referral{},
	}
}

// USDToMicros rounds a dollar amount to millionths of a dollar.
func USDToMicros(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}

// ValidUSD reports whether usd is a finite, non-negative amount that is
// either zero or at least one micro-dollar.
func ValidUSD(usd float64) bool {
	if usd < 0 || math.IsNaN(usd) || math.IsInf(usd, 0) {
		return false
	}
	return usd == 0 || USDToMicros(usd) > 0
}

func MicrosToUSD(micros int64) float64 {
	return float64(micros) / 1e6
}

// DayKey formats the UTC calendar day used by per-day counters.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
