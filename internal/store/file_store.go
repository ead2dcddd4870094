package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bcrosbie/agentexchange/internal/domain"
)

// FileStore keeps the whole marketplace state in one JSON document. A single
// mutex serializes writers, which makes every Mutate an atomic
// read-modify-write. An empty path keeps the state in memory only.
type FileStore struct {
	path        string
	mu          sync.RWMutex
	state       domain.State
	idempotency map[string]IdempotencyRecord
}

func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:        strings.TrimSpace(path),
		state:       domain.EmptyState(),
		idempotency: map[string]IdempotencyRecord{},
	}
}

func NewMemoryStore() *FileStore {
	return NewFileStore("")
}

func (s *FileStore) Load(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return domain.Internal("failed to create data directory", err)
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.state = domain.EmptyState()
			return s.persistLocked()
		}
		return domain.Internal("failed to read data file", err)
	}

	var parsed domain.State
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.Internal("failed to parse data file", err)
	}
	s.state = withDefaults(parsed)
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) Ping(_ context.Context) error {
	return nil
}

func (s *FileStore) Snapshot() domain.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneState(s.state)
}

func (s *FileStore) Mutate(mutate func(*domain.State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneState(s.state)
	if err := mutate(&next); err != nil {
		return err
	}

	s.state = withDefaults(next)
	return s.persistLocked()
}

func (s *FileStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	serialized, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return domain.Internal("failed to serialize state", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, append(serialized, '\n'), 0o600); err != nil {
		return domain.Internal("failed to write temporary state file", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		return domain.Internal("failed to atomically persist state file", err)
	}
	return nil
}

func withDefaults(state domain.State) domain.State {
	empty := domain.EmptyState()
	if state.Agents == nil {
		state.Agents = empty.Agents
	}
	if state.APIKeys == nil {
		state.APIKeys = empty.APIKeys
	}
	if state.Executions == nil {
		state.Executions = empty.Executions
	}
	if state.ProvenCapabilities == nil {
		state.ProvenCapabilities = empty.ProvenCapabilities
	}
	if state.Snapshots == nil {
		state.Snapshots = empty.Snapshots
	}
	if state.Signups == nil {
		state.Signups = empty.Signups
	}
	if state.PlatformSpend == nil {
		state.PlatformSpend = empty.PlatformSpend
	}
	if state.DisposableDomains == nil {
		state.DisposableDomains = empty.DisposableDomains
	}
	if state.WorkOrders == nil {
		state.WorkOrders = empty.WorkOrders
	}
	if state.Referrals == nil {
		state.Referrals = empty.Referrals
	}
	return state
}

func cloneState(in domain.State) domain.State {
	raw, _ := json.Marshal(in)
	var out domain.State
	_ = json.Unmarshal(raw, &out)
	return withDefaults(out)
}

func duplicateNameError(name string) *domain.AppError {
	err := domain.Conflict("an agent named " + strings.TrimSpace(name) + " already exists")
	err.Reason = domain.ReasonDuplicateName
	return err
}

func agentIndex(state *domain.State, agentID string) int {
	return slices.IndexFunc(state.Agents, func(agent domain.Agent) bool { return agent.ID == agentID })
}

func withProven(state domain.State, agent domain.Agent) domain.Agent {
	for _, proven := range state.ProvenCapabilities {
		if proven.AgentID != agent.ID {
			continue
		}
		if agent.ProvenCapabilities == nil {
			agent.ProvenCapabilities = map[string]int64{}
		}
		agent.ProvenCapabilities[proven.Capability] = proven.ExecutionCount
	}
	return agent
}

func (s *FileStore) CreateAgent(_ context.Context, agent domain.Agent, apiKeyHash string) error {
	return s.Mutate(func(state *domain.State) error {
		for _, existing := range state.Agents {
			if existing.ID == agent.ID {
				return domain.Conflict("agent id already exists")
			}
			if normalizeName(existing.Name) == normalizeName(agent.Name) {
				return duplicateNameError(agent.Name)
			}
			if agent.ReferralCode != "" && existing.ReferralCode == agent.ReferralCode {
				return domain.Conflict("referral code already exists")
			}
		}
		state.Agents = append(state.Agents, agent)
		if apiKeyHash != "" {
			state.APIKeys[apiKeyHash] = agent.ID
		}
		return nil
	})
}

func (s *FileStore) GetAgent(_ context.Context, agentID string) (domain.Agent, error) {
	state := s.Snapshot()
	index := agentIndex(&state, agentID)
	if index < 0 {
		return domain.Agent{}, domain.NotFound("agent not found")
	}
	return withProven(state, state.Agents[index]), nil
}

func (s *FileStore) FindAgentByReferralCode(_ context.Context, code string) (domain.Agent, bool, error) {
	state := s.Snapshot()
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, agent := range state.Agents {
		if code != "" && agent.ReferralCode == code {
			return agent, true, nil
		}
	}
	return domain.Agent{}, false, nil
}

func (s *FileStore) ListAgentsByCapabilities(_ context.Context, capabilities []string) ([]domain.Agent, error) {
	state := s.Snapshot()
	items := []domain.Agent{}
	for _, agent := range state.Agents {
		if !agent.IsActive {
			continue
		}
		if slices.ContainsFunc(capabilities, agent.HasCapability) {
			items = append(items, withProven(state, agent))
		}
	}
	return items, nil
}

func (s *FileStore) UpdateAgentQuota(_ context.Context, agentID string, mutate func(*domain.Agent) error) (domain.Agent, error) {
	var updated domain.Agent
	err := s.Mutate(func(state *domain.State) error {
		index := agentIndex(state, agentID)
		if index < 0 {
			return domain.NotFound("agent not found")
		}
		agent := state.Agents[index]
		if err := mutate(&agent); err != nil {
			return err
		}
		state.Agents[index].Quota = agent.Quota
		state.Agents[index].UpdatedAt = agent.UpdatedAt
		updated = state.Agents[index]
		return nil
	})
	return updated, err
}

func (s *FileStore) UpdateAgentReputation(_ context.Context, agentID string, update domain.ReputationUpdate) error {
	return s.Mutate(func(state *domain.State) error {
		index := agentIndex(state, agentID)
		if index < 0 {
			return domain.NotFound("agent not found")
		}
		agent := &state.Agents[index]
		agent.ReputationScore = update.Score
		agent.ReputationTier = update.Tier
		agent.SuccessRate = update.SuccessRate
		agent.TotalExecutions = update.TotalExecutions
		if update.AvgLatencyMS > 0 {
			agent.AvgLatencyMS = update.AvgLatencyMS
		}
		agent.UpdatedAt = update.UpdatedAt
		return nil
	})
}

func (s *FileStore) SetAgentWallet(_ context.Context, agentID, publicKeyHex string, at time.Time) error {
	return s.Mutate(func(state *domain.State) error {
		index := agentIndex(state, agentID)
		if index < 0 {
			return domain.NotFound("agent not found")
		}
		state.Agents[index].WalletPublicKey = publicKeyHex
		state.Agents[index].UpdatedAt = at.UTC()
		return nil
	})
}

func (s *FileStore) AuthenticateAgentKey(_ context.Context, rawKey string) (AgentPrincipal, bool, error) {
	hash := HashAPIKey(rawKey)
	if hash == "" {
		return AgentPrincipal{}, false, nil
	}
	state := s.Snapshot()
	agentID, ok := state.APIKeys[hash]
	if !ok {
		return AgentPrincipal{}, false, nil
	}
	index := agentIndex(&state, agentID)
	if index < 0 || !state.Agents[index].IsActive {
		return AgentPrincipal{}, false, nil
	}
	return AgentPrincipal{AgentID: agentID, KeyID: keyIDFromHash(hash)}, true, nil
}

func (s *FileStore) SignupCount(_ context.Context, ip, day string) (int64, error) {
	for _, record := range s.Snapshot().Signups {
		if record.IP == ip && record.Date == day {
			return record.Count, nil
		}
	}
	return 0, nil
}

func (s *FileStore) IncrementSignup(_ context.Context, ip, day string) (int64, error) {
	var count int64
	err := s.Mutate(func(state *domain.State) error {
		for i := range state.Signups {
			if state.Signups[i].IP == ip && state.Signups[i].Date == day {
				state.Signups[i].Count++
				count = state.Signups[i].Count
				return nil
			}
		}
		state.Signups = append(state.Signups, domain.IPSignupRecord{IP: ip, Date: day, Count: 1})
		count = 1
		return nil
	})
	return count, err
}

// ReleaseSignup undoes one IncrementSignup; the counter never goes below zero.
func (s *FileStore) ReleaseSignup(_ context.Context, ip, day string) error {
	return s.Mutate(func(state *domain.State) error {
		for i := range state.Signups {
			if state.Signups[i].IP == ip && state.Signups[i].Date == day {
				state.Signups[i].Count = max(state.Signups[i].Count-1, 0)
				return nil
			}
		}
		return nil
	})
}

func (s *FileStore) IsDisposableDomain(_ context.Context, emailDomain string) (bool, error) {
	return slices.Contains(s.Snapshot().DisposableDomains, strings.ToLower(emailDomain)), nil
}

func (s *FileStore) AddDisposableDomains(_ context.Context, domains []string) error {
	return s.Mutate(func(state *domain.State) error {
		for _, item := range domains {
			item = strings.ToLower(strings.TrimSpace(item))
			if item != "" && !slices.Contains(state.DisposableDomains, item) {
				state.DisposableDomains = append(state.DisposableDomains, item)
			}
		}
		slices.Sort(state.DisposableDomains)
		return nil
	})
}

func (s *FileStore) GetPlatformSpend(_ context.Context, day string) (domain.PlatformSpendRecord, bool, error) {
	for _, record := range s.Snapshot().PlatformSpend {
		if record.Date == day {
			return record, true, nil
		}
	}
	return domain.PlatformSpendRecord{}, false, nil
}

func (s *FileStore) AddPlatformSpend(_ context.Context, delta domain.PlatformSpendDelta) (domain.PlatformSpendRecord, error) {
	var updated domain.PlatformSpendRecord
	err := s.Mutate(func(state *domain.State) error {
		index := slices.IndexFunc(state.PlatformSpend, func(record domain.PlatformSpendRecord) bool {
			return record.Date == delta.Day
		})
		if index < 0 {
			state.PlatformSpend = append(state.PlatformSpend, domain.PlatformSpendRecord{Date: delta.Day})
			index = len(state.PlatformSpend) - 1
		}
		record := &state.PlatformSpend[index]
		record.TotalFreeCalls = max(record.TotalFreeCalls+delta.FreeCalls, 0)
		record.TotalSpendUSD = max(record.TotalSpendUSD+delta.SpendUSD, 0)
		record.CapUSD = delta.CapUSD
		if !record.CapReached && record.TotalSpendUSD >= record.CapUSD {
			at := delta.At.UTC()
			record.CapReached = true
			record.CapReachedAt = &at
		}
		updated = *record
		return nil
	})
	return updated, err
}

func (s *FileStore) InsertExecution(_ context.Context, record domain.ExecutionRecord) error {
	return s.Mutate(func(state *domain.State) error {
		if slices.ContainsFunc(state.Executions, func(existing domain.ExecutionRecord) bool { return existing.ID == record.ID }) {
			return domain.Conflict("execution already exists")
		}
		state.Executions = append(state.Executions, record)
		return nil
	})
}

func (s *FileStore) GetExecution(_ context.Context, executionID string) (domain.ExecutionRecord, error) {
	for _, record := range s.Snapshot().Executions {
		if record.ID == executionID {
			return record, nil
		}
	}
	return domain.ExecutionRecord{}, domain.NotFound("execution not found")
}

func (s *FileStore) UpdateExecution(_ context.Context, executionID string, mutate func(*domain.ExecutionRecord) error) (domain.ExecutionRecord, error) {
	var updated domain.ExecutionRecord
	err := s.Mutate(func(state *domain.State) error {
		for i := range state.Executions {
			if state.Executions[i].ID != executionID {
				continue
			}
			record := state.Executions[i]
			if err := mutate(&record); err != nil {
				return err
			}
			state.Executions[i] = record
			updated = record
			return nil
		}
		return domain.NotFound("execution not found")
	})
	return updated, err
}

func (s *FileStore) ListExecutions(_ context.Context, filter domain.ExecutionFilter) ([]domain.ExecutionRecord, error) {
	items := []domain.ExecutionRecord{}
	for _, record := range s.Snapshot().Executions {
		if filter.ExecutorID != "" && record.ExecutorID != filter.ExecutorID {
			continue
		}
		if filter.RequesterID != "" && record.RequesterID != filter.RequesterID {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		if filter.SealedOnly && !record.Sealed() {
			continue
		}
		if !filter.Since.IsZero() && record.StartedAt.Before(filter.Since) {
			continue
		}
		items = append(items, record)
	}
	slices.SortStableFunc(items, func(a, b domain.ExecutionRecord) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (s *FileStore) IncrementProvenCapability(_ context.Context, agentID, capability string, costUSD float64, at time.Time) error {
	return s.Mutate(func(state *domain.State) error {
		for i := range state.ProvenCapabilities {
			proven := &state.ProvenCapabilities[i]
			if proven.AgentID != agentID || proven.Capability != capability {
				continue
			}
			proven.AvgCostUSD = (proven.AvgCostUSD*float64(proven.ExecutionCount) + costUSD) / float64(proven.ExecutionCount+1)
			proven.ExecutionCount++
			proven.LastProvenAt = at.UTC()
			return nil
		}
		state.ProvenCapabilities = append(state.ProvenCapabilities, domain.ProvenCapability{
			AgentID:        agentID,
			Capability:     capability,
			ExecutionCount: 1,
			AvgCostUSD:     costUSD,
			LastProvenAt:   at.UTC(),
		})
		return nil
	})
}

func (s *FileStore) ListProvenCapabilities(_ context.Context, agentID string) ([]domain.ProvenCapability, error) {
	items := []domain.ProvenCapability{}
	for _, proven := range s.Snapshot().ProvenCapabilities {
		if proven.AgentID == agentID {
			items = append(items, proven)
		}
	}
	slices.SortFunc(items, func(a, b domain.ProvenCapability) int {
		if a.ExecutionCount != b.ExecutionCount {
			return int(b.ExecutionCount - a.ExecutionCount)
		}
		return strings.Compare(a.Capability, b.Capability)
	})
	return items, nil
}

func (s *FileStore) AppendSnapshot(_ context.Context, snapshot domain.ReputationSnapshot) error {
	return s.Mutate(func(state *domain.State) error {
		state.Snapshots = append(state.Snapshots, snapshot)
		return nil
	})
}

func (s *FileStore) ListSnapshots(_ context.Context, agentID string, since time.Time) ([]domain.ReputationSnapshot, error) {
	items := []domain.ReputationSnapshot{}
	for _, snapshot := range s.Snapshot().Snapshots {
		if snapshot.AgentID != agentID || snapshot.RecordedAt.Before(since) {
			continue
		}
		items = append(items, snapshot)
	}
	slices.SortStableFunc(items, func(a, b domain.ReputationSnapshot) int {
		return a.RecordedAt.Compare(b.RecordedAt)
	})
	return items, nil
}

func (s *FileStore) ListAgentsForRecalculation(_ context.Context, minNewExecutions int) ([]string, error) {
	state := s.Snapshot()
	lastSnapshot := map[string]time.Time{}
	for _, snapshot := range state.Snapshots {
		if snapshot.RecordedAt.After(lastSnapshot[snapshot.AgentID]) {
			lastSnapshot[snapshot.AgentID] = snapshot.RecordedAt
		}
	}
	fresh := map[string]int{}
	for _, record := range state.Executions {
		if record.Sealed() && record.SealedAt().After(lastSnapshot[record.ExecutorID]) {
			fresh[record.ExecutorID]++
		}
	}
	ids := []string{}
	for agentID, count := range fresh {
		if count >= max(minNewExecutions, 1) {
			ids = append(ids, agentID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *FileStore) InsertWorkOrder(_ context.Context, order domain.WorkOrder) error {
	return s.Mutate(func(state *domain.State) error {
		state.WorkOrders = append(state.WorkOrders, order)
		return nil
	})
}

func (s *FileStore) GetWorkOrder(_ context.Context, orderID string) (domain.WorkOrder, error) {
	for _, order := range s.Snapshot().WorkOrders {
		if order.ID == orderID {
			return order, nil
		}
	}
	return domain.WorkOrder{}, domain.NotFound("work order not found")
}

func (s *FileStore) UpdateWorkOrder(_ context.Context, orderID string, mutate func(*domain.WorkOrder) error) (domain.WorkOrder, error) {
	var updated domain.WorkOrder
	err := s.Mutate(func(state *domain.State) error {
		for i := range state.WorkOrders {
			if state.WorkOrders[i].ID != orderID {
				continue
			}
			order := state.WorkOrders[i]
			if err := mutate(&order); err != nil {
				return err
			}
			state.WorkOrders[i] = order
			updated = order
			return nil
		}
		return domain.NotFound("work order not found")
	})
	return updated, err
}

func (s *FileStore) InsertReferral(_ context.Context, referral domain.Referral) error {
	return s.Mutate(func(state *domain.State) error {
		for _, existing := range state.Referrals {
			if existing.RefereeAgentID == referral.RefereeAgentID {
				return domain.Conflict("agent already has a referrer")
			}
		}
		state.Referrals = append(state.Referrals, referral)
		return nil
	})
}

func (s *FileStore) FindReferralByReferee(_ context.Context, refereeAgentID string) (domain.Referral, bool, error) {
	for _, referral := range s.Snapshot().Referrals {
		if referral.RefereeAgentID == refereeAgentID {
			return referral, true, nil
		}
	}
	return domain.Referral{}, false, nil
}

func (s *FileStore) UpdateReferral(_ context.Context, referralID string, mutate func(*domain.Referral) error) (domain.Referral, error) {
	var updated domain.Referral
	err := s.Mutate(func(state *domain.State) error {
		for i := range state.Referrals {
			if state.Referrals[i].ID != referralID {
				continue
			}
			referral := state.Referrals[i]
			if err := mutate(&referral); err != nil {
				return err
			}
			state.Referrals[i] = referral
			updated = referral
			return nil
		}
		return domain.NotFound("referral not found")
	})
	return updated, err
}

func idempotencyMapKey(scope, idempotencyKey string) string {
	return scope + "::" + idempotencyKey
}

func (s *FileStore) ReserveIdempotencyKey(_ context.Context, scope, idempotencyKey, requestHash string) (IdempotencyRecord, bool, error) {
	scope = strings.TrimSpace(scope)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	requestHash = strings.TrimSpace(requestHash)
	if scope == "" || idempotencyKey == "" || requestHash == "" {
		return IdempotencyRecord{}, false, domain.InvalidArgument("scope, idempotency_key, and request_hash are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := idempotencyMapKey(scope, idempotencyKey)
	if record, ok := s.idempotency[key]; ok {
		return record, false, nil
	}
	s.idempotency[key] = IdempotencyRecord{RequestHash: requestHash}
	return IdempotencyRecord{}, true, nil
}

func (s *FileStore) CompleteIdempotencyKey(_ context.Context, scope, idempotencyKey, responseJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := idempotencyMapKey(strings.TrimSpace(scope), strings.TrimSpace(idempotencyKey))
	record, ok := s.idempotency[key]
	if !ok {
		return domain.NotFound("idempotency key not found")
	}
	record.ResponseJSON = responseJSON
	record.Completed = true
	s.idempotency[key] = record
	return nil
}

func (s *FileStore) ReleaseIdempotencyKey(_ context.Context, scope, idempotencyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := idempotencyMapKey(strings.TrimSpace(scope), strings.TrimSpace(idempotencyKey))
	if record, ok := s.idempotency[key]; ok && !record.Completed {
		delete(s.idempotency, key)
	}
	return nil
}
