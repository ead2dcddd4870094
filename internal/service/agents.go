package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"math"
	"net/mail"
	"strings"

	"github.com/bcrosbie/agentexchange/internal/challenge"
	"github.com/bcrosbie/agentexchange/internal/credit"
	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/bcrosbie/agentexchange/internal/settlement"
	"github.com/bcrosbie/agentexchange/internal/store"
)

const (
	apiKeyPrefix      = "agx_live_"
	apiKeyRandomBytes = 24
	// referral codes are random; a collision with an existing code is retried.
	referralCodeAttempts = 3
)

type RegisterAgentRequest struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	OwnerEmail        string   `json:"owner_email"`
	Capabilities      []string `json:"capabilities"`
	CostUSD           float64  `json:"cost_usd"`
	ExecutionEndpoint string   `json:"execution_endpoint"`
	ReferralCode      string   `json:"referral_code"`
	SignupIP          string   `json:"signup_ip"`
}

// RegisterAgentResponse carries the only copy of the raw API key.
type RegisterAgentResponse struct {
	Agent    domain.Agent     `json:"agent"`
	APIKey   string           `json:"api_key"`
	Referral *domain.Referral `json:"referral,omitempty"`
}

type AddPaidCreditsRequest struct {
	AgentID string `json:"agent_id"`
	Calls   int64  `json:"calls"`
}

type VerifyWalletRequest struct {
	PublicKeyHex string `json:"public_key"`
	SignatureHex string `json:"signature"`
}

type ReferralInfo struct {
	AgentID      string           `json:"agent_id"`
	ReferralCode string           `json:"referral_code"`
	ReferredBy   *domain.Referral `json:"referred_by,omitempty"`
}

func newAPIKey() (string, error) {
	buf := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.Internal("failed to generate api key", err)
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}

func validateRegistration(req RegisterAgentRequest) (RegisterAgentRequest, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	req.OwnerEmail = strings.TrimSpace(req.OwnerEmail)
	req.ExecutionEndpoint = strings.TrimSpace(req.ExecutionEndpoint)
	req.SignupIP = strings.TrimSpace(req.SignupIP)
	req.Capabilities = normalizeCapabilities(req.Capabilities)

	if req.Name == "" {
		return req, domain.InvalidArgument("name is required")
	}
	if len(req.Name) > 100 {
		return req, domain.InvalidArgument("name must be at most 100 characters")
	}
	if _, err := mail.ParseAddress(req.OwnerEmail); err != nil || !strings.Contains(req.OwnerEmail, "@") {
		return req, domain.InvalidArgument("owner_email must be a valid email address")
	}
	if len(req.Capabilities) == 0 {
		return req, domain.InvalidArgument("at least one capability is required")
	}
	if req.CostUSD < 0 || math.IsNaN(req.CostUSD) || math.IsInf(req.CostUSD, 0) {
		return req, domain.InvalidArgument("cost_usd must be a non-negative number")
	}
	if req.SignupIP == "" {
		return req, domain.InvalidArgument("signup_ip is required")
	}
	return req, nil
}

// RegisterAgent admits the signup through the abuse gate, creates the agent with the default quota
// and returns its API key. A valid referral code links the new agent to its
// referrer with a pending referral.
func (s *MarketService) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (RegisterAgentResponse, error) {
	req, err := validateRegistration(req)
	if err != nil {
		return RegisterAgentResponse{}, err
	}
	slot, err := s.gate.AdmitSignup(ctx, req.SignupIP, req.OwnerEmail)
	if err != nil {
		return RegisterAgentResponse{}, err
	}
	response, err := s.createAgent(ctx, req)
	if err != nil {
		if releaseErr := slot.Release(ctx); releaseErr != nil {
			s.log.Warn("signup slot was not released", "err", releaseErr)
		}
		return RegisterAgentResponse{}, err
	}
	s.metrics.Signup(ctx, true, "")
	s.log.Info("agent registered", "agent_id", response.Agent.ID, "capabilities", len(response.Agent.Capabilities), "referred", response.Referral != nil)
	return response, nil
}

// createAgent runs after the signup slot is claimed; any error returned here
// releases it.
func (s *MarketService) createAgent(ctx context.Context, req RegisterAgentRequest) (RegisterAgentResponse, error) {
	var referrer *domain.Agent
	if code := settlement.NormalizeReferralCode(req.ReferralCode); code != "" {
		found, ok, err := s.store.FindAgentByReferralCode(ctx, code)
		if err != nil {
			return RegisterAgentResponse{}, err
		}
		if !ok {
			return RegisterAgentResponse{}, domain.InvalidArgument("unknown referral code")
		}
		referrer = &found
	}

	apiKey, err := newAPIKey()
	if err != nil {
		return RegisterAgentResponse{}, err
	}
	now := s.now().UTC()
	agent := domain.Agent{
		ID:                "agent_" + s.newID(),
		Name:              req.Name,
		Description:       req.Description,
		OwnerEmail:        req.OwnerEmail,
		Capabilities:      req.Capabilities,
		CostUSD:           req.CostUSD,
		ExecutionEndpoint: req.ExecutionEndpoint,
		Quota:             s.meter.Policy().NewQuota(now),
		ReputationScore:   0.5,
		ReputationTier:    domain.TierUnverified,
		SignupIP:          req.SignupIP,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	for attempt := 1; ; attempt++ {
		agent.ReferralCode, err = settlement.NewReferralCode()
		if err != nil {
			return RegisterAgentResponse{}, err
		}
		err = s.store.CreateAgent(ctx, agent, store.HashAPIKey(apiKey))
		if err == nil {
			break
		}
		if domain.HasCode(err, domain.CodeConflict) && strings.Contains(err.Error(), "referral code") && attempt < referralCodeAttempts {
			continue
		}
		if appErr, ok := domain.AsAppError(err); ok && appErr.Reason == domain.ReasonDuplicateName {
			s.metrics.Signup(ctx, false, domain.ReasonDuplicateName)
			return RegisterAgentResponse{}, domain.AbuseRejected(domain.ReasonDuplicateName, "an agent with this name already exists")
		}
		return RegisterAgentResponse{}, err
	}

	response := RegisterAgentResponse{Agent: agent, APIKey: apiKey}
	if referrer != nil {
		referral := domain.Referral{
			ID:              "ref_" + s.newID(),
			Code:            referrer.ReferralCode,
			ReferrerAgentID: referrer.ID,
			RefereeAgentID:  agent.ID,
			Status:          domain.ReferralPending,
			CreatedAt:       now,
		}
		if err := s.store.InsertReferral(ctx, referral); err != nil {
			s.log.Warn("referral was not recorded", "agent_id", agent.ID, "referrer_id", referrer.ID, "err", err)
		} else {
			response.Referral = &referral
		}
	}
	return response, nil
}

// Authenticate resolves a raw API key to its agent.
func (s *MarketService) Authenticate(ctx context.Context, rawKey string) (store.AgentPrincipal, error) {
	rawKey = strings.TrimSpace(rawKey)
	if !strings.HasPrefix(rawKey, apiKeyPrefix) {
		return store.AgentPrincipal{}, domain.Unauthenticated("invalid api key")
	}
	principal, ok, err := s.store.AuthenticateAgentKey(ctx, rawKey)
	if err != nil {
		return store.AgentPrincipal{}, err
	}
	if !ok {
		return store.AgentPrincipal{}, domain.Unauthenticated("invalid api key")
	}
	return principal, nil
}

// GetAgent returns an agent profile. Owner email, signup address and quota
// are only shown to the agent itself.
func (s *MarketService) GetAgent(ctx context.Context, callerID, agentID string) (domain.Agent, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return domain.Agent{}, domain.InvalidArgument("agent_id is required")
	}
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return domain.Agent{}, err
	}
	if callerID != agent.ID {
		agent.OwnerEmail = ""
		agent.SignupIP = ""
		agent.Quota = domain.Quota{}
	}
	return agent, nil
}

func (s *MarketService) GetRateLimits(ctx context.Context, callerID string) (credit.RateLimitInfo, error) {
	callerID, err := requireCaller(callerID)
	if err != nil {
		return credit.RateLimitInfo{}, err
	}
	return s.meter.RateLimits(ctx, callerID)
}

// AddPaidCredits tops up an agent's paid balance. Admin only.
func (s *MarketService) AddPaidCredits(ctx context.Context, req AddPaidCreditsRequest) (credit.RateLimitInfo, error) {
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		return credit.RateLimitInfo{}, domain.InvalidArgument("agent_id is required")
	}
	if _, err := s.meter.AddPaidCredits(ctx, req.AgentID, req.Calls); err != nil {
		return credit.RateLimitInfo{}, err
	}
	s.log.Info("paid credits added", "agent_id", req.AgentID, "calls", req.Calls)
	return s.meter.RateLimits(ctx, req.AgentID)
}

func (s *MarketService) IssueWalletChallenge(ctx context.Context, callerID string) (challenge.Challenge, error) {
	callerID, err := requireCaller(callerID)
	if err != nil {
		return challenge.Challenge{}, err
	}
	if _, err := s.store.GetAgent(ctx, callerID); err != nil {
		return challenge.Challenge{}, err
	}
	return s.verifier.Issue(ctx, callerID)
}

// VerifyWalletChallenge links the wallet key to the caller once it has signed
// the outstanding challenge.
func (s *MarketService) VerifyWalletChallenge(ctx context.Context, callerID string, req VerifyWalletRequest) (domain.Agent, error) {
	callerID, err := requireCaller(callerID)
	if err != nil {
		return domain.Agent{}, err
	}
	publicKey := strings.ToLower(strings.TrimSpace(req.PublicKeyHex))
	if err := s.verifier.Verify(ctx, callerID, publicKey, strings.TrimSpace(req.SignatureHex)); err != nil {
		return domain.Agent{}, err
	}
	if err := s.store.SetAgentWallet(ctx, callerID, publicKey, s.now()); err != nil {
		return domain.Agent{}, err
	}
	s.log.Info("wallet linked", "agent_id", callerID)
	return s.store.GetAgent(ctx, callerID)
}

func (s *MarketService) GetReferral(ctx context.Context, callerID string) (ReferralInfo, error) {
	callerID, err := requireCaller(callerID)
	if err != nil {
		return ReferralInfo{}, err
	}
	agent, err := s.store.GetAgent(ctx, callerID)
	if err != nil {
		return ReferralInfo{}, err
	}
	info := ReferralInfo{AgentID: agent.ID, ReferralCode: agent.ReferralCode}
	referral, ok, err := s.store.FindReferralByReferee(ctx, agent.ID)
	if err != nil {
		return ReferralInfo{}, err
	}
	if ok {
		info.ReferredBy = &referral
	}
	return info, nil
}

func (s *MarketService) PlatformSpend(ctx context.Context, day string) (domain.PlatformSpendRecord, error) {
	return s.gate.PlatformSpend(ctx, strings.TrimSpace(day))
}
