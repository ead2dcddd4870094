package rpccontract

const (
	ServiceName = "agentexchange.v1.Marketplace"
)

const (
	MethodGetHealth             = "/" + ServiceName + "/GetHealth"
	MethodRegisterAgent         = "/" + ServiceName + "/RegisterAgent"
	MethodGetAgent              = "/" + ServiceName + "/GetAgent"
	MethodVerifyAgent           = "/" + ServiceName + "/VerifyAgent"
	MethodDiscover              = "/" + ServiceName + "/Discover"
	MethodGetRateLimits         = "/" + ServiceName + "/GetRateLimits"
	MethodAddPaidCredits        = "/" + ServiceName + "/AddPaidCredits"
	MethodStartExecution        = "/" + ServiceName + "/StartExecution"
	MethodCompleteExecution     = "/" + ServiceName + "/CompleteExecution"
	MethodFailExecution         = "/" + ServiceName + "/FailExecution"
	MethodGetExecution          = "/" + ServiceName + "/GetExecution"
	MethodListAgentExecutions   = "/" + ServiceName + "/ListAgentExecutions"
	MethodExecutionStats        = "/" + ServiceName + "/ExecutionStats"
	MethodGetReputation         = "/" + ServiceName + "/GetReputation"
	MethodReputationTrend       = "/" + ServiceName + "/ReputationTrend"
	MethodRecalculateReputation = "/" + ServiceName + "/RecalculateReputation"
	MethodRecalculateAll        = "/" + ServiceName + "/RecalculateAll"
	MethodCreateWorkOrder       = "/" + ServiceName + "/CreateWorkOrder"
	MethodAcceptWorkOrder       = "/" + ServiceName + "/AcceptWorkOrder"
	MethodRejectWorkOrder       = "/" + ServiceName + "/RejectWorkOrder"
	MethodCompleteWorkOrder     = "/" + ServiceName + "/CompleteWorkOrder"
	MethodGetWorkOrder          = "/" + ServiceName + "/GetWorkOrder"
	MethodIssueWalletChallenge  = "/" + ServiceName + "/IssueWalletChallenge"
	MethodVerifyWalletChallenge = "/" + ServiceName + "/VerifyWalletChallenge"
	MethodGetReferral           = "/" + ServiceName + "/GetReferral"
	MethodGetPlatformSpend      = "/" + ServiceName + "/GetPlatformSpend"
)

// PublicMethods need no credentials.
var PublicMethods = map[string]struct{}{
	MethodGetHealth:       {},
	MethodRegisterAgent:   {},
	MethodGetAgent:        {},
	MethodVerifyAgent:     {},
	MethodDiscover:        {},
	MethodExecutionStats:  {},
	MethodGetReputation:   {},
	MethodReputationTrend: {},
}

// AdminMethods require the operator token.
var AdminMethods = map[string]struct{}{
	MethodAddPaidCredits:        {},
	MethodRecalculateReputation: {},
	MethodRecalculateAll:        {},
	MethodGetPlatformSpend:      {},
}

// IdempotentMethods accept an idempotency_key so client retries do not
// charge, refund or settle twice.
var IdempotentMethods = map[string]struct{}{
	MethodAddPaidCredits:    {},
	MethodStartExecution:    {},
	MethodCompleteExecution: {},
	MethodFailExecution:     {},
	MethodCreateWorkOrder:   {},
}

// Methods lists every RPC in registration order.
var Methods = []string{
	MethodGetHealth,
	MethodRegisterAgent,
	MethodGetAgent,
	MethodVerifyAgent,
	MethodDiscover,
	MethodGetRateLimits,
	MethodAddPaidCredits,
	MethodStartExecution,
	MethodCompleteExecution,
	MethodFailExecution,
	MethodGetExecution,
	MethodListAgentExecutions,
	MethodExecutionStats,
	MethodGetReputation,
	MethodReputationTrend,
	MethodRecalculateReputation,
	MethodRecalculateAll,
	MethodCreateWorkOrder,
	MethodAcceptWorkOrder,
	MethodRejectWorkOrder,
	MethodCompleteWorkOrder,
	MethodGetWorkOrder,
	MethodIssueWalletChallenge,
	MethodVerifyWalletChallenge,
	MethodGetReferral,
	MethodGetPlatformSpend,
}
