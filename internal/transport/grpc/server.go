package grpcx

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bcrosbie/agentexchange/internal/discovery"
	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/bcrosbie/agentexchange/internal/rpccontract"
	"github.com/bcrosbie/agentexchange/internal/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

type MarketRPCServer interface {
	GetHealth(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyAgent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Discover(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRateLimits(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddPaidCredits(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartExecution(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompleteExecution(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FailExecution(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetExecution(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAgentExecutions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExecutionStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetReputation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReputationTrend(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecalculateReputation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecalculateAll(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateWorkOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AcceptWorkOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RejectWorkOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompleteWorkOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetWorkOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IssueWalletChallenge(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyWalletChallenge(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetReferral(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPlatformSpend(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type rpcMethod func(MarketRPCServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var methodTable = map[string]rpcMethod{
	rpccontract.MethodGetHealth:             MarketRPCServer.GetHealth,
	rpccontract.MethodRegisterAgent:         MarketRPCServer.RegisterAgent,
	rpccontract.MethodGetAgent:              MarketRPCServer.GetAgent,
	rpccontract.MethodVerifyAgent:           MarketRPCServer.VerifyAgent,
	rpccontract.MethodDiscover:              MarketRPCServer.Discover,
	rpccontract.MethodGetRateLimits:         MarketRPCServer.GetRateLimits,
	rpccontract.MethodAddPaidCredits:        MarketRPCServer.AddPaidCredits,
	rpccontract.MethodStartExecution:        MarketRPCServer.StartExecution,
	rpccontract.MethodCompleteExecution:     MarketRPCServer.CompleteExecution,
	rpccontract.MethodFailExecution:         MarketRPCServer.FailExecution,
	rpccontract.MethodGetExecution:          MarketRPCServer.GetExecution,
	rpccontract.MethodListAgentExecutions:   MarketRPCServer.ListAgentExecutions,
	rpccontract.MethodExecutionStats:        MarketRPCServer.ExecutionStats,
	rpccontract.MethodGetReputation:         MarketRPCServer.GetReputation,
	rpccontract.MethodReputationTrend:       MarketRPCServer.ReputationTrend,
	rpccontract.MethodRecalculateReputation: MarketRPCServer.RecalculateReputation,
	rpccontract.MethodRecalculateAll:        MarketRPCServer.RecalculateAll,
	rpccontract.MethodCreateWorkOrder:       MarketRPCServer.CreateWorkOrder,
	rpccontract.MethodAcceptWorkOrder:       MarketRPCServer.AcceptWorkOrder,
	rpccontract.MethodRejectWorkOrder:       MarketRPCServer.RejectWorkOrder,
	rpccontract.MethodCompleteWorkOrder:     MarketRPCServer.CompleteWorkOrder,
	rpccontract.MethodGetWorkOrder:          MarketRPCServer.GetWorkOrder,
	rpccontract.MethodIssueWalletChallenge:  MarketRPCServer.IssueWalletChallenge,
	rpccontract.MethodVerifyWalletChallenge: MarketRPCServer.VerifyWalletChallenge,
	rpccontract.MethodGetReferral:           MarketRPCServer.GetReferral,
	rpccontract.MethodGetPlatformSpend:      MarketRPCServer.GetPlatformSpend,
}

func RegisterMarketServer(server *grpc.Server, handler MarketRPCServer) {
	methods := make([]grpc.MethodDesc, 0, len(rpccontract.Methods))
	for _, fullMethod := range rpccontract.Methods {
		methods = append(methods, grpc.MethodDesc{
			MethodName: strings.TrimPrefix(fullMethod, "/"+rpccontract.ServiceName+"/"),
			Handler:    unaryHandler(fullMethod, methodTable[fullMethod]),
		})
	}
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: rpccontract.ServiceName,
		HandlerType: (*MarketRPCServer)(nil),
		Methods:     methods,
		Streams:     []grpc.StreamDesc{},
		Metadata:    "proto/agentexchange/v1/marketplace.proto",
	}, handler)
}

func unaryHandler(fullMethod string, call rpcMethod) grpc.MethodHandler {
	return func(
		srv any,
		ctx context.Context,
		decoder func(any) error,
		interceptor grpc.UnaryServerInterceptor,
	) (any, error) {
		request := new(structpb.Struct)
		if err := decoder(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MarketRPCServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(MarketRPCServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, request, info, handler)
	}
}

type MarketHandler struct {
	market         *service.MarketService
	clientIPHeader string
}

// NewMarketHandler serves market. When clientIPHeader is set, the signup IP
// is read from that metadata key before falling back to the peer address.
func NewMarketHandler(market *service.MarketService, clientIPHeader string) *MarketHandler {
	return &MarketHandler{market: market, clientIPHeader: strings.ToLower(strings.TrimSpace(clientIPHeader))}
}

func (h *MarketHandler) clientIP(ctx context.Context) string {
	if h.clientIPHeader != "" {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			forwarded, _, _ := strings.Cut(first(md.Get(h.clientIPHeader)), ",")
			if forwarded = strings.TrimSpace(forwarded); forwarded != "" {
				return forwarded
			}
		}
	}
	return remoteIP(ctx)
}

type agentRequest struct {
	AgentID string `json:"agent_id"`
	Days    int    `json:"days"`
}

type executionRequest struct {
	ExecutionID string `json:"execution_id"`
}

type platformSpendRequest struct {
	Day string `json:"day"`
}

func callerID(ctx context.Context) string {
	principal, _ := principalFromContext(ctx)
	return principal.AgentID
}

func (h *MarketHandler) GetHealth(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(h.market.Health(ctx))
}

func (h *MarketHandler) RegisterAgent(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.RegisterAgentRequest](request)
	if err != nil {
		return nil, err
	}
	decoded.SignupIP = h.clientIP(ctx)
	return respond(h.market.RegisterAgent(ctx, decoded))
}

func (h *MarketHandler) GetAgent(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[agentRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.GetAgent(ctx, callerID(ctx), decoded.AgentID))
}

func (h *MarketHandler) VerifyAgent(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[agentRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.VerifyAgent(ctx, decoded.AgentID))
}

func (h *MarketHandler) Discover(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[discovery.Request](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.Discover(ctx, decoded))
}

func (h *MarketHandler) GetRateLimits(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return respond(h.market.GetRateLimits(ctx, callerID(ctx)))
}

func (h *MarketHandler) AddPaidCredits(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.AddPaidCreditsRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.AddPaidCredits(ctx, decoded))
}

func (h *MarketHandler) StartExecution(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.StartExecutionRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.StartExecution(ctx, callerID(ctx), decoded))
}

func (h *MarketHandler) CompleteExecution(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.CompleteExecutionRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.CompleteExecution(ctx, callerID(ctx), decoded))
}

func (h *MarketHandler) FailExecution(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.FailExecutionRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.FailExecution(ctx, callerID(ctx), decoded))
}

func (h *MarketHandler) GetExecution(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[executionRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.GetExecution(ctx, callerID(ctx), decoded.ExecutionID))
}

// ListAgentExecutions always lists the caller's own executions.
func (h *MarketHandler) ListAgentExecutions(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.ListExecutionsRequest](request)
	if err != nil {
		return nil, err
	}
	decoded.AgentID = callerID(ctx)
	records, err := h.market.ListAgentExecutions(ctx, decoded)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"executions": records})
}

func (h *MarketHandler) ExecutionStats(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[agentRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.ExecutionStats(ctx, decoded.AgentID, decoded.Days))
}

func (h *MarketHandler) GetReputation(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[agentRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.GetReputation(ctx, decoded.AgentID))
}

func (h *MarketHandler) ReputationTrend(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[agentRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.ReputationTrend(ctx, decoded.AgentID, decoded.Days))
}

func (h *MarketHandler) RecalculateReputation(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[agentRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.RecalculateReputation(ctx, decoded.AgentID))
}

func (h *MarketHandler) RecalculateAll(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return respond(h.market.RecalculateAll(ctx))
}

func (h *MarketHandler) CreateWorkOrder(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.CreateWorkOrderRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.CreateWorkOrder(ctx, callerID(ctx), decoded))
}

func (h *MarketHandler) AcceptWorkOrder(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.WorkOrderActionRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.AcceptWorkOrder(ctx, callerID(ctx), decoded))
}

func (h *MarketHandler) RejectWorkOrder(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.WorkOrderActionRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.RejectWorkOrder(ctx, callerID(ctx), decoded))
}

func (h *MarketHandler) CompleteWorkOrder(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.WorkOrderActionRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.CompleteWorkOrder(ctx, callerID(ctx), decoded))
}

func (h *MarketHandler) GetWorkOrder(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.WorkOrderActionRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.GetWorkOrder(ctx, callerID(ctx), decoded.WorkOrderID))
}

func (h *MarketHandler) IssueWalletChallenge(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return respond(h.market.IssueWalletChallenge(ctx, callerID(ctx)))
}

func (h *MarketHandler) VerifyWalletChallenge(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[service.VerifyWalletRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.VerifyWalletChallenge(ctx, callerID(ctx), decoded))
}

func (h *MarketHandler) GetReferral(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return respond(h.market.GetReferral(ctx, callerID(ctx)))
}

func (h *MarketHandler) GetPlatformSpend(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	decoded, err := decodeStruct[platformSpendRequest](request)
	if err != nil {
		return nil, err
	}
	return respond(h.market.PlatformSpend(ctx, decoded.Day))
}

func respond[T any](value T, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, err
	}
	return toStruct(value)
}

func toStruct(value any) (*structpb.Struct, error) {
	serialized, err := json.Marshal(value)
	if err != nil {
		return nil, domain.Internal("failed to encode response", err)
	}

	decoded := map[string]any{}
	if err := json.Unmarshal(serialized, &decoded); err != nil {
		return nil, domain.Internal("failed to shape response object", err)
	}
	result, err := structpb.NewStruct(decoded)
	if err != nil {
		return nil, domain.Internal("failed to convert response to protobuf struct", err)
	}
	return result, nil
}

func decodeStruct[T any](input *structpb.Struct) (T, error) {
	var out T
	if input == nil {
		return out, nil
	}
	serialized, err := json.Marshal(input.AsMap())
	if err != nil {
		return out, domain.InvalidArgument("request payload could not be encoded")
	}
	if err := json.Unmarshal(serialized, &out); err != nil {
		return out, domain.InvalidArgument("request payload shape is invalid")
	}
	return out, nil
}
