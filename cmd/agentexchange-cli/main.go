package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/bcrosbie/agentexchange/internal/rpccontract"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}

	base := flag.NewFlagSet("agentexchange-cli", flag.ExitOnError)
	addr := base.String("addr", "127.0.0.1:50051", "gRPC address")
	key := base.String("key", os.Getenv("AGX_API_KEY"), "agent API key or admin token")
	timeout := base.Duration("timeout", 7*time.Second, "per-call timeout")
	_ = base.Parse(os.Args[1:])

	args := base.Args()
	if len(args) == 0 {
		usage()
		return
	}

	command := args[0]
	commandArgs := args[1:]

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if *key != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-agx-key", *key)
	}

	switch command {
	case "health":
		call(ctx, conn, rpccontract.MethodGetHealth, nil)
	case "register":
		runRegister(ctx, conn, commandArgs)
	case "get-agent":
		runAgentQuery(ctx, conn, rpccontract.MethodGetAgent, command, commandArgs)
	case "verify-agent":
		runAgentQuery(ctx, conn, rpccontract.MethodVerifyAgent, command, commandArgs)
	case "reputation":
		runAgentQuery(ctx, conn, rpccontract.MethodGetReputation, command, commandArgs)
	case "trend":
		runAgentQuery(ctx, conn, rpccontract.MethodReputationTrend, command, commandArgs)
	case "stats":
		runAgentQuery(ctx, conn, rpccontract.MethodExecutionStats, command, commandArgs)
	case "recalculate":
		runAgentQuery(ctx, conn, rpccontract.MethodRecalculateReputation, command, commandArgs)
	case "recalculate-all":
		call(ctx, conn, rpccontract.MethodRecalculateAll, nil)
	case "discover":
		runDiscover(ctx, conn, commandArgs)
	case "rate-limits":
		call(ctx, conn, rpccontract.MethodGetRateLimits, nil)
	case "add-credits":
		runAddCredits(ctx, conn, commandArgs)
	case "start":
		runStart(ctx, conn, commandArgs)
	case "complete":
		runComplete(ctx, conn, commandArgs)
	case "fail":
		runFail(ctx, conn, commandArgs)
	case "get-execution":
		runGetExecution(ctx, conn, commandArgs)
	case "list-executions":
		runListExecutions(ctx, conn, commandArgs)
	case "create-work-order":
		runCreateWorkOrder(ctx, conn, commandArgs)
	case "accept-work-order":
		runWorkOrderAction(ctx, conn, rpccontract.MethodAcceptWorkOrder, command, commandArgs)
	case "reject-work-order":
		runWorkOrderAction(ctx, conn, rpccontract.MethodRejectWorkOrder, command, commandArgs)
	case "complete-work-order":
		runWorkOrderAction(ctx, conn, rpccontract.MethodCompleteWorkOrder, command, commandArgs)
	case "get-work-order":
		runWorkOrderAction(ctx, conn, rpccontract.MethodGetWorkOrder, command, commandArgs)
	case "link-wallet":
		runLinkWallet(ctx, conn, commandArgs)
	case "referral":
		call(ctx, conn, rpccontract.MethodGetReferral, nil)
	case "platform-spend":
		runPlatformSpend(ctx, conn, commandArgs)
	case "call":
		runRaw(ctx, conn, commandArgs)
	default:
		usage()
	}
}

func runRegister(ctx context.Context, conn grpc.ClientConnInterface, args []string) {
	flags := flag.NewFlagSet("register", flag.ExitOnError)
	name := flags.String("name", "", "required")
	email := flags.String("email", "", "required owner email")
	capabilities := flags.String("capabilities", "", "required, comma separated")
	description := flags.String("description", "", "optional")
	cost := flags.Float64("cost-usd", 0, "optional price per call")
	endpoint := flags.String("endpoint", "", "optional execution endpoint")
	referral := flags.String("referral-code", "", "optional REF-XXXXXXXX")
	_ = flags.Parse(args)

	if *name == "" || *email == "" || *capabilities == "" {
		log.Fatalf("register requires --name, --email and --capabilities")
	}
	call(ctx, conn, rpccontract.MethodRegisterAgent, map[string]any{
		"name":               *name,
		"owner_email":        *email,
		"capabilities":       splitList(*capabilities),
		"description":        *description,
		"cost_usd":           *cost,
		"execution_endpoint": *endpoint,
		"referral_code":      *referral,
	})
}

func runAgentQuery(ctx context.Context, conn grpc.ClientConnInterface, method, name string, args []string) {
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	agentID := flags.String("agent-id", "", "required")
	days := flags.Int("days", 0, "optional window for trend and stats")
	_ = flags.Parse(args)

	if *agentID == "" {
		log.Fatalf("%s requires --agent-id", name)
	}
	call(ctx, conn, method, map[string]any{"agent_id": *agentID, "days": *days})
}

func runDiscover(ctx context.Context, conn grpc.ClientConnInterface, args []string) {
	flags := flag.NewFlagSet("discover", flag.ExitOnError)
	capabilities := flags.String("capabilities", "", "required, comma separated")
	maxCost := flags.Float64("max-cost-usd", -1, "optional")
	minReputation := flags.Float64("min-reputation", -1, "optional, 0..1")
	maxLatency := flags.Int64("max-latency-ms", -1, "optional")
	_ = flags.Parse(args)

	if *capabilities == "" {
		log.Fatalf("discover requires --capabilities")
	}
	constraints := map[string]any{}
	if *maxCost >= 0 {
		constraints["max_cost_usd"] = *maxCost
	}
	if *minReputation >= 0 {
		constraints["min_reputation"] = *minReputation
	}
	if *maxLatency >= 0 {
		constraints["max_latency_ms"] = *maxLatency
	}
	call(ctx, conn, rpccontract.MethodDiscover, map[string]any{
		"capabilities": splitList(*capabilities),
		"constraints":  constraints,
	})
}

func runAddCredits(ctx context.Context, conn grpc.ClientConnInterface, args []string) {
	flags := flag.NewFlagSet("add-credits", flag.ExitOnError)
	agentID := flags.String("agent-id", "", "required")
	calls := flags.Int64("calls", 0, "required, positive")
	idempotencyKey := flags.String("idempotency-key", "", "optional, generated when empty")
	_ = flags.Parse(args)

	if *agentID == "" || *calls <= 0 {
		log.Fatalf("add-credits requires --agent-id and a positive --calls")
	}
	call(ctx, conn, rpccontract.MethodAddPaidCredits, map[string]any{
		"agent_id":        *agentID,
		"calls":           *calls,
		"idempotency_key": orNewKey(*idempotencyKey),
	})
}

func runStart(ctx context.Context, conn grpc.ClientConnInterface, args []string) {
	flags := flag.NewFlagSet("start", flag.ExitOnError)
	executorID := flags.String("executor-id", "", "required")
	capability := flags.String("capability", "", "required")
	quoted := flags.Float64("quoted-cost-usd", 0, "optional, defaults to the executor's price")
	idempotencyKey := flags.String("idempotency-key", "", "optional, generated when empty")
	_ = flags.Parse(args)

	if *executorID == "" || *capability == "" {
		log.Fatalf("start requires --executor-id and --capability")
	}
	call(ctx, conn, rpccontract.MethodStartExecution, map[string]any{
		"executor_id":     *executorID,
		"capability":      *capability,
		"quoted_cost_usd": *quoted,
		"idempotency_key": orNewKey(*idempotencyKey),
	})
}

func runComplete(ctx context.Context, conn grpc.ClientConnInterface, args []string) {
	flags := flag.NewFlagSet("complete", flag.ExitOnError)
	executionID := flags.String("execution-id", "", "required")
	success := flags.Bool("success", true, "true|false")
	cost := flags.Float64("actual-cost-usd", 0, "optional")
	latency := flags.Int64("latency-ms", 0, "optional")
	rating := flags.Int("rating", 0, "optional 1..5")
	idempotencyKey := flags.String("idempotency-key", "", "optional, generated when empty")
	_ = flags.Parse(args)

	if *executionID == "" {
		log.Fatalf("complete requires --execution-id")
	}
	call(ctx, conn, rpccontract.MethodCompleteExecution, map[string]any{
		"execution_id":    *executionID,
		"success":         *success,
		"actual_cost_usd": *cost,
		"latency_ms":      *latency,
		"rating":          *rating,
		"idempotency_key": orNewKey(*idempotencyKey),
	})
}

func runFail(ctx context.Context, conn grpc.ClientConnInterface, args []string) {
	flags := flag.NewFlagSet("fail", flag.ExitOnError)
	executionID := flags.String("execution-id", "", "required")
	errorCode := flags.String("error-code", "", "optional, e.g. timeout")
	message := flags.String("message", "", "optional")
	latency := flags.Int64("latency-ms", 0, "optional")
	idempotencyKey := flags.String("idempotency-key", "", "optional, generated when empty")
	_ = flags.Parse(args)

	if *executionID == "" {
		log.Fatalf("fail requires --execution-id")
	}
	call(ctx, conn, rpccontract.MethodFailExecution, map[string]any{
		"execution_id":    *executionID,
		"error_code":      *errorCode,
		"message":         *message,
		"latency_ms":      *latency,
		"idempotency_key": orNewKey(*idempotencyKey),
	})
}

func runGetExecution(ctx context.Context, conn grpc.ClientConnInterface, args []string) {
	flags := flag.NewFlagSet("get-execution", flag.ExitOnError)
	executionID := flags.String("execution-id", "", "required")
	_ = flags.Parse(args)

	if *executionID == "" {
		log.Fatalf("get-execution requires --execution-id")
	}
	call(ctx, conn, rpccontract.MethodGetExecution, map[string]any{"execution_id": *executionID})
}

func runListExecutions(ctx context.Context, conn grpc.ClientConnInterface, args []string) {
	flags := flag.NewFlagSet("list-executions", flag.ExitOnError)
	role := flags.String("role", "executor", "executor|requester")
	status := flags.String("status", "", "optional running|completed|failed")
	limit := flags.Int("limit", 0, "optional")
	_ = flags.Parse(args)

	call(ctx, conn, rpccontract.MethodListAgentExecutions, map[string]any{
		"role":   *role,
		"status": *status,
		"limit":  *limit,
	})
}

func runCreateWorkOrder(ctx context.Context, conn grpc.ClientConnInterface, args []string) {
	flags := flag.NewFlagSet("create-work-order", flag.ExitOnError)
	workerID := flags.String("worker-id", "", "required")
	title := flags.String("title", "", "required")
	description := flags.String("description", "", "optional")
	budget := flags.Float64("budget-usd", 0, "optional")
	idempotencyKey := flags.String("idempotency-key", "", "optional, generated when empty")
	_ = flags.Parse(args)

	if *workerID == "" || *title == "" {
		log.Fatalf("create-work-order requires --worker-id and --title")
	}
	call(ctx, conn, rpccontract.MethodCreateWorkOrder, map[string]any{
		"worker_agent_id": *workerID,
		"title":           *title,
		"description":     *description,
		"budget_usd":      *budget,
		"idempotency_key": orNewKey(*idempotencyKey),
	})
}

func runWorkOrderAction(ctx context.Context, conn grpc.ClientConnInterface, method, name string, args []string) {
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	orderID := flags.String("work-order-id", "", "required")
	reason := flags.String("reason", "", "optional rejection reason")
	_ = flags.Parse(args)

	if *orderID == "" {
		log.Fatalf("%s requires --work-order-id", name)
	}
	call(ctx, conn, method, map[string]any{"work_order_id": *orderID, "reason": *reason})
}

// runLinkWallet requests a challenge, signs it with the given ed25519 seed
// and submits the signature.
func runLinkWallet(ctx context.Context, conn grpc.ClientConnInterface, args []string) {
	flags := flag.NewFlagSet("link-wallet", flag.ExitOnError)
	seedHex := flags.String("seed-hex", os.Getenv("AGX_WALLET_SEED"), "required 32-byte ed25519 seed, hex")
	_ = flags.Parse(args)

	seed, err := hex.DecodeString(strings.TrimSpace(*seedHex))
	if err != nil || len(seed) != ed25519.SeedSize {
		log.Fatalf("link-wallet requires --seed-hex with a %d-byte hex seed", ed25519.SeedSize)
	}
	privateKey := ed25519.NewKeyFromSeed(seed)

	issued := invoke(ctx, conn, rpccontract.MethodIssueWalletChallenge, nil)
	message, _ := issued["message"].(string)
	if message == "" {
		log.Fatalf("challenge response carried no message")
	}
	call(ctx, conn, rpccontract.MethodVerifyWalletChallenge, map[string]any{
		"public_key": hex.EncodeToString(privateKey.Public().(ed25519.PublicKey)),
		"signature":  hex.EncodeToString(ed25519.Sign(privateKey, []byte(message))),
	})
}

func runPlatformSpend(ctx context.Context, conn grpc.ClientConnInterface, args []string) {
	flags := flag.NewFlagSet("platform-spend", flag.ExitOnError)
	day := flags.String("day", "", "optional YYYY-MM-DD, defaults to today UTC")
	_ = flags.Parse(args)

	call(ctx, conn, rpccontract.MethodGetPlatformSpend, map[string]any{"day": *day})
}

func runRaw(ctx context.Context, conn grpc.ClientConnInterface, args []string) {
	flags := flag.NewFlagSet("call", flag.ExitOnError)
	method := flags.String("method", "", "required, e.g. GetAgent")
	payload := flags.String("json", "{}", "request body as a JSON object")
	_ = flags.Parse(args)

	if *method == "" {
		log.Fatalf("call requires --method")
	}
	fullMethod := *method
	if !strings.HasPrefix(fullMethod, "/") {
		fullMethod = "/" + rpccontract.ServiceName + "/" + fullMethod
	}
	request := map[string]any{}
	if err := json.Unmarshal([]byte(*payload), &request); err != nil {
		log.Fatalf("--json must be a JSON object: %v", err)
	}
	call(ctx, conn, fullMethod, request)
}

func invoke(ctx context.Context, conn grpc.ClientConnInterface, method string, fields map[string]any) map[string]any {
	if fields == nil {
		fields = map[string]any{}
	}
	request, err := structpb.NewStruct(fields)
	if err != nil {
		log.Fatalf("request build error: %v", err)
	}
	response := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, request, response); err != nil {
		log.Fatalf("rpc error %s: %v", method, err)
	}
	return response.AsMap()
}

func call(ctx context.Context, conn grpc.ClientConnInterface, method string, fields map[string]any) {
	printJSON(invoke(ctx, conn, method, fields))
}

func splitList(raw string) []any {
	var out []any
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func orNewKey(key string) string {
	if strings.TrimSpace(key) != "" {
		return key
	}
	return uuid.NewString()
}

func printJSON(value any) {
	serialized, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		log.Fatalf("encode error: %v", err)
	}
	fmt.Println(string(serialized))
}

func usage() {
	fmt.Print(`agentexchange gRPC CLI

Usage:
  agentexchange-cli [--addr 127.0.0.1:50051] [--key agx_live_...] <command> [flags]

Commands:
  health
  register --name "..." --email "..." --capabilities summarize,translate [--cost-usd 0.02 --referral-code REF-...]
  get-agent --agent-id "..."
  verify-agent --agent-id "..."
  discover --capabilities summarize [--max-cost-usd 0.1 --min-reputation 0.6 --max-latency-ms 2000]
  rate-limits
  start --executor-id "..." --capability summarize
  complete --execution-id "..." --success=true --actual-cost-usd 0.02 --latency-ms 800 --rating 5
  fail --execution-id "..." --error-code timeout
  get-execution --execution-id "..."
  list-executions [--role executor|requester --status completed --limit 50]
  stats --agent-id "..." [--days 7]
  reputation --agent-id "..."
  trend --agent-id "..." [--days 30]
  create-work-order --worker-id "..." --title "..." [--budget-usd 25]
  accept-work-order|reject-work-order|complete-work-order|get-work-order --work-order-id "..."
  link-wallet --seed-hex "..."
  referral
  call --method GetAgent --json '{"agent_id":"..."}'

Admin commands (--key is the admin token):
  add-credits --agent-id "..." --calls 100
  recalculate --agent-id "..."
  recalculate-all
  platform-spend [--day 2026-06-02]
`)
}
