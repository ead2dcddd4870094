package service

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/bcrosbie/agentexchange/internal/abuse"
	"github.com/bcrosbie/agentexchange/internal/cache"
	"github.com/bcrosbie/agentexchange/internal/challenge"
	"github.com/bcrosbie/agentexchange/internal/config"
	"github.com/bcrosbie/agentexchange/internal/credit"
	"github.com/bcrosbie/agentexchange/internal/discovery"
	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/bcrosbie/agentexchange/internal/events"
	"github.com/bcrosbie/agentexchange/internal/execution"
	"github.com/bcrosbie/agentexchange/internal/logger"
	"github.com/bcrosbie/agentexchange/internal/reputation"
	"github.com/bcrosbie/agentexchange/internal/settlement"
	"github.com/bcrosbie/agentexchange/internal/store"
	"github.com/bcrosbie/agentexchange/internal/telemetry"
	"github.com/bcrosbie/agentexchange/internal/workorder"
	"github.com/google/uuid"
)

const localChallengeCacheBytes = 8 << 20

// MarketService composes the marketplace components behind one API used by
// both transports. Methods taking a callerID expect the authenticated agent.
type MarketService struct {
	store      store.Store
	gate       *abuse.Gate
	meter      *credit.Meter
	tracker    *execution.Tracker
	engine     *reputation.Engine
	matcher    *discovery.Matcher
	calculator *settlement.Calculator
	board      *workorder.Board
	verifier   *challenge.Verifier

	cache      cache.Cache
	challenges challenge.Store
	publisher  events.Publisher
	closers    []func()

	now     func() time.Time
	newID   func() string
	metrics *telemetry.Metrics
	log     *slog.Logger
}

type Option func(*MarketService)

func WithClock(now func() time.Time) Option {
	return func(s *MarketService) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *MarketService) { s.newID = newID }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(s *MarketService) { s.metrics = metrics }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *MarketService) { s.log = log }
}

// WithCache backs discovery results with c.
func WithCache(c cache.Cache) Option {
	return func(s *MarketService) { s.cache = c }
}

// WithChallengeStore shares wallet challenges across instances. Without it a
// process-local store is used.
func WithChallengeStore(cs challenge.Store) Option {
	return func(s *MarketService) { s.challenges = cs }
}

// WithPublisher announces sealed executions.
func WithPublisher(publisher events.Publisher) Option {
	return func(s *MarketService) { s.publisher = publisher }
}

func NewMarketService(cfg config.Config, st store.Store, opts ...Option) (*MarketService, error) {
	s := &MarketService{
		store: st,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrDefault(s.log)
	if s.challenges == nil {
		local, err := challenge.NewLocalStore(localChallengeCacheBytes)
		if err != nil {
			return nil, err
		}
		s.challenges = local
		s.closers = append(s.closers, local.Close)
	}

	s.gate = abuse.NewGate(st, abuse.PolicyFromConfig(cfg.Abuse),
		abuse.WithClock(s.now), abuse.WithMetrics(s.metrics), abuse.WithLogger(s.log))
	s.meter = credit.NewMeter(st, s.gate, credit.PolicyFromConfig(cfg.Quota),
		credit.WithClock(s.now), credit.WithMetrics(s.metrics), credit.WithLogger(s.log))

	trackerOpts := []execution.Option{
		execution.WithClock(s.now),
		execution.WithIDGenerator(s.newID),
		execution.WithMetrics(s.metrics),
		execution.WithLogger(s.log),
	}
	if s.publisher != nil {
		trackerOpts = append(trackerOpts, execution.WithPublisher(s.publisher))
	}
	s.tracker = execution.NewTracker(st, trackerOpts...)

	s.engine = reputation.NewEngine(st, reputation.PolicyFromConfig(cfg.Reputation),
		reputation.WithClock(s.now),
		reputation.WithIDGenerator(s.newID),
		reputation.WithBatch(cfg.Reputation.Workers, cfg.Reputation.MinNewExecutions),
		reputation.WithMetrics(s.metrics),
		reputation.WithLogger(s.log),
	)

	s.calculator = settlement.NewCalculator(settlement.RatesFromConfig(cfg.Settlement))
	matcherOpts := []discovery.Option{
		discovery.WithClock(s.now),
		discovery.WithMetrics(s.metrics),
		discovery.WithLogger(s.log),
	}
	if s.cache != nil {
		matcherOpts = append(matcherOpts, discovery.WithCache(s.cache))
	}
	s.matcher = discovery.NewMatcher(st, s.calculator, discovery.PolicyFromConfig(cfg.Discovery), matcherOpts...)

	s.board = workorder.NewBoard(st,
		workorder.WithClock(s.now), workorder.WithIDGenerator(s.newID), workorder.WithLogger(s.log))
	s.verifier = challenge.NewVerifier(s.challenges, cfg.Challenge.TTL, challenge.WithClock(s.now))

	s.log = s.log.With("component", "service")
	return s, nil
}

// Reputation exposes the engine for the background worker and event wiring.
func (s *MarketService) Reputation() *reputation.Engine {
	return s.engine
}

func (s *MarketService) Close() {
	for _, closeFn := range slices.Backward(s.closers) {
		closeFn()
	}
}

func (s *MarketService) Health(ctx context.Context) map[string]any {
	status, storeStatus := "ok", "ok"
	if err := s.store.Ping(ctx); err != nil {
		status, storeStatus = "degraded", err.Error()
	}
	return map[string]any{
		"status":   status,
		"store":    storeStatus,
		"time_utc": timeNow(s.now),
	}
}

func requireCaller(callerID string) (string, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return "", domain.Unauthenticated("agent credentials are required")
	}
	return callerID, nil
}

func normalizeCapabilities(capabilities []string) []string {
	seen := make(map[string]struct{}, len(capabilities))
	out := make([]string, 0, len(capabilities))
	for _, capability := range capabilities {
		clean := strings.ToLower(strings.TrimSpace(capability))
		if clean == "" {
			continue
		}
		if _, exists := seen[clean]; exists {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, clean)
	}
	slices.Sort(out)
	return out
}

func timeNow(now func() time.Time) string {
	return now().UTC().Format(time.RFC3339)
}
