// Package abuse holds the sign-up time checks that protect the free tier:
// per-IP signup velocity, disposable email domains and the platform-wide
// daily free-tier spend cap.
package abuse

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/bcrosbie/agentexchange/internal/config"
	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/bcrosbie/agentexchange/internal/logger"
	"github.com/bcrosbie/agentexchange/internal/telemetry"
)

// Store is the slice of persistence the gate owns.
type Store interface {
	SignupCount(ctx context.Context, ip, day string) (int64, error)
	IncrementSignup(ctx context.Context, ip, day string) (int64, error)
	ReleaseSignup(ctx context.Context, ip, day string) error
	IsDisposableDomain(ctx context.Context, emailDomain string) (bool, error)
	GetPlatformSpend(ctx context.Context, day string) (domain.PlatformSpendRecord, bool, error)
	AddPlatformSpend(ctx context.Context, delta domain.PlatformSpendDelta) (domain.PlatformSpendRecord, error)
}

type Policy struct {
	MaxSignupsPerIPPerDay int64
	DailySpendCapUSD      float64
	// AverageCallCostUSD is booked against the cap when a free call carries no quoted cost.
	AverageCallCostUSD float64
	DisposableDomains  []string
}

func PolicyFromConfig(cfg config.Abuse) Policy {
	return Policy{
		MaxSignupsPerIPPerDay: cfg.MaxSignupsPerIPPerDay,
		DailySpendCapUSD:      cfg.DailySpendCapUSD,
		AverageCallCostUSD:    cfg.AverageCallCostUSD,
		DisposableDomains:     cfg.DisposableDomains,
	}
}

type Gate struct {
	store      Store
	policy     Policy
	disposable map[string]struct{}
	now        func() time.Time
	metrics    *telemetry.Metrics
	log        *slog.Logger
}

type Option func(*Gate)

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(g *Gate) { g.metrics = metrics }
}

func WithLogger(log *slog.Logger) Option {
	return func(g *Gate) { g.log = log }
}

func NewGate(store Store, policy Policy, opts ...Option) *Gate {
	g := &Gate{
		store:      store,
		policy:     policy,
		disposable: map[string]struct{}{},
		now:        time.Now,
	}
	for _, item := range policy.DisposableDomains {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			g.disposable[item] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = logger.OrDefault(g.log).With("component", "abuse")
	return g
}

func (g *Gate) today() string {
	return domain.DayKey(g.now())
}

// parseIP accepts a bare address or host:port and folds IPv4-mapped IPv6.
func parseIP(raw string) (netip.Addr, error) {
	raw = strings.TrimSpace(raw)
	if addr, err := netip.ParseAddr(raw); err == nil {
		return addr.Unmap(), nil
	}
	addrPort, err := netip.ParseAddrPort(raw)
	if err != nil {
		return netip.Addr{}, domain.InvalidArgument("signup ip is not a valid address")
	}
	return addrPort.Addr().Unmap(), nil
}

func exempt(addr netip.Addr) bool {
	return addr.IsLoopback() || addr.IsPrivate()
}

// CheckSignupAllowed reports whether ip is still below today's signup ceiling.
func (g *Gate) CheckSignupAllowed(ctx context.Context, ip string) (bool, error) {
	addr, err := parseIP(ip)
	if err != nil {
		return false, err
	}
	if exempt(addr) {
		return true, nil
	}
	count, err := g.store.SignupCount(ctx, addr.String(), g.today())
	if err != nil {
		return false, err
	}
	return count < g.policy.MaxSignupsPerIPPerDay, nil
}

func (g *Gate) RecordSignup(ctx context.Context, ip string) error {
	addr, err := parseIP(ip)
	if err != nil {
		return err
	}
	_, err = g.store.IncrementSignup(ctx, addr.String(), g.today())
	return err
}

// IsDisposableEmail matches the address domain and each parent domain against
// the configured set and the stored denylist.
func (g *Gate) IsDisposableEmail(ctx context.Context, address string) (bool, error) {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return false, nil
	}
	host := strings.Trim(strings.ToLower(strings.TrimSpace(address[at+1:])), ".")
	for candidate := host; strings.Contains(candidate, "."); {
		if _, ok := g.disposable[candidate]; ok {
			return true, nil
		}
		listed, err := g.store.IsDisposableDomain(ctx, candidate)
		if err != nil {
			return false, err
		}
		if listed {
			return true, nil
		}
		_, parent, _ := strings.Cut(candidate, ".")
		candidate = parent
	}
	return false, nil
}

// CheckDailySpendCap reports whether free-tier spend may still grow on day.
func (g *Gate) CheckDailySpendCap(ctx context.Context, day string) (bool, error) {
	record, ok, err := g.store.GetPlatformSpend(ctx, day)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return !record.CapReached && record.TotalSpendUSD < g.policy.DailySpendCapUSD, nil
}

// SignupSlot is one signup counted against an IP for a day. Release gives it
// back when the registration does not go through.
type SignupSlot struct {
	gate *Gate
	ip   string
	day  string
}

func (s SignupSlot) Release(ctx context.Context) error {
	if s.gate == nil {
		return nil
	}
	return s.gate.store.ReleaseSignup(ctx, s.ip, s.day)
}

// AdmitSignup claims a slot under today's per-IP ceiling with a single atomic
// increment, then checks the email domain and the platform cap. Every
// rejection returns the slot.
func (g *Gate) AdmitSignup(ctx context.Context, ip, email string) (SignupSlot, error) {
	addr, err := parseIP(ip)
	if err != nil {
		return SignupSlot{}, err
	}
	slot := SignupSlot{gate: g, ip: addr.String(), day: g.today()}
	count, err := g.store.IncrementSignup(ctx, slot.ip, slot.day)
	if err != nil {
		return SignupSlot{}, err
	}
	if !exempt(addr) && count > g.policy.MaxSignupsPerIPPerDay {
		g.giveBack(ctx, slot)
		return SignupSlot{}, g.reject(ctx, domain.ReasonIPLimitExceeded, "too many signups from this address today")
	}
	if err := g.screenAccount(ctx, email); err != nil {
		g.giveBack(ctx, slot)
		return SignupSlot{}, err
	}
	return slot, nil
}

func (g *Gate) giveBack(ctx context.Context, slot SignupSlot) {
	if err := slot.Release(ctx); err != nil {
		g.log.Warn("signup slot was not released", "ip", slot.ip, "day", slot.day, "err", err)
	}
}

func (g *Gate) screenAccount(ctx context.Context, email string) error {
	disposable, err := g.IsDisposableEmail(ctx, email)
	if err != nil {
		return err
	}
	if disposable {
		return g.reject(ctx, domain.ReasonDisposableEmail, "disposable email domains are not accepted")
	}

	open, err := g.CheckDailySpendCap(ctx, g.today())
	if err != nil {
		return err
	}
	if !open {
		return g.reject(ctx, domain.ReasonPlatformCapReached, "free tier is closed for today; try again tomorrow")
	}
	return nil
}

func (g *Gate) reject(ctx context.Context, reason, message string) error {
	g.metrics.Signup(ctx, false, reason)
	g.log.Info("signup rejected", "reason", reason)
	return domain.AbuseRejected(reason, message)
}

func (g *Gate) bookedCost(costUSD float64) float64 {
	if costUSD > 0 {
		return costUSD
	}
	return g.policy.AverageCallCostUSD
}

// RecordFreeTierSpend books one free call against today's platform cap.
func (g *Gate) RecordFreeTierSpend(ctx context.Context, costUSD float64) error {
	now := g.now().UTC()
	cost := g.bookedCost(costUSD)
	record, err := g.store.AddPlatformSpend(ctx, domain.PlatformSpendDelta{
		Day:       domain.DayKey(now),
		FreeCalls: 1,
		SpendUSD:  cost,
		CapUSD:    g.policy.DailySpendCapUSD,
		At:        now,
	})
	if err != nil {
		return err
	}
	g.metrics.PlatformSpend(ctx, cost)
	if record.CapReached && record.CapReachedAt != nil && record.CapReachedAt.Equal(now) {
		g.log.Warn("platform free-tier spend cap reached", "day", record.Date, "total_spend_usd", record.TotalSpendUSD, "cap_usd", record.CapUSD)
	}
	return nil
}

// ReleaseFreeTierSpend returns a refunded free call to the day it was booked on.
// A reached cap stays reached.
func (g *Gate) ReleaseFreeTierSpend(ctx context.Context, day string, costUSD float64) error {
	now := g.now().UTC()
	if strings.TrimSpace(day) == "" {
		day = domain.DayKey(now)
	}
	cost := g.bookedCost(costUSD)
	_, err := g.store.AddPlatformSpend(ctx, domain.PlatformSpendDelta{
		Day:       day,
		FreeCalls: -1,
		SpendUSD:  -cost,
		CapUSD:    g.policy.DailySpendCapUSD,
		At:        now,
	})
	if err != nil {
		return err
	}
	g.metrics.PlatformSpend(ctx, -cost)
	return nil
}

func (g *Gate) PlatformSpend(ctx context.Context, day string) (domain.PlatformSpendRecord, error) {
	if strings.TrimSpace(day) == "" {
		day = g.today()
	}
	record, ok, err := g.store.GetPlatformSpend(ctx, day)
	if err != nil {
		return domain.PlatformSpendRecord{}, err
	}
	if !ok {
		return domain.PlatformSpendRecord{Date: day, CapUSD: g.policy.DailySpendCapUSD}, nil
	}
	return record, nil
}
