// Package telemetry holds the OpenTelemetry instruments of the marketplace core.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentexchange"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	creditDecisions  metric.Int64Counter
	creditRefunds    metric.Int64Counter
	signups          metric.Int64Counter
	platformSpend    metric.Float64Counter
	executionsSealed metric.Int64Counter
	executionLatency metric.Int64Histogram
	recalculations   metric.Int64Counter
	discoveryMatches metric.Int64Histogram
	platformFees     metric.Float64Counter
}

// NewMetrics registers instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider())
}

func NewMetricsWithProvider(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{}
	var err error

	m.creditDecisions, err = meter.Int64Counter("agx.credit.decisions",
		metric.WithDescription("Credit meter evaluations by outcome and reason"))
	if err != nil {
		return nil, err
	}

	m.creditRefunds, err = meter.Int64Counter("agx.credit.refunds",
		metric.WithDescription("Credits returned after undelivered work"))
	if err != nil {
		return nil, err
	}

	m.signups, err = meter.Int64Counter("agx.signups",
		metric.WithDescription("Registration attempts by result"))
	if err != nil {
		return nil, err
	}

	m.platformSpend, err = meter.Float64Counter("agx.platform.free_tier_spend_usd",
		metric.WithDescription("Free-tier spend exposure recorded against the daily cap"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	m.executionsSealed, err = meter.Int64Counter("agx.executions.sealed",
		metric.WithDescription("Executions reaching a terminal state by outcome"))
	if err != nil {
		return nil, err
	}

	m.executionLatency, err = meter.Int64Histogram("agx.executions.latency",
		metric.WithDescription("Reported execution latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	m.recalculations, err = meter.Int64Counter("agx.reputation.recalculations",
		metric.WithDescription("Reputation recalculations by result"))
	if err != nil {
		return nil, err
	}

	m.discoveryMatches, err = meter.Int64Histogram("agx.discovery.matches",
		metric.WithDescription("Number of agents returned per discovery request"))
	if err != nil {
		return nil, err
	}

	m.platformFees, err = meter.Float64Counter("agx.settlement.platform_fee_usd",
		metric.WithDescription("Platform fees derived from settled executions"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) CreditDecision(ctx context.Context, allowed bool, reason string) {
	if m == nil {
		return
	}
	m.creditDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("allowed", allowed),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) CreditRefund(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.creditRefunds.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Signup records a registration result; reason is empty for accepted signups.
func (m *Metrics) Signup(ctx context.Context, accepted bool, reason string) {
	if m == nil {
		return
	}
	m.signups.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("accepted", accepted),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) PlatformSpend(ctx context.Context, deltaUSD float64) {
	if m == nil || deltaUSD <= 0 {
		return
	}
	m.platformSpend.Add(ctx, deltaUSD)
}

func (m *Metrics) ExecutionSealed(ctx context.Context, outcome string, latencyMS int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.executionsSealed.Add(ctx, 1, attrs)
	if latencyMS > 0 {
		m.executionLatency.Record(ctx, latencyMS, attrs)
	}
}

func (m *Metrics) Recalculation(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.recalculations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) DiscoveryMatches(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.discoveryMatches.Record(ctx, int64(count))
}

func (m *Metrics) PlatformFee(ctx context.Context, feeUSD float64) {
	if m == nil || feeUSD <= 0 {
		return
	}
	m.platformFees.Add(ctx, feeUSD)
}
