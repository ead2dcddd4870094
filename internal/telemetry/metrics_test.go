package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, point := range sum.DataPoints {
				total += point.Value
			}
		}
	}
	return total
}

func TestMetricsRecordCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetricsWithProvider(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.CreditDecision(ctx, true, "within_limits")
	m.CreditDecision(ctx, false, "hourly_limit")
	m.ExecutionSealed(ctx, "success", 120)
	m.Recalculation(ctx, false)

	assert.Equal(t, int64(2), collectSum(t, reader, "agx.credit.decisions"))
	assert.Equal(t, int64(1), collectSum(t, reader, "agx.executions.sealed"))
	assert.Equal(t, int64(1), collectSum(t, reader, "agx.reputation.recalculations"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.CreditDecision(ctx, true, "paid_credits")
		m.CreditRefund(ctx, "free")
		m.Signup(ctx, false, "disposable_email")
		m.PlatformSpend(ctx, 0.005)
		m.ExecutionSealed(ctx, "failure", 0)
		m.Recalculation(ctx, true)
		m.DiscoveryMatches(ctx, 3)
		m.PlatformFee(ctx, 0.6)
	})
}
