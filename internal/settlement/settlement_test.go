package settlement

import (
	"strings"
	"testing"
	"time"

	"github.com/bcrosbie/agentexchange/internal/domain"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettleBaseCommission(t *testing.T) {
	split, err := Settle(100, 0.06)
	require.NoError(t, err)
	assert.Equal(t, 6.0, split.PlatformFeeUSD)
	assert.Equal(t, 94.0, split.PayeeAmountUSD)
	assert.False(t, split.ReferralApplied)
}

func TestSettleRejectsInvalidInput(t *testing.T) {
	_, err := Settle(-1, 0.06)
	assert.True(t, domain.HasCode(err, domain.CodeInvalidArgument))
	_, err = Settle(10, 1.5)
	assert.True(t, domain.HasCode(err, domain.CodeInvalidArgument))
}

func TestSettleRejectsSubMicroAmounts(t *testing.T) {
	_, err := Settle(4e-07, 0.5)
	assert.True(t, domain.HasCode(err, domain.CodeInvalidArgument))

	_, err = NewCalculator(DefaultRates()).SettleReferred(4e-07)
	assert.True(t, domain.HasCode(err, domain.CodeInvalidArgument))

	split, err := Settle(0, 0.06)
	require.NoError(t, err)
	assert.Zero(t, split.AmountMicros)

	split, err = Settle(1e-06, 0.5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), split.PayeeAmountMicros+split.PlatformFeeMicros)
}

func TestSettleMicrosAreExact(t *testing.T) {
	split, err := Settle(0.7, 0.06)
	require.NoError(t, err)
	assert.Equal(t, int64(700_000), split.AmountMicros)
	assert.Equal(t, int64(42_000), split.PlatformFeeMicros)
	assert.Equal(t, int64(658_000), split.PayeeAmountMicros)
	assert.Equal(t, split.AmountMicros, split.PayeeAmountMicros+split.PlatformFeeMicros)
}

func TestSettleReferredSplitsFee(t *testing.T) {
	calc := NewCalculator(DefaultRates())
	split, err := calc.SettleReferred(100)
	require.NoError(t, err)
	assert.True(t, split.ReferralApplied)
	assert.InDelta(t, 0.05, split.CommissionRate, 1e-12)
	assert.Equal(t, 5.0, split.PlatformFeeUSD)
	assert.Equal(t, 95.0, split.PayeeAmountUSD)
	assert.Equal(t, 2.0, split.ReferrerEarningsUSD)
	assert.Equal(t, 1.0, split.RefereeDiscountUSD)
	assert.Equal(t, 3.0, split.PlatformNetUSD)
}

func TestSettleForOnlyAppliesActiveReferral(t *testing.T) {
	calc := NewCalculator(DefaultRates())

	pending := &domain.Referral{Status: domain.ReferralPending}
	split, err := calc.SettleFor(50, pending)
	require.NoError(t, err)
	assert.False(t, split.ReferralApplied)
	assert.Equal(t, 3.0, split.PlatformFeeUSD)

	active := &domain.Referral{Status: domain.ReferralActive}
	split, err = calc.SettleFor(50, active)
	require.NoError(t, err)
	assert.True(t, split.ReferralApplied)
	assert.Equal(t, 2.5, split.PlatformFeeUSD)

	split, err = calc.SettleFor(50, nil)
	require.NoError(t, err)
	assert.False(t, split.ReferralApplied)
}

func TestApplyTransactionActivatesThenAccrues(t *testing.T) {
	calc := NewCalculator(DefaultRates())
	referral := &domain.Referral{ID: "r1", Status: domain.ReferralPending}
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	first, err := calc.SettleFor(10, referral)
	require.NoError(t, err)
	ApplyTransaction(referral, "tx-1", first, at)
	assert.Equal(t, domain.ReferralActive, referral.Status)
	assert.Equal(t, "tx-1", referral.FirstTransactionID)
	require.NotNil(t, referral.ActivatedAt)
	assert.Zero(t, referral.TotalEarningsUSD)

	second, err := calc.SettleFor(10, referral)
	require.NoError(t, err)
	ApplyTransaction(referral, "tx-2", second, at.Add(time.Hour))
	assert.Equal(t, "tx-1", referral.FirstTransactionID)
	assert.Equal(t, int64(2), referral.TotalTransactions)
	assert.Equal(t, 0.2, referral.TotalEarningsUSD)
}

func TestNewReferralCodeFormat(t *testing.T) {
	code, err := NewReferralCode()
	require.NoError(t, err)
	assert.Regexp(t, `^REF-[0-9A-F]{8}$`, code)
	assert.Equal(t, code, NormalizeReferralCode("  "+strings.ToLower(code)+" "))
}

func TestSettlementPartsAlwaysSumToAmount(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("payee + fee == amount", prop.ForAll(
		func(amountMicros int64, rate float64) bool {
			split, err := Settle(domain.MicrosToUSD(amountMicros), rate)
			if err != nil {
				return false
			}
			return split.AmountMicros == amountMicros && split.PayeeAmountMicros+split.PlatformFeeMicros == amountMicros
		},
		gen.Int64Range(0, 1_000_000_000_000),
		gen.Float64Range(0, 1),
	))

	properties.Property("referral split never exceeds the fee", prop.ForAll(
		func(amountMicros int64) bool {
			split, err := NewCalculator(DefaultRates()).SettleReferred(domain.MicrosToUSD(amountMicros))
			if err != nil {
				return false
			}
			fee, referrer := split.PlatformFeeMicros, split.ReferrerEarningsMicros
			net, payee := split.PlatformNetMicros, split.PayeeAmountMicros
			return referrer <= fee && referrer+net == fee && payee+fee == amountMicros
		},
		gen.Int64Range(0, 1_000_000_000_000),
	))

	properties.TestingRun(t)
}
