// Package settlement splits transaction amounts between payee, platform and
// referrer. All arithmetic runs in integer micro-dollars; the *Micros fields
// of a Split are authoritative and always add back up to the amount, the USD
// fields are display conversions of them.
package settlement

import (
	"math"

	"github.com/bcrosbie/agentexchange/internal/config"
	"github.com/bcrosbie/agentexchange/internal/domain"
)

type Rates struct {
	Commission         float64
	ReferrerCommission float64
	RefereeDiscount    float64
}

func DefaultRates() Rates {
	return Rates{Commission: 0.06, ReferrerCommission: 0.02, RefereeDiscount: 0.01}
}

func RatesFromConfig(cfg config.Settlement) Rates {
	return Rates{
		Commission:         cfg.CommissionRate,
		ReferrerCommission: cfg.ReferrerCommissionRate,
		RefereeDiscount:    cfg.RefereeDiscountRate,
	}
}

type Split struct {
	AmountUSD           float64 `json:"amount_usd"`
	CommissionRate      float64 `json:"commission_rate"`
	PlatformFeeUSD      float64 `json:"platform_fee_usd"`
	PayeeAmountUSD      float64 `json:"payee_amount_usd"`
	ReferralApplied     bool    `json:"referral_applied"`
	ReferrerEarningsUSD float64 `json:"referrer_earnings_usd"`
	RefereeDiscountUSD  float64 `json:"referee_discount_usd"`
	PlatformNetUSD      float64 `json:"platform_net_usd"`

	AmountMicros           int64 `json:"amount_micros"`
	PlatformFeeMicros      int64 `json:"platform_fee_micros"`
	PayeeAmountMicros      int64 `json:"payee_amount_micros"`
	ReferrerEarningsMicros int64 `json:"referrer_earnings_micros"`
	RefereeDiscountMicros  int64 `json:"referee_discount_micros"`
	PlatformNetMicros      int64 `json:"platform_net_micros"`
}

func validate(amountUSD, rate float64) error {
	if !domain.ValidUSD(amountUSD) {
		return domain.InvalidArgument("amount must be zero or at least one micro-dollar")
	}
	if rate < 0 || rate > 1 || math.IsNaN(rate) {
		return domain.InvalidArgument("commission rate must be within [0, 1]")
	}
	return nil
}

func share(amountMicros int64, rate float64) int64 {
	return int64(math.Round(float64(amountMicros) * rate))
}

// Settle returns platformFee = amount x rate and payee = amount - platformFee.
func Settle(amountUSD, commissionRate float64) (Split, error) {
	if err := validate(amountUSD, commissionRate); err != nil {
		return Split{}, err
	}
	amount := domain.USDToMicros(amountUSD)
	fee := share(amount, commissionRate)
	return newSplit(commissionRate, amount, fee, 0, 0), nil
}

func newSplit(rate float64, amount, fee, referrer, discount int64) Split {
	return Split{
		AmountUSD:           domain.MicrosToUSD(amount),
		CommissionRate:      rate,
		PlatformFeeUSD:      domain.MicrosToUSD(fee),
		PayeeAmountUSD:      domain.MicrosToUSD(amount - fee),
		ReferrerEarningsUSD: domain.MicrosToUSD(referrer),
		RefereeDiscountUSD:  domain.MicrosToUSD(discount),
		PlatformNetUSD:      domain.MicrosToUSD(fee - referrer),

		AmountMicros:           amount,
		PlatformFeeMicros:      fee,
		PayeeAmountMicros:      amount - fee,
		ReferrerEarningsMicros: referrer,
		RefereeDiscountMicros:  discount,
		PlatformNetMicros:      fee - referrer,
	}
}

type Calculator struct {
	rates Rates
}

func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

func (c *Calculator) Rates() Rates {
	return c.rates
}

func (c *Calculator) Settle(amountUSD float64) (Split, error) {
	return Settle(amountUSD, c.rates.Commission)
}

// PlatformFee is the base-rate fee on amountUSD, zero for invalid input.
func (c *Calculator) PlatformFee(amountUSD float64) float64 {
	split, err := c.Settle(amountUSD)
	if err != nil {
		return 0
	}
	return split.PlatformFeeUSD
}

// SettleReferred charges the payee the discounted rate and pays the referrer
// out of that fee.
func (c *Calculator) SettleReferred(amountUSD float64) (Split, error) {
	rate := max(c.rates.Commission-c.rates.RefereeDiscount, 0)
	if err := validate(amountUSD, rate); err != nil {
		return Split{}, err
	}
	amount := domain.USDToMicros(amountUSD)
	fee := share(amount, rate)
	referrer := min(share(amount, c.rates.ReferrerCommission), fee)
	discount := share(amount, c.rates.Commission) - fee

	split := newSplit(rate, amount, fee, referrer, discount)
	split.ReferralApplied = true
	return split, nil
}

// SettleFor picks the referral split only for an already active referral.
func (c *Calculator) SettleFor(amountUSD float64, referral *domain.Referral) (Split, error) {
	if referral != nil && referral.Status == domain.ReferralActive {
		return c.SettleReferred(amountUSD)
	}
	return c.Settle(amountUSD)
}
