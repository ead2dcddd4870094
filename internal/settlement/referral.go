package settlement

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/bcrosbie/agentexchange/internal/domain"
)

const referralCodePrefix = "REF-"

// NewReferralCode returns REF- followed by 8 upper-case hex characters.
func NewReferralCode() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.Internal("failed to generate referral code", err)
	}
	return referralCodePrefix + strings.ToUpper(hex.EncodeToString(buf)), nil
}

func NormalizeReferralCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ApplyTransaction books one settled transaction on a referral. A pending
// referral is activated by it; earnings accrue only from splits that applied
// the referral.
func ApplyTransaction(referral *domain.Referral, transactionID string, split Split, at time.Time) {
	if referral.Status == domain.ReferralPending {
		activated := at.UTC()
		referral.Status = domain.ReferralActive
		referral.ActivatedAt = &activated
		referral.FirstTransactionID = transactionID
	}
	referral.TotalTransactions++
	if split.ReferralApplied {
		earned := domain.USDToMicros(referral.TotalEarningsUSD) + split.ReferrerEarningsMicros
		referral.TotalEarningsUSD = domain.MicrosToUSD(earned)
	}
}
