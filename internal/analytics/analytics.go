package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidGranularity = errors.New("analytics: invalid granularity")

// Granularities for rollup buckets.
const (
	GranularityDaily   = "daily"
	GranularityMonthly = "monthly"
)

// Outcome of a settlement as recorded in buckets.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeDeclined  Outcome = "declined"
)

// Settlement is the per-payment contribution recorded when a payment
// finalizes.
type Settlement struct {
	PaymentID   uuid.UUID
	PayerID     string
	Outcome     Outcome
	AmountMinor int64
	RewardMinor int64
	At          time.Time
}

// Mint is recorded when a reward mint succeeds, which can happen after the
// settlement contribution (mint is best-effort and retried out-of-band).
type Mint struct {
	PaymentID           uuid.UUID
	PayerID             string
	RewardMinor         int64
	LifetimeEarnedMinor int64
	At                  time.Time
}

// Bucket is a per-payer rollup over one calendar day or month.
type Bucket struct {
	PayerID               string    `json:"payer_id"`
	Granularity           string    `json:"granularity"`
	Period                string    `json:"period"` // "2026-08-30" or "2026-08"
	ConfirmedCount        int64     `json:"confirmed_count"`
	DeclinedCount         int64     `json:"declined_count"`
	TotalAmountMinor      int64     `json:"total_amount_minor"`
	RewardEarnedMinor     int64     `json:"reward_earned_minor"`
	RewardMintedMinor     int64     `json:"reward_minted_minor"`
	CumulativeRewardMinor int64     `json:"cumulative_reward_minor"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Store maintains the rollup buckets. Implementations must apply each
// payment's settlement and mint contributions exactly once (re-recording the
// same payment is a no-op) and must not lose concurrent increments to the
// same bucket.
type Store interface {
	RecordSettlement(ctx context.Context, s Settlement) error
	RecordMint(ctx context.Context, m Mint) error
	Query(ctx context.Context, payerID, granularity string, limit int) ([]*Bucket, error)
}

// DayKey returns the daily bucket period for t.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MonthKey returns the monthly bucket period for t.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
