package reward

import "errors"

// DefaultRateBps is the default accrual rate: 200 basis points (2%).
const DefaultRateBps = 200

// maxRateBps caps configuration mistakes; nobody accrues more than 100%.
const maxRateBps = 10_000

var (
	ErrNegativeAmount = errors.New("reward: amount must be non-negative")
	ErrInvalidRate    = errors.New("reward: rate out of range")
)

// Calculate returns the reward in minor units for a payment amount, as
// floor(amountMinor * rateBps / 10000). Pure integer math, rounding down.
func Calculate(amountMinor int64, rateBps uint32) (int64, error) {
	if amountMinor < 0 {
		return 0, ErrNegativeAmount
	}
	if rateBps > maxRateBps {
		return 0, ErrInvalidRate
	}
	return amountMinor * int64(rateBps) / 10_000, nil
}
