package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("ledger: payment not found")
	ErrInvalidAmount    = errors.New("ledger: amount must be positive")
	ErrAlreadyFinalized = errors.New("ledger: payment already finalized")
	ErrInvalidStatus    = errors.New("ledger: invalid status transition")
	ErrAlreadyMinted    = errors.New("ledger: reward already minted")
)

// Status is the lifecycle state of a payment request
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusDeclined  Status = "declined"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status is final. Terminal rows are immutable
// apart from the reward-minted fields, which are only set on confirmed rows.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusDeclined || s == StatusExpired
}

// RequestTTL is how long a payment request stays confirmable. It is fixed at
// creation and enforced by the expiry sweep, never by client clocks.
const RequestTTL = 5 * time.Minute

// PaymentRequest is a single row in the payment ledger. Amounts are integer
// minor units.
type PaymentRequest struct {
	ID           uuid.UUID  `json:"id"`
	PayerID      string     `json:"payer_id"`
	PayeeID      string     `json:"payee_id"`
	AmountMinor  int64      `json:"amount_minor"`
	RewardMinor  int64      `json:"reward_minor"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	RewardMinted bool       `json:"reward_minted"`
	RewardTxRef  string     `json:"reward_tx_ref,omitempty"`
}

// Clone returns a copy so callers can't mutate store-owned rows.
func (p *PaymentRequest) Clone() *PaymentRequest {
	cp := *p
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

// Store is the durable payment ledger. Rows are append-only: they are created
// pending, finalized exactly once through Transition or SweepExpired, and
// never deleted.
type Store interface {
	// Insert persists a new pending payment request.
	Insert(ctx context.Context, p *PaymentRequest) error

	// Get returns the payment or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*PaymentRequest, error)

	// Transition performs the conditional pending -> terminal update. This is
	// the single serialization point per payment: when the row exists but is
	// no longer pending it returns ErrAlreadyFinalized, which callers must
	// treat as a conflict signal rather than silent success.
	Transition(ctx context.Context, id uuid.UUID, next Status, at time.Time) (*PaymentRequest, error)

	// MarkRewardMinted records the mint transaction reference on a confirmed
	// payment. The mark is a check-and-set: exactly one caller claims it and
	// every later caller gets ErrAlreadyMinted. Callers gate the account
	// credit on a claimed mark, which keeps the credit at most-once per
	// payment even when mint attempts race.
	MarkRewardMinted(ctx context.Context, id uuid.UUID, txRef string) error

	// SweepExpired finalizes every pending row whose expiry has passed and
	// returns the swept rows. Safe to run concurrently and repeatedly;
	// already-finalized rows are skipped.
	SweepExpired(ctx context.Context, now time.Time) ([]*PaymentRequest, error)

	// ListByParty returns recent payments where the identity is payer or
	// payee, newest first.
	ListByParty(ctx context.Context, identity string, limit int) ([]*PaymentRequest, error)
}
