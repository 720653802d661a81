package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchcard-io/punchcard/internal/analytics"
	"github.com/punchcard-io/punchcard/internal/identity"
	"github.com/punchcard-io/punchcard/internal/ledger"
	"github.com/punchcard-io/punchcard/internal/notifier"
	"github.com/punchcard-io/punchcard/internal/push"
	"github.com/punchcard-io/punchcard/internal/reward"
	"github.com/punchcard-io/punchcard/pkg/messaging"
	"github.com/punchcard-io/punchcard/pkg/money"
)

var ErrInvalidDecision = errors.New("settlement: decision must be confirmed or declined")

// Decision is the customer's answer to a payment request.
type Decision string

const (
	DecisionConfirm Decision = "confirmed"
	DecisionDecline Decision = "declined"
)

// ParseDecision accepts both the stored form and the verb form used by the
// mobile clients.
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "confirmed", "confirm":
		return DecisionConfirm, nil
	case "declined", "decline":
		return DecisionDecline, nil
	default:
		return "", ErrInvalidDecision
	}
}

var (
	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "punchcard_settlements_total",
		Help: "Settlements by final outcome.",
	}, []string{"outcome"})

	settlementConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "punchcard_settlement_conflicts_total",
		Help: "Settle calls that lost the transition race and returned the existing record.",
	})

	mintFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "punchcard_reward_mint_failures_total",
		Help: "Reward mint attempts that failed and were left for out-of-band retry.",
	})

	paymentsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "punchcard_payments_expired_total",
		Help: "Pending payments finalized by the expiry sweep.",
	})
)

// Config wires the coordinator's collaborators.
type Config struct {
	Ledger    ledger.Store
	Accounts  reward.Accounts
	Minter    reward.Minter
	Analytics *analytics.Recorder
	Directory identity.Directory
	Push      push.Sender

	// Hub receives events directly when no NATS client is configured. With
	// NATS, events go out on the bus and the bridge feeds the local hub, so
	// they are never double-delivered.
	Hub  *notifier.Hub
	Bus  *messaging.Client
	Logs *slog.Logger

	// RewardRateBps defaults to reward.DefaultRateBps.
	RewardRateBps uint32
	// MintTimeout bounds the external mint call. Defaults to 5s.
	MintTimeout time.Duration
}

// Coordinator owns the payment lifecycle: creation, the confirm/decline
// transition, reward crediting, analytics rollups and event fanout. The
// ledger's conditional transition is the only serialization point; every
// side effect runs after the state is durably committed.
type Coordinator struct {
	ledger    ledger.Store
	accounts  reward.Accounts
	minter    reward.Minter
	analytics *analytics.Recorder
	directory identity.Directory
	push      push.Sender
	hub       *notifier.Hub
	bus       *messaging.Client
	logger    *slog.Logger

	rateBps     uint32
	mintTimeout time.Duration
}

// NewCoordinator creates a settlement coordinator
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.RewardRateBps == 0 {
		cfg.RewardRateBps = reward.DefaultRateBps
	}
	if cfg.MintTimeout == 0 {
		cfg.MintTimeout = 5 * time.Second
	}
	if cfg.Logs == nil {
		cfg.Logs = slog.Default()
	}

	return &Coordinator{
		ledger:      cfg.Ledger,
		accounts:    cfg.Accounts,
		minter:      cfg.Minter,
		analytics:   cfg.Analytics,
		directory:   cfg.Directory,
		push:        cfg.Push,
		hub:         cfg.Hub,
		bus:         cfg.Bus,
		logger:      cfg.Logs,
		rateBps:     cfg.RewardRateBps,
		mintTimeout: cfg.MintTimeout,
	}
}

// CreatePayment validates the request, persists it pending and prompts the
// payer to confirm. The push prompt is best-effort.
func (c *Coordinator) CreatePayment(ctx context.Context, payerID, payeeID string, amountMinor int64) (*ledger.PaymentRequest, error) {
	if amountMinor <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	payer, err := c.directory.Resolve(ctx, payerID)
	if err != nil {
		return nil, fmt.Errorf("payer %s: %w", payerID, err)
	}
	if _, err := c.directory.Resolve(ctx, payeeID); err != nil {
		return nil, fmt.Errorf("payee %s: %w", payeeID, err)
	}

	rewardMinor, err := reward.Calculate(amountMinor, c.rateBps)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p := &ledger.PaymentRequest{
		ID:          uuid.New(),
		PayerID:     payerID,
		PayeeID:     payeeID,
		AmountMinor: amountMinor,
		RewardMinor: rewardMinor,
		Status:      ledger.StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ledger.RequestTTL),
	}

	if err := c.ledger.Insert(ctx, p); err != nil {
		return nil, err
	}

	c.publishPayment(messaging.SubjectPaymentCreated, p)
	c.promptPayer(payer, p)

	return p, nil
}

// GetPayment returns a payment by id.
func (c *Coordinator) GetPayment(ctx context.Context, id uuid.UUID) (*ledger.PaymentRequest, error) {
	return c.ledger.Get(ctx, id)
}

// ListPayments returns recent payments for an identity.
func (c *Coordinator) ListPayments(ctx context.Context, identity string, limit int) ([]*ledger.PaymentRequest, error) {
	return c.ledger.ListByParty(ctx, identity, limit)
}

// Settle finalizes a pending payment. Idempotent at this boundary: when the
// payment is already finalized (a racing settle, the expiry sweep, or a
// client retry won first), the existing terminal record is returned
// unchanged and no side effects run.
func (c *Coordinator) Settle(ctx context.Context, paymentID uuid.UUID, decision Decision) (*ledger.PaymentRequest, error) {
	var next ledger.Status
	switch decision {
	case DecisionConfirm:
		next = ledger.StatusConfirmed
	case DecisionDecline:
		next = ledger.StatusDeclined
	default:
		return nil, ErrInvalidDecision
	}

	now := time.Now()
	p, err := c.ledger.Transition(ctx, paymentID, next, now)
	if errors.Is(err, ledger.ErrAlreadyFinalized) {
		settlementConflicts.Inc()
		existing, getErr := c.ledger.Get(ctx, paymentID)
		if getErr != nil {
			return nil, getErr
		}
		c.logger.Info("settle lost transition race, returning existing record",
			"payment_id", paymentID, "status", existing.Status)
		return existing, nil
	}
	if err != nil {
		// Not found or storage failure. The caller can retry the whole call;
		// the conditional transition makes the retry safe.
		return nil, err
	}

	settlementsTotal.WithLabelValues(string(next)).Inc()

	if next == ledger.StatusDeclined {
		c.recordSettlement(ctx, p, analytics.OutcomeDeclined)
		c.publishPayment(messaging.SubjectPaymentDeclined, p)
		return p, nil
	}

	// Confirmed. Analytics drift is tolerable but must be observable, so a
	// failure here logs loudly and the settlement stands.
	c.recordSettlement(ctx, p, analytics.OutcomeConfirmed)

	c.mintReward(ctx, p)

	c.publishPayment(messaging.SubjectPaymentConfirmed, p)
	return p, nil
}

// mintReward attempts the external mint and, on success, credits the reward
// account and marks the ledger row. Failures are isolated: the payment stays
// confirmed with reward_minted=false and the mint is retried out-of-band
// under the same idempotency key (the payment id).
func (c *Coordinator) mintReward(ctx context.Context, p *ledger.PaymentRequest) {
	if p.RewardMinor == 0 {
		return
	}

	mintCtx, cancel := context.WithTimeout(ctx, c.mintTimeout)
	defer cancel()

	txRef, err := c.minter.Mint(mintCtx, p.PayerID, p.RewardMinor, p.ID.String())
	if err != nil {
		mintFailures.Inc()
		c.logger.Error("reward mint failed, payment stays confirmed",
			"payment_id", p.ID, "payer_id", p.PayerID,
			"reward_minor", p.RewardMinor, "error", err)
		c.publishReward(messaging.SubjectRewardMintFailed, p, "", err)
		return
	}

	// The ledger mark is the credit guard. It is a check-and-set, so when
	// mint attempts race (a retry against a slow in-flight settle, or two
	// concurrent retries) exactly one caller claims the mark and only that
	// caller credits the account.
	if err := c.ledger.MarkRewardMinted(ctx, p.ID, txRef); err != nil {
		if errors.Is(err, ledger.ErrAlreadyMinted) {
			c.logger.Info("reward already minted by a concurrent attempt",
				"payment_id", p.ID, "tx_ref", txRef)
			if current, getErr := c.ledger.Get(ctx, p.ID); getErr == nil {
				*p = *current
			}
			return
		}
		c.logger.Error("failed to mark reward minted on ledger",
			"payment_id", p.ID, "tx_ref", txRef, "error", err)
		return
	}
	p.RewardMinted = true
	p.RewardTxRef = txRef

	if err := c.accounts.Credit(ctx, p.PayerID, p.RewardMinor); err != nil {
		c.logger.Error("reward account credit failed after successful mint",
			"payment_id", p.ID, "payer_id", p.PayerID, "tx_ref", txRef, "error", err)
	}

	var lifetime int64
	if acct, err := c.accounts.Get(ctx, p.PayerID); err == nil {
		lifetime = acct.LifetimeEarned
	}
	if err := c.analytics.RecordMint(ctx, analytics.Mint{
		PaymentID:           p.ID,
		PayerID:             p.PayerID,
		RewardMinor:         p.RewardMinor,
		LifetimeEarnedMinor: lifetime,
		At:                  time.Now(),
	}); err != nil {
		c.logger.Error("analytics mint update failed",
			"payment_id", p.ID, "payer_id", p.PayerID, "error", err)
	}

	c.publishReward(messaging.SubjectRewardMinted, p, txRef, nil)
}

// RetryMint re-attempts the reward mint for a confirmed payment whose mint
// failed. The mint collaborator is idempotent on the payment id, so retrying
// a mint that actually succeeded returns the original transaction reference
// instead of minting twice. Already-minted payments are returned unchanged.
func (c *Coordinator) RetryMint(ctx context.Context, paymentID uuid.UUID) (*ledger.PaymentRequest, error) {
	p, err := c.ledger.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != ledger.StatusConfirmed {
		return nil, ledger.ErrInvalidStatus
	}
	if p.RewardMinted {
		return p, nil
	}

	c.mintReward(ctx, p)
	return p, nil
}

// Sweep finalizes every expired pending payment and publishes their expiry
// events. Safe to run concurrently with settles and with other sweeps.
func (c *Coordinator) Sweep(ctx context.Context, now time.Time) (int, error) {
	swept, err := c.ledger.SweepExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	for _, p := range swept {
		paymentsExpired.Inc()
		settlementsTotal.WithLabelValues(string(ledger.StatusExpired)).Inc()
		c.publishPayment(messaging.SubjectPaymentExpired, p)
	}

	if len(swept) > 0 {
		c.logger.Info("expired pending payments", "count", len(swept))
	}
	return len(swept), nil
}

func (c *Coordinator) recordSettlement(ctx context.Context, p *ledger.PaymentRequest, outcome analytics.Outcome) {
	err := c.analytics.RecordSettlement(ctx, analytics.Settlement{
		PaymentID:   p.ID,
		PayerID:     p.PayerID,
		Outcome:     outcome,
		AmountMinor: p.AmountMinor,
		RewardMinor: p.RewardMinor,
		At:          time.Now(),
	})
	if err != nil {
		c.logger.Error("analytics settlement update failed, settlement stands",
			"payment_id", p.ID, "payer_id", p.PayerID, "outcome", outcome, "error", err)
	}
}

func (c *Coordinator) publishPayment(subject string, p *ledger.PaymentRequest) {
	event, err := messaging.NewEvent(subject, p.ID, messaging.PaymentEvent{
		PaymentID:    p.ID,
		PayerID:      p.PayerID,
		PayeeID:      p.PayeeID,
		AmountMinor:  p.AmountMinor,
		RewardMinor:  p.RewardMinor,
		Status:       string(p.Status),
		RewardMinted: p.RewardMinted,
		RewardTxRef:  p.RewardTxRef,
		OccurredAt:   time.Now(),
	})
	if err != nil {
		c.logger.Error("failed to build payment event", "payment_id", p.ID, "error", err)
		return
	}
	c.publish(subject, event, []string{p.PayerID, p.PayeeID})
}

func (c *Coordinator) publishReward(subject string, p *ledger.PaymentRequest, txRef string, mintErr error) {
	data := messaging.RewardEvent{
		PaymentID:   p.ID,
		PayerID:     p.PayerID,
		AmountMinor: p.RewardMinor,
		TxRef:       txRef,
		OccurredAt:  time.Now(),
	}
	if mintErr != nil {
		data.Error = mintErr.Error()
	}

	event, err := messaging.NewEvent(subject, p.ID, data)
	if err != nil {
		c.logger.Error("failed to build reward event", "payment_id", p.ID, "error", err)
		return
	}
	c.publish(subject, event, []string{p.PayerID})
}

// publish fans an event out. Fire-and-forget: delivery failure never affects
// settlement correctness.
func (c *Coordinator) publish(subject string, event *messaging.Event, recipients []string) {
	if c.bus != nil {
		if err := c.bus.Publish(context.Background(), subject, event); err != nil {
			c.logger.Warn("event bus publish failed", "subject", subject,
				"payment_id", event.PaymentID, "error", err)
		}
		return
	}

	if c.hub != nil {
		for _, identity := range recipients {
			c.hub.Publish(identity, event)
		}
	}
}

// promptPayer pushes a confirmation prompt to the payer's device. Detached:
// runs on its own context so a slow push service never delays the response.
func (c *Coordinator) promptPayer(payer *identity.Party, p *ledger.PaymentRequest) {
	if c.push == nil || payer.PushToken == "" {
		return
	}

	token := payer.PushToken
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := c.push.Send(ctx, token, push.Notification{
			Title: "Payment request",
			Body:  fmt.Sprintf("Confirm payment of %s to %s", money.Display(p.AmountMinor), p.PayeeID),
			Data: map[string]interface{}{
				"payment_id":   p.ID.String(),
				"amount_minor": p.AmountMinor,
				"payee_id":     p.PayeeID,
				"expires_at":   p.ExpiresAt,
			},
		})
		if err != nil {
			c.logger.Warn("payment prompt push failed",
				"payment_id", p.ID, "payer_id", p.PayerID, "error", err)
		}
	}()
}
