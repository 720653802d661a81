package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchcard-io/punchcard/internal/analytics"
	"github.com/punchcard-io/punchcard/internal/identity"
	"github.com/punchcard-io/punchcard/internal/ledger"
	"github.com/punchcard-io/punchcard/internal/notifier"
	"github.com/punchcard-io/punchcard/internal/reward"
)

// fakeMinter is idempotent on the key like the real collaborator: repeat
// mints for the same key return the original reference without minting again.
type fakeMinter struct {
	mu    sync.Mutex
	fail  bool
	calls int
	byKey map[string]string
}

func newFakeMinter() *fakeMinter {
	return &fakeMinter{byKey: make(map[string]string)}
}

func (m *fakeMinter) Mint(ctx context.Context, destination string, amountMinor int64, idempotencyKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if ref, ok := m.byKey[idempotencyKey]; ok {
		return ref, nil
	}
	if m.fail {
		return "", errors.New("mint service down")
	}
	ref := fmt.Sprintf("tx-%s", idempotencyKey[:8])
	m.byKey[idempotencyKey] = ref
	return ref, nil
}

func (m *fakeMinter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// barrierMinter holds every Mint call until the expected number of callers
// have arrived, then releases them all with the same reference. Used to force
// concurrent mint attempts to overlap.
type barrierMinter struct {
	arrived sync.WaitGroup
}

func newBarrierMinter(callers int) *barrierMinter {
	m := &barrierMinter{}
	m.arrived.Add(callers)
	return m
}

func (m *barrierMinter) Mint(ctx context.Context, destination string, amountMinor int64, idempotencyKey string) (string, error) {
	m.arrived.Done()
	m.arrived.Wait()
	return "tx-" + idempotencyKey[:8], nil
}

type fixture struct {
	coord    *Coordinator
	store    *ledger.MemoryStore
	accounts *reward.MemoryAccounts
	buckets  *analytics.MemoryStore
	minter   *fakeMinter
	hub      *notifier.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := ledger.NewMemoryStore()
	accounts := reward.NewMemoryAccounts()
	buckets := analytics.NewMemoryStore()
	minter := newFakeMinter()
	hub := notifier.NewHub(16, nil)

	directory := identity.NewStaticDirectory(
		&identity.Party{ID: "cust-1", Role: "customer", PushToken: "ExponentPushToken[abc]"},
		&identity.Party{ID: "merch-1", Role: "merchant"},
	)

	coord := NewCoordinator(Config{
		Ledger:    store,
		Accounts:  accounts,
		Minter:    minter,
		Analytics: analytics.NewRecorder(buckets, nil, nil),
		Directory: directory,
		Hub:       hub,
	})

	return &fixture{
		coord:    coord,
		store:    store,
		accounts: accounts,
		buckets:  buckets,
		minter:   minter,
		hub:      hub,
	}
}

func TestCreatePayment(t *testing.T) {
	ctx := context.Background()

	t.Run("should create a pending payment with derived reward", func(t *testing.T) {
		f := newFixture(t)

		p, err := f.coord.CreatePayment(ctx, "cust-1", "merch-1", 1000)
		require.NoError(t, err)

		assert.Equal(t, ledger.StatusPending, p.Status)
		assert.Equal(t, int64(1000), p.AmountMinor)
		assert.Equal(t, int64(20), p.RewardMinor)
		assert.False(t, p.RewardMinted)
		assert.WithinDuration(t, p.CreatedAt.Add(ledger.RequestTTL), p.ExpiresAt, time.Second)
	})

	t.Run("should reject non-positive amounts", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.coord.CreatePayment(ctx, "cust-1", "merch-1", 0)
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

		_, err = f.coord.CreatePayment(ctx, "cust-1", "merch-1", -50)
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	})

	t.Run("should reject unknown parties before any write", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.coord.CreatePayment(ctx, "ghost", "merch-1", 1000)
		assert.ErrorIs(t, err, identity.ErrUnknownParty)

		_, err = f.coord.CreatePayment(ctx, "cust-1", "ghost", 1000)
		assert.ErrorIs(t, err, identity.ErrUnknownParty)

		payments, err := f.store.ListByParty(ctx, "cust-1", 10)
		require.NoError(t, err)
		assert.Empty(t, payments)
	})
}

func TestSettleConfirm(t *testing.T) {
	ctx := context.Background()

	t.Run("should confirm, mint and credit the reward account", func(t *testing.T) {
		f := newFixture(t)
		p, err := f.coord.CreatePayment(ctx, "cust-1", "merch-1", 1000)
		require.NoError(t, err)

		settled, err := f.coord.Settle(ctx, p.ID, DecisionConfirm)
		require.NoError(t, err)

		assert.Equal(t, ledger.StatusConfirmed, settled.Status)
		assert.True(t, settled.RewardMinted)
		assert.NotEmpty(t, settled.RewardTxRef)
		assert.NotNil(t, settled.ConfirmedAt)

		acct, err := f.accounts.Get(ctx, "cust-1")
		require.NoError(t, err)
		assert.Equal(t, int64(20), acct.BalanceMinor)
		assert.Equal(t, int64(20), acct.LifetimeEarned)

		daily, err := f.buckets.Query(ctx, "cust-1", analytics.GranularityDaily, 10)
		require.NoError(t, err)
		require.Len(t, daily, 1)
		assert.Equal(t, int64(1), daily[0].ConfirmedCount)
		assert.Equal(t, int64(1000), daily[0].TotalAmountMinor)
		assert.Equal(t, int64(20), daily[0].RewardEarnedMinor)
		assert.Equal(t, int64(20), daily[0].RewardMintedMinor)
	})

	t.Run("should notify payer and payee sessions", func(t *testing.T) {
		f := newFixture(t)
		payerSession := f.hub.Subscribe("cust-1")
		payeeSession := f.hub.Subscribe("merch-1")

		p, err := f.coord.CreatePayment(ctx, "cust-1", "merch-1", 1000)
		require.NoError(t, err)

		_, err = f.coord.Settle(ctx, p.ID, DecisionConfirm)
		require.NoError(t, err)

		// created + minted + confirmed for the payer, created + confirmed
		// for the payee.
		assert.GreaterOrEqual(t, len(payerSession.Events), 2)
		assert.GreaterOrEqual(t, len(payeeSession.Events), 2)
	})

	t.Run("second settle returns the confirmed record unchanged", func(t *testing.T) {
		f := newFixture(t)
		p, err := f.coord.CreatePayment(ctx, "cust-1", "merch-1", 1000)
		require.NoError(t, err)

		first, err := f.coord.Settle(ctx, p.ID, DecisionConfirm)
		require.NoError(t, err)

		second, err := f.coord.Settle(ctx, p.ID, DecisionDecline)
		require.NoError(t, err)

		assert.Equal(t, ledger.StatusConfirmed, second.Status)
		assert.Equal(t, first.RewardTxRef, second.RewardTxRef)
		assert.Equal(t, 1, f.minter.callCount())

		// Analytics saw exactly one contribution.
		daily, err := f.buckets.Query(ctx, "cust-1", analytics.GranularityDaily, 10)
		require.NoError(t, err)
		require.Len(t, daily, 1)
		assert.Equal(t, int64(1), daily[0].ConfirmedCount)
		assert.Equal(t, int64(0), daily[0].DeclinedCount)
	})
}

func TestSettleDecline(t *testing.T) {
	ctx := context.Background()

	t.Run("should decline without minting", func(t *testing.T) {
		f := newFixture(t)
		p, err := f.coord.CreatePayment(ctx, "cust-1", "merch-1", 1000)
		require.NoError(t, err)

		settled, err := f.coord.Settle(ctx, p.ID, DecisionDecline)
		require.NoError(t, err)

		assert.Equal(t, ledger.StatusDeclined, settled.Status)
		assert.False(t, settled.RewardMinted)
		assert.Equal(t, 0, f.minter.callCount())

		_, err = f.accounts.Get(ctx, "cust-1")
		assert.ErrorIs(t, err, reward.ErrAccountNotFound)

		daily, err := f.buckets.Query(ctx, "cust-1", analytics.GranularityDaily, 10)
		require.NoError(t, err)
		require.Len(t, daily, 1)
		assert.Equal(t, int64(1), daily[0].DeclinedCount)
		assert.Equal(t, int64(0), daily[0].TotalAmountMinor)
	})

	t.Run("should reject unknown decisions", func(t *testing.T) {
		f := newFixture(t)
		p, err := f.coord.CreatePayment(ctx, "cust-1", "merch-1", 1000)
		require.NoError(t, err)

		_, err = f.coord.Settle(ctx, p.ID, Decision("maybe"))
		assert.ErrorIs(t, err, ErrInvalidDecision)
	})

	t.Run("should return not found for unknown payments", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.coord.Settle(ctx, uuid.New(), DecisionConfirm)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

func TestMintFailureIsolation(t *testing.T) {
	ctx := context.Background()

	t.Run("mint failure leaves payment confirmed with reward unminted", func(t *testing.T) {
		f := newFixture(t)
		f.minter.fail = true

		p, err := f.coord.CreatePayment(ctx, "cust-1", "merch-1", 1000)
		require.NoError(t, err)

		settled, err := f.coord.Settle(ctx, p.ID, DecisionConfirm)
		require.NoError(t, err)

		assert.Equal(t, ledger.StatusConfirmed, settled.Status)
		assert.False(t, settled.RewardMinted)
		assert.Empty(t, settled.RewardTxRef)

		// No credit happened.
		_, err = f.accounts.Get(ctx, "cust-1")
		assert.ErrorIs(t, err, reward.ErrAccountNotFound)

		// The settlement contribution was still recorded.
		daily, err := f.buckets.Query(ctx, "cust-1", analytics.GranularityDaily, 10)
		require.NoError(t, err)
		require.Len(t, daily, 1)
		assert.Equal(t, int64(1), daily[0].ConfirmedCount)
		assert.Equal(t, int64(0), daily[0].RewardMintedMinor)
	})

	t.Run("out-of-band retry mints once and credits once", func(t *testing.T) {
		f := newFixture(t)
		f.minter.fail = true

		p, err := f.coord.CreatePayment(ctx, "cust-1", "merch-1", 1000)
		require.NoError(t, err)
		_, err = f.coord.Settle(ctx, p.ID, DecisionConfirm)
		require.NoError(t, err)

		f.minter.fail = false

		retried, err := f.coord.RetryMint(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, retried.RewardMinted)
		firstRef := retried.RewardTxRef

		// A second retry is a no-op returning the same reference.
		again, err := f.coord.RetryMint(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, firstRef, again.RewardTxRef)

		acct, err := f.accounts.Get(ctx, "cust-1")
		require.NoError(t, err)
		assert.Equal(t, int64(20), acct.BalanceMinor)
	})

	t.Run("concurrent retries credit the account once", func(t *testing.T) {
		f := newFixture(t)
		f.minter.fail = true

		p, err := f.coord.CreatePayment(ctx, "cust-1", "merch-1", 1000)
		require.NoError(t, err)
		_, err = f.coord.Settle(ctx, p.ID, DecisionConfirm)
		require.NoError(t, err)

		// Both retries must be inside Mint before either reaches the ledger
		// mark, so the mark's check-and-set is the only thing standing
		// between one payment and two credits.
		gate := newBarrierMinter(2)
		f.coord.minter = gate

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.coord.RetryMint(ctx, p.ID)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		acct, err := f.accounts.Get(ctx, "cust-1")
		require.NoError(t, err)
		assert.Equal(t, int64(20), acct.BalanceMinor)
		assert.Equal(t, int64(20), acct.LifetimeEarned)

		updated, err := f.store.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, updated.RewardMinted)
	})

	t.Run("retry on a pending payment is rejected", func(t *testing.T) {
		f := newFixture(t)
		p, err := f.coord.CreatePayment(ctx, "cust-1", "merch-1", 1000)
		require.NoError(t, err)

		_, err = f.coord.RetryMint(ctx, p.ID)
		assert.ErrorIs(t, err, ledger.ErrInvalidStatus)
	})
}

func TestConcurrentSettlement(t *testing.T) {
	ctx := context.Background()

	t.Run("exactly one settle wins and all callers converge", func(t *testing.T) {
		f := newFixture(t)
		p, err := f.coord.CreatePayment(ctx, "cust-1", "merch-1", 1000)
		require.NoError(t, err)

		const callers = 24
		results := make([]*ledger.PaymentRequest, callers)
		errs := make([]error, callers)

		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			decision := DecisionConfirm
			if i%2 == 1 {
				decision = DecisionDecline
			}
			go func(n int, d Decision) {
				defer wg.Done()
				results[n], errs[n] = f.coord.Settle(ctx, p.ID, d)
			}(i, decision)
		}
		wg.Wait()

		winner := results[0].Status
		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, winner, results[i].Status, "caller %d", i)
		}
		assert.True(t, winner == ledger.StatusConfirmed || winner == ledger.StatusDeclined)

		// At most one mint regardless of how the race resolved.
		assert.LessOrEqual(t, f.minter.callCount(), 1)

		daily, err := f.buckets.Query(ctx, "cust-1", analytics.GranularityDaily, 10)
		require.NoError(t, err)
		require.Len(t, daily, 1)
		assert.Equal(t, int64(1), daily[0].ConfirmedCount+daily[0].DeclinedCount)
	})
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("expired payment settles to the expired record", func(t *testing.T) {
		f := newFixture(t)

		now := time.Now()
		p := &ledger.PaymentRequest{
			ID:          uuid.New(),
			PayerID:     "cust-1",
			PayeeID:     "merch-1",
			AmountMinor: 1000,
			RewardMinor: 20,
			Status:      ledger.StatusPending,
			CreatedAt:   now.Add(-10 * time.Minute),
			ExpiresAt:   now.Add(-5 * time.Minute),
		}
		require.NoError(t, f.store.Insert(ctx, p))

		count, err := f.coord.Sweep(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		// Sweeping again finds nothing.
		count, err = f.coord.Sweep(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		// A late settle returns the expired record, not an error.
		settled, err := f.coord.Settle(ctx, p.ID, DecisionConfirm)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusExpired, settled.Status)
		assert.Equal(t, 0, f.minter.callCount())
	})
}
