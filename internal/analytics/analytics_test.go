package analytics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSettlement(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)

	t.Run("should roll confirmed settlements into daily and monthly buckets", func(t *testing.T) {
		store := NewMemoryStore()

		require.NoError(t, store.RecordSettlement(ctx, Settlement{
			PaymentID:   uuid.New(),
			PayerID:     "cust-1",
			Outcome:     OutcomeConfirmed,
			AmountMinor: 1000,
			RewardMinor: 20,
			At:          at,
		}))

		daily, err := store.Query(ctx, "cust-1", GranularityDaily, 10)
		require.NoError(t, err)
		require.Len(t, daily, 1)
		assert.Equal(t, "2026-08-30", daily[0].Period)
		assert.Equal(t, int64(1), daily[0].ConfirmedCount)
		assert.Equal(t, int64(1000), daily[0].TotalAmountMinor)
		assert.Equal(t, int64(20), daily[0].RewardEarnedMinor)

		monthly, err := store.Query(ctx, "cust-1", GranularityMonthly, 10)
		require.NoError(t, err)
		require.Len(t, monthly, 1)
		assert.Equal(t, "2026-08", monthly[0].Period)
	})

	t.Run("should count declines without amounts", func(t *testing.T) {
		store := NewMemoryStore()

		require.NoError(t, store.RecordSettlement(ctx, Settlement{
			PaymentID: uuid.New(),
			PayerID:   "cust-1",
			Outcome:   OutcomeDeclined,
			At:        at,
		}))

		daily, err := store.Query(ctx, "cust-1", GranularityDaily, 10)
		require.NoError(t, err)
		require.Len(t, daily, 1)
		assert.Equal(t, int64(1), daily[0].DeclinedCount)
		assert.Equal(t, int64(0), daily[0].TotalAmountMinor)
	})

	t.Run("should apply each payment exactly once", func(t *testing.T) {
		store := NewMemoryStore()
		rec := Settlement{
			PaymentID:   uuid.New(),
			PayerID:     "cust-1",
			Outcome:     OutcomeConfirmed,
			AmountMinor: 500,
			RewardMinor: 10,
			At:          at,
		}

		require.NoError(t, store.RecordSettlement(ctx, rec))
		require.NoError(t, store.RecordSettlement(ctx, rec))

		daily, err := store.Query(ctx, "cust-1", GranularityDaily, 10)
		require.NoError(t, err)
		require.Len(t, daily, 1)
		assert.Equal(t, int64(1), daily[0].ConfirmedCount)
		assert.Equal(t, int64(500), daily[0].TotalAmountMinor)
	})

	t.Run("concurrent settlements must not lose updates", func(t *testing.T) {
		store := NewMemoryStore()

		const n = 40
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = store.RecordSettlement(ctx, Settlement{
					PaymentID:   uuid.New(),
					PayerID:     "cust-1",
					Outcome:     OutcomeConfirmed,
					AmountMinor: 100,
					RewardMinor: 2,
					At:          at,
				})
			}()
		}
		wg.Wait()

		daily, err := store.Query(ctx, "cust-1", GranularityDaily, 10)
		require.NoError(t, err)
		require.Len(t, daily, 1)
		assert.Equal(t, int64(n), daily[0].ConfirmedCount)
		assert.Equal(t, int64(n*100), daily[0].TotalAmountMinor)
		assert.Equal(t, int64(n*2), daily[0].RewardEarnedMinor)
	})
}

func TestRecordMint(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)

	t.Run("should track minted rewards and cumulative snapshot", func(t *testing.T) {
		store := NewMemoryStore()

		require.NoError(t, store.RecordMint(ctx, Mint{
			PaymentID:           uuid.New(),
			PayerID:             "cust-1",
			RewardMinor:         20,
			LifetimeEarnedMinor: 120,
			At:                  at,
		}))
		require.NoError(t, store.RecordMint(ctx, Mint{
			PaymentID:           uuid.New(),
			PayerID:             "cust-1",
			RewardMinor:         10,
			LifetimeEarnedMinor: 130,
			At:                  at,
		}))

		daily, err := store.Query(ctx, "cust-1", GranularityDaily, 10)
		require.NoError(t, err)
		require.Len(t, daily, 1)
		assert.Equal(t, int64(30), daily[0].RewardMintedMinor)
		assert.Equal(t, int64(130), daily[0].CumulativeRewardMinor)
	})

	t.Run("should ignore duplicate mint records", func(t *testing.T) {
		store := NewMemoryStore()
		rec := Mint{
			PaymentID:           uuid.New(),
			PayerID:             "cust-1",
			RewardMinor:         20,
			LifetimeEarnedMinor: 20,
			At:                  at,
		}

		require.NoError(t, store.RecordMint(ctx, rec))
		require.NoError(t, store.RecordMint(ctx, rec))

		daily, err := store.Query(ctx, "cust-1", GranularityDaily, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(20), daily[0].RewardMintedMinor)
	})
}

func TestQuery(t *testing.T) {
	ctx := context.Background()

	t.Run("should reject unknown granularity", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.Query(ctx, "cust-1", "hourly", 10)
		assert.ErrorIs(t, err, ErrInvalidGranularity)
	})

	t.Run("should order buckets newest first", func(t *testing.T) {
		store := NewMemoryStore()
		for day := 1; day <= 3; day++ {
			require.NoError(t, store.RecordSettlement(ctx, Settlement{
				PaymentID:   uuid.New(),
				PayerID:     "cust-1",
				Outcome:     OutcomeConfirmed,
				AmountMinor: 100,
				At:          time.Date(2026, 8, day, 9, 0, 0, 0, time.UTC),
			}))
		}

		daily, err := store.Query(ctx, "cust-1", GranularityDaily, 2)
		require.NoError(t, err)
		require.Len(t, daily, 2)
		assert.Equal(t, "2026-08-03", daily[0].Period)
		assert.Equal(t, "2026-08-02", daily[1].Period)
	})
}
