package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore keeps rollups in Postgres. Increments use upsert-and-add so
// concurrent settlements for the same payer and period never lose updates;
// a contributions table keyed (payment_id, kind) makes every payment count
// exactly once even when a settlement is retried.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres analytics store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	kindSettlement = "settlement"
	kindMint       = "mint"
)

// claimContribution reserves the (payment, kind) pair. Returns false when the
// payment already contributed.
func claimContribution(ctx context.Context, tx *sql.Tx, paymentID uuid.UUID, kind string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO analytics_contributions (payment_id, kind, recorded_at)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		paymentID, kind, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim contribution: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *PostgresStore) RecordSettlement(ctx context.Context, rec Settlement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	claimed, err := claimContribution(ctx, tx, rec.PaymentID, kindSettlement)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	var confirmed, declined, amount, earned int64
	switch rec.Outcome {
	case OutcomeConfirmed:
		confirmed, amount, earned = 1, rec.AmountMinor, rec.RewardMinor
	case OutcomeDeclined:
		declined = 1
	default:
		return fmt.Errorf("analytics: unknown outcome %q", rec.Outcome)
	}

	for _, bucket := range []struct{ granularity, period string }{
		{GranularityDaily, DayKey(rec.At)},
		{GranularityMonthly, MonthKey(rec.At)},
	} {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO analytics_buckets
				(payer_id, granularity, period, confirmed_count, declined_count,
				 total_amount_minor, reward_earned_minor, reward_minted_minor,
				 cumulative_reward_minor, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8)
			 ON CONFLICT (payer_id, granularity, period) DO UPDATE SET
				confirmed_count = analytics_buckets.confirmed_count + EXCLUDED.confirmed_count,
				declined_count = analytics_buckets.declined_count + EXCLUDED.declined_count,
				total_amount_minor = analytics_buckets.total_amount_minor + EXCLUDED.total_amount_minor,
				reward_earned_minor = analytics_buckets.reward_earned_minor + EXCLUDED.reward_earned_minor,
				updated_at = EXCLUDED.updated_at`,
			rec.PayerID, bucket.granularity, bucket.period,
			confirmed, declined, amount, earned, time.Now(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert %s bucket: %w", bucket.granularity, err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) RecordMint(ctx context.Context, rec Mint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	claimed, err := claimContribution(ctx, tx, rec.PaymentID, kindMint)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	for _, bucket := range []struct{ granularity, period string }{
		{GranularityDaily, DayKey(rec.At)},
		{GranularityMonthly, MonthKey(rec.At)},
	} {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO analytics_buckets
				(payer_id, granularity, period, confirmed_count, declined_count,
				 total_amount_minor, reward_earned_minor, reward_minted_minor,
				 cumulative_reward_minor, updated_at)
			 VALUES ($1, $2, $3, 0, 0, 0, 0, $4, $5, $6)
			 ON CONFLICT (payer_id, granularity, period) DO UPDATE SET
				reward_minted_minor = analytics_buckets.reward_minted_minor + EXCLUDED.reward_minted_minor,
				cumulative_reward_minor = GREATEST(analytics_buckets.cumulative_reward_minor, EXCLUDED.cumulative_reward_minor),
				updated_at = EXCLUDED.updated_at`,
			rec.PayerID, bucket.granularity, bucket.period,
			rec.RewardMinor, rec.LifetimeEarnedMinor, time.Now(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert %s bucket: %w", bucket.granularity, err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) Query(ctx context.Context, payerID, granularity string, limit int) ([]*Bucket, error) {
	if granularity != GranularityDaily && granularity != GranularityMonthly {
		return nil, ErrInvalidGranularity
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payer_id, granularity, period, confirmed_count, declined_count,
			total_amount_minor, reward_earned_minor, reward_minted_minor,
			cumulative_reward_minor, updated_at
		 FROM analytics_buckets
		 WHERE payer_id = $1 AND granularity = $2
		 ORDER BY period DESC LIMIT $3`,
		payerID, granularity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query buckets: %w", err)
	}
	defer rows.Close()

	var buckets []*Bucket
	for rows.Next() {
		var b Bucket
		err := rows.Scan(&b.PayerID, &b.Granularity, &b.Period, &b.ConfirmedCount,
			&b.DeclinedCount, &b.TotalAmountMinor, &b.RewardEarnedMinor,
			&b.RewardMintedMinor, &b.CumulativeRewardMinor, &b.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		buckets = append(buckets, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate buckets: %w", err)
	}
	return buckets, nil
}
