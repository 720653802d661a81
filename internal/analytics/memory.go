package analytics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps rollups in process memory. Used by tests and dev runs.
type MemoryStore struct {
	mu       sync.Mutex
	buckets  map[bucketKey]*Bucket
	recorded map[contribKey]struct{}
}

type bucketKey struct {
	payerID     string
	granularity string
	period      string
}

type contribKey struct {
	paymentID uuid.UUID
	kind      string
}

// NewMemoryStore creates an empty in-memory analytics store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets:  make(map[bucketKey]*Bucket),
		recorded: make(map[contribKey]struct{}),
	}
}

func (s *MemoryStore) bucket(payerID, granularity, period string) *Bucket {
	key := bucketKey{payerID, granularity, period}
	b, ok := s.buckets[key]
	if !ok {
		b = &Bucket{PayerID: payerID, Granularity: granularity, Period: period}
		s.buckets[key] = b
	}
	return b
}

func (s *MemoryStore) RecordSettlement(ctx context.Context, rec Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := contribKey{rec.PaymentID, kindSettlement}
	if _, done := s.recorded[key]; done {
		return nil
	}
	s.recorded[key] = struct{}{}

	for _, period := range []struct{ granularity, key string }{
		{GranularityDaily, DayKey(rec.At)},
		{GranularityMonthly, MonthKey(rec.At)},
	} {
		b := s.bucket(rec.PayerID, period.granularity, period.key)
		switch rec.Outcome {
		case OutcomeConfirmed:
			b.ConfirmedCount++
			b.TotalAmountMinor += rec.AmountMinor
			b.RewardEarnedMinor += rec.RewardMinor
		case OutcomeDeclined:
			b.DeclinedCount++
		}
		b.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) RecordMint(ctx context.Context, rec Mint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := contribKey{rec.PaymentID, kindMint}
	if _, done := s.recorded[key]; done {
		return nil
	}
	s.recorded[key] = struct{}{}

	for _, period := range []struct{ granularity, key string }{
		{GranularityDaily, DayKey(rec.At)},
		{GranularityMonthly, MonthKey(rec.At)},
	} {
		b := s.bucket(rec.PayerID, period.granularity, period.key)
		b.RewardMintedMinor += rec.RewardMinor
		if rec.LifetimeEarnedMinor > b.CumulativeRewardMinor {
			b.CumulativeRewardMinor = rec.LifetimeEarnedMinor
		}
		b.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, payerID, granularity string, limit int) ([]*Bucket, error) {
	if granularity != GranularityDaily && granularity != GranularityMonthly {
		return nil, ErrInvalidGranularity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var buckets []*Bucket
	for key, b := range s.buckets {
		if key.payerID == payerID && key.granularity == granularity {
			cp := *b
			buckets = append(buckets, &cp)
		}
	}

	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Period > buckets[j].Period
	})
	if limit > 0 && len(buckets) > limit {
		buckets = buckets[:limit]
	}
	return buckets, nil
}
