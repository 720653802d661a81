package analytics

import (
	"context"
	"log/slog"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Recorder fronts the rollup store and optionally mirrors each contribution
// into InfluxDB as a time-series point for dashboards. The durable buckets
// are the source of truth; the sink is best-effort and failures only log.
type Recorder struct {
	store  Store
	points api.WriteAPIBlocking
	logger *slog.Logger
}

// NewRecorder creates a recorder over store. The influx write API may be nil.
func NewRecorder(store Store, points api.WriteAPIBlocking, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, points: points, logger: logger}
}

// NewInfluxWriter builds the blocking write API for the given connection
// settings. Returns nil when no URL is configured.
func NewInfluxWriter(url, token, org, bucket string) api.WriteAPIBlocking {
	if url == "" {
		return nil
	}
	client := influxdb2.NewClient(url, token)
	return client.WriteAPIBlocking(org, bucket)
}

func (r *Recorder) RecordSettlement(ctx context.Context, rec Settlement) error {
	if err := r.store.RecordSettlement(ctx, rec); err != nil {
		return err
	}

	if r.points != nil {
		p := influxdb2.NewPoint("settlement",
			map[string]string{
				"payer_id": rec.PayerID,
				"outcome":  string(rec.Outcome),
			},
			map[string]interface{}{
				"amount_minor": rec.AmountMinor,
				"reward_minor": rec.RewardMinor,
			},
			rec.At,
		)
		if err := r.points.WritePoint(ctx, p); err != nil {
			r.logger.Warn("influx settlement point write failed",
				"payment_id", rec.PaymentID, "error", err)
		}
	}
	return nil
}

func (r *Recorder) RecordMint(ctx context.Context, rec Mint) error {
	if err := r.store.RecordMint(ctx, rec); err != nil {
		return err
	}

	if r.points != nil {
		p := influxdb2.NewPoint("reward_mint",
			map[string]string{"payer_id": rec.PayerID},
			map[string]interface{}{"reward_minor": rec.RewardMinor},
			rec.At,
		)
		if err := r.points.WritePoint(ctx, p); err != nil {
			r.logger.Warn("influx mint point write failed",
				"payment_id", rec.PaymentID, "error", err)
		}
	}
	return nil
}

func (r *Recorder) Query(ctx context.Context, payerID, granularity string, limit int) ([]*Bucket, error) {
	return r.store.Query(ctx, payerID, granularity, limit)
}
