/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
)

// PricingStore persists the two-tier price history: pricing_raw receives
// every report as-is, pricing_clean holds one deduplicated row per
// (pool, 5-minute bucket).
type PricingStore struct {
	db *sqlx.DB
}

type snapshotRow struct {
	PoolID        string    `db:"pool_id"`
	BucketAt      time.Time `db:"bucket_at"`
	SpotPrice     float64   `db:"spot_price"`
	OnDemandPrice float64   `db:"on_demand_price"`
	Source        string    `db:"source"`
	Confidence    float64   `db:"confidence"`
	CollectedAt   time.Time `db:"collected_at"`
}

func (r snapshotRow) toCore() (core.PricingSnapshot, error) {
	pool, err := core.ParsePoolID(r.PoolID)
	if err != nil {
		return core.PricingSnapshot{}, fmt.Errorf("parsing stored pool id %q, %w", r.PoolID, err)
	}
	return core.PricingSnapshot{
		Pool:          pool,
		Bucket:        r.BucketAt,
		SpotPrice:     r.SpotPrice,
		OnDemandPrice: r.OnDemandPrice,
		Source:        core.PricingSource(r.Source),
		Confidence:    r.Confidence,
		CollectedAt:   r.CollectedAt,
	}, nil
}

// InsertRaw appends observations to the raw tier in one round trip.
func (s *PricingStore) InsertRaw(ctx context.Context, snapshots []core.PricingSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	rows := make([]snapshotRow, 0, len(snapshots))
	for _, snap := range snapshots {
		rows = append(rows, snapshotRow{
			PoolID:        snap.Pool.ID(),
			BucketAt:      snap.Bucket,
			SpotPrice:     snap.SpotPrice,
			OnDemandPrice: snap.OnDemandPrice,
			Source:        string(snap.Source),
			Confidence:    snap.Confidence,
			CollectedAt:   snap.CollectedAt,
		})
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO pricing_raw (pool_id, bucket_at, spot_price, on_demand_price, source, confidence, collected_at)
		VALUES (:pool_id, :bucket_at, :spot_price, :on_demand_price, :source, :confidence, :collected_at)`,
		rows)
	if err != nil {
		return fmt.Errorf("inserting raw pricing, %w", err)
	}
	return nil
}

// UpsertClean writes snapshots into the clean tier. Higher confidence
// replaces lower; on equal confidence the earlier insertion stands.
func (s *PricingStore) UpsertClean(ctx context.Context, snapshots []core.PricingSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	for _, snap := range snapshots {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pricing_clean (pool_id, bucket_at, spot_price, on_demand_price, source, confidence)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (pool_id, bucket_at) DO UPDATE
			SET spot_price = EXCLUDED.spot_price, on_demand_price = EXCLUDED.on_demand_price,
				source = EXCLUDED.source, confidence = EXCLUDED.confidence
			WHERE pricing_clean.confidence < EXCLUDED.confidence`,
			snap.Pool.ID(), snap.Bucket, snap.SpotPrice, snap.OnDemandPrice, snap.Source, snap.Confidence)
		if err != nil {
			return fmt.Errorf("upserting clean pricing, %w", err)
		}
	}
	return nil
}

// LatestClean returns the most recent clean snapshot for a pool. A pool with
// no history is a data gap, not an internal fault.
func (s *PricingStore) LatestClean(ctx context.Context, poolID string) (core.PricingSnapshot, error) {
	row := snapshotRow{}
	err := s.db.GetContext(ctx, &row, `
		SELECT pool_id, bucket_at, spot_price, on_demand_price, source, confidence, bucket_at AS collected_at
		FROM pricing_clean
		WHERE pool_id = $1
		ORDER BY bucket_at DESC
		LIMIT 1`,
		poolID)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return core.PricingSnapshot{}, errors.DataGap("no clean price history for pool %q", poolID)
		}
		return core.PricingSnapshot{}, fmt.Errorf("getting latest clean price, %w", err)
	}
	return row.toCore()
}

// LatestCleanAll returns the newest clean snapshot per pool, optionally
// bounded to buckets at or after since.
func (s *PricingStore) LatestCleanAll(ctx context.Context, since time.Time) (map[string]core.PricingSnapshot, error) {
	rows := []snapshotRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT ON (pool_id)
			pool_id, bucket_at, spot_price, on_demand_price, source, confidence, bucket_at AS collected_at
		FROM pricing_clean
		WHERE bucket_at >= $1
		ORDER BY pool_id, bucket_at DESC`,
		since)
	if err != nil {
		return nil, fmt.Errorf("listing latest clean prices, %w", err)
	}
	out := make(map[string]core.PricingSnapshot, len(rows))
	for _, row := range rows {
		snap, err := row.toCore()
		if err != nil {
			return nil, err
		}
		out[row.PoolID] = snap
	}
	return out, nil
}

// CleanRange returns the clean series for one pool over [from, to), bucket
// ascending. The reconciler walks this to find gaps.
func (s *PricingStore) CleanRange(ctx context.Context, poolID string, from, to time.Time) ([]core.PricingSnapshot, error) {
	rows := []snapshotRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT pool_id, bucket_at, spot_price, on_demand_price, source, confidence, bucket_at AS collected_at
		FROM pricing_clean
		WHERE pool_id = $1 AND bucket_at >= $2 AND bucket_at < $3
		ORDER BY bucket_at`,
		poolID, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing clean price range, %w", err)
	}
	snaps := make([]core.PricingSnapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := row.toCore()
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// RawSince returns raw observations inserted at or after the watermark,
// insertion order preserved. The reconciler's dedup depends on that order.
func (s *PricingStore) RawSince(ctx context.Context, watermark time.Time) ([]core.PricingSnapshot, error) {
	rows := []snapshotRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT pool_id, bucket_at, spot_price, on_demand_price, source, confidence, collected_at
		FROM pricing_raw
		WHERE inserted_at >= $1
		ORDER BY id`,
		watermark)
	if err != nil {
		return nil, fmt.Errorf("listing raw pricing, %w", err)
	}
	snaps := make([]core.PricingSnapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := row.toCore()
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// CleanPools lists the distinct pools present in the clean tier since the
// given bucket.
func (s *PricingStore) CleanPools(ctx context.Context, since time.Time) ([]string, error) {
	pools := []string{}
	err := s.db.SelectContext(ctx, &pools, `
		SELECT DISTINCT pool_id FROM pricing_clean WHERE bucket_at >= $1 ORDER BY pool_id`,
		since)
	if err != nil {
		return nil, fmt.Errorf("listing clean pools, %w", err)
	}
	return pools, nil
}

// PurgeRaw drops raw rows older than the retention cutoff.
func (s *PricingStore) PurgeRaw(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pricing_raw WHERE inserted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging raw pricing, %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged rows, %w", err)
	}
	return n, nil
}
