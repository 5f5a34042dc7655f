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

package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/storage"
)

const (
	// GapFillWindow bounds how far back interpolation reaches.
	GapFillWindow = 24 * time.Hour

	// rawRetention is how long losing raw observations are kept for audit
	// before the purge.
	rawRetention = 48 * time.Hour
)

// Reconciler keeps the clean tier honest: late raw arrivals are folded in
// under the confidence-then-insertion-order rule, and holes in each pool's
// series are filled with synthesized rows. Its watermark is task-local
// state; nothing else reads it.
type Reconciler struct {
	store  *storage.PricingStore
	clock  clock.Clock
	window time.Duration

	rawWatermark time.Time
}

// NewReconciler builds a reconciler filling gaps up to window back;
// GapFillWindow is the production bound.
func NewReconciler(store *storage.PricingStore, clk clock.Clock, window time.Duration) *Reconciler {
	return &Reconciler{
		store:        store,
		clock:        clk,
		window:       window,
		rawWatermark: clk.Now().Add(-window),
	}
}

// Reconcile is one data-quality pass over every active pool.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	now := r.clock.Now()

	// fold in raw rows that arrived since the last pass; UpsertClean applies
	// the duplicate-bucket resolution, so replaying overlap is harmless
	raw, err := r.store.RawSince(ctx, r.rawWatermark)
	if err != nil {
		return fmt.Errorf("reading raw observations, %w", err)
	}
	if len(raw) > 0 {
		if err := r.store.UpsertClean(ctx, raw); err != nil {
			return fmt.Errorf("promoting raw observations, %w", err)
		}
	}
	r.rawWatermark = now

	pools, err := r.store.CleanPools(ctx, now.Add(-r.window))
	if err != nil {
		return fmt.Errorf("listing active pools, %w", err)
	}
	var errs error
	filled := 0
	for _, poolID := range pools {
		n, err := r.fillGaps(ctx, poolID, now)
		errs = multierr.Append(errs, err)
		filled += n
	}
	if filled > 0 {
		SnapshotsInterpolated.Add(float64(filled))
		logging.FromContext(ctx).With("row-count", filled).Debugf("filled pricing gaps")
	}

	if _, err := r.store.PurgeRaw(ctx, now.Add(-rawRetention)); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("purging raw tier, %w", err))
	}
	return errs
}

// fillGaps synthesizes rows for missing buckets of one pool. Interior holes
// interpolate linearly between the surrounding observations; at the edges the
// newest price carries forward to the present and the earliest carries back
// to the window start, so a pool whose first report lands mid-window still
// covers the whole window.
func (r *Reconciler) fillGaps(ctx context.Context, poolID string, now time.Time) (int, error) {
	series, err := r.store.CleanRange(ctx, poolID, now.Add(-r.window), now)
	if err != nil {
		return 0, fmt.Errorf("reading series for %s, %w", poolID, err)
	}
	if len(series) == 0 {
		return 0, nil
	}

	synthesized := []core.PricingSnapshot{}
	for i := 1; i < len(series); i++ {
		prev, next := series[i-1], series[i]
		gap := int(next.Bucket.Sub(prev.Bucket) / core.PricingBucket)
		for step := 1; step < gap; step++ {
			bucket := prev.Bucket.Add(time.Duration(step) * core.PricingBucket)
			fraction := float64(step) / float64(gap)
			synthesized = append(synthesized, interpolated(prev, next, bucket, fraction))
		}
	}
	// carry the newest observation forward to the current bucket
	last := series[len(series)-1]
	for bucket := last.Bucket.Add(core.PricingBucket); !bucket.After(core.FloorBucket(now)); bucket = bucket.Add(core.PricingBucket) {
		synthesized = append(synthesized, carried(last, bucket))
	}
	// and the earliest back to the window start
	first := series[0]
	windowStart := core.FloorBucket(now.Add(-r.window))
	if windowStart.Before(now.Add(-r.window)) {
		windowStart = windowStart.Add(core.PricingBucket)
	}
	for bucket := first.Bucket.Add(-core.PricingBucket); !bucket.Before(windowStart); bucket = bucket.Add(-core.PricingBucket) {
		synthesized = append(synthesized, carried(first, bucket))
	}

	if len(synthesized) == 0 {
		return 0, nil
	}
	if err := r.store.UpsertClean(ctx, synthesized); err != nil {
		return 0, fmt.Errorf("writing synthesized rows for %s, %w", poolID, err)
	}
	return len(synthesized), nil
}

func carried(from core.PricingSnapshot, bucket time.Time) core.PricingSnapshot {
	from.Bucket = bucket
	from.Source = core.PricingSourceInterpolated
	from.Confidence = core.ConfidenceCarry
	return from
}

func interpolated(prev, next core.PricingSnapshot, bucket time.Time, fraction float64) core.PricingSnapshot {
	return core.PricingSnapshot{
		Pool:          prev.Pool,
		Bucket:        bucket,
		SpotPrice:     prev.SpotPrice + (next.SpotPrice-prev.SpotPrice)*fraction,
		OnDemandPrice: prev.OnDemandPrice + (next.OnDemandPrice-prev.OnDemandPrice)*fraction,
		Confidence:    core.ConfidenceInterpolate,
		Source:        core.PricingSourceInterpolated,
		CollectedAt:   bucket,
	}
}
