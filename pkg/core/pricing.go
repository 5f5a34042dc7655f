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

package core

import (
	"time"
)

// PricingSource tells where a snapshot came from. Interpolated rows are
// synthesized by the data-quality reconciler, never reported by agents.
type PricingSource string

const (
	PricingSourceAgent        PricingSource = "agent"
	PricingSourceScrape       PricingSource = "scrape"
	PricingSourceInterpolated PricingSource = "interpolated"
	// PricingSourceStatic marks the shipped fallback price list, used only
	// when no observation exists anywhere.
	PricingSourceStatic PricingSource = "static"
)

// Snapshot confidence by provenance. Interpolation confidence depends on the
// method: linear between two observations beats carrying one sideways.
const (
	ConfidenceAgent       = 1.0
	ConfidenceScrape      = 0.9
	ConfidenceCarry       = 0.6
	ConfidenceInterpolate = 0.5
	ConfidenceStatic      = 0.1
)

// PricingBucket is the snapshot granularity: observations are floored to
// 5-minute buckets, and the cleaned store holds at most one row per
// (pool, bucket).
const PricingBucket = 5 * time.Minute

// PricingSnapshot is one observed (or synthesized) price point for a pool.
type PricingSnapshot struct {
	Pool          Pool
	Bucket        time.Time
	SpotPrice     float64
	OnDemandPrice float64
	Confidence    float64
	Source        PricingSource
	CollectedAt   time.Time
}

// FloorBucket floors t to the snapshot bucket boundary in UTC.
func FloorBucket(t time.Time) time.Time {
	return t.UTC().Truncate(PricingBucket)
}

// NewSnapshot buckets the collection time and stamps provenance.
func NewSnapshot(pool Pool, spot, onDemand float64, source PricingSource, confidence float64, collectedAt time.Time) PricingSnapshot {
	return PricingSnapshot{
		Pool:          pool,
		Bucket:        FloorBucket(collectedAt),
		SpotPrice:     spot,
		OnDemandPrice: onDemand,
		Confidence:    confidence,
		Source:        source,
		CollectedAt:   collectedAt.UTC(),
	}
}
