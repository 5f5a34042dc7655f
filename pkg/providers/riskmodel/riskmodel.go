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

// Package riskmodel adapts crash-probability inference. The model itself is
// an external service; this package only scores candidates and guards the
// pipeline against a slow or broken inference endpoint.
package riskmodel

import (
	"context"
	"math"

	"github.com/spotherd/spotherd/pkg/core"
)

// MissingPrediction is assumed for any candidate the model did not score.
// Half-and-half keeps unscored pools rankable without favoring them.
const MissingPrediction = 0.5

// FeatureVersion names the feature vector shape the serving model expects.
// Requests carry it so a mismatched deployment fails loudly instead of
// scoring garbage.
const FeatureVersion = "v2"

// Features is one candidate's feature vector, in the shape the model was
// trained on.
type Features struct {
	PoolID                string  `json:"pool_id"`
	InstanceType          string  `json:"instance_type"`
	Zone                  string  `json:"zone"`
	SpotPrice             float64 `json:"spot_price"`
	OnDemandPrice         float64 `json:"on_demand_price"`
	DiscountDepth         float64 `json:"discount_depth"`
	HistoricInterruptRate float64 `json:"historic_interrupt_rate"`
	VCPU                  int     `json:"vcpu"`
	MemoryGiB             float64 `json:"memory_gb"`
}

// Model predicts per-pool crash probability for a candidate set. Entries may
// be missing from the result; callers assume MissingPrediction for those.
type Model interface {
	FeatureVersion() string
	Predict(ctx context.Context, candidates []*core.Candidate) (map[string]float64, error)
}

// featuresOf builds the feature vector for one candidate.
func featuresOf(c *core.Candidate) Features {
	return Features{
		PoolID:                c.Pool.ID(),
		InstanceType:          c.Pool.InstanceType,
		Zone:                  c.Pool.AvailabilityZone,
		SpotPrice:             c.SpotPrice,
		OnDemandPrice:         c.OnDemandPrice,
		DiscountDepth:         c.DiscountDepth(),
		HistoricInterruptRate: c.HistoricInterruptRate,
		VCPU:                  c.VCPU,
		MemoryGiB:             c.MemoryGiB,
	}
}

// sanitize drops NaN, Inf and out-of-range predictions. A model emitting
// garbage for a pool is treated the same as a model that never scored it.
func sanitize(predictions map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(predictions))
	for pool, p := range predictions {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 || p > 1 {
			continue
		}
		out[pool] = p
	}
	return out
}
