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

package riskmodel

import (
	"context"
	"math"

	"github.com/spotherd/spotherd/pkg/core"
)

// StaticModel scores without inference: the historic interruption rate,
// nudged by how deep the spot discount runs. Deep discounts correlate with
// reclaim pressure; the weighting keeps the estimate inside the advisor's
// order of magnitude. It serves tenants with no model assigned and tests.
type StaticModel struct{}

func NewStaticModel() *StaticModel {
	return &StaticModel{}
}

func (s *StaticModel) FeatureVersion() string {
	return FeatureVersion
}

func (s *StaticModel) Predict(_ context.Context, candidates []*core.Candidate) (map[string]float64, error) {
	out := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		out[c.Pool.ID()] = staticScore(c)
	}
	return sanitize(out), nil
}

func staticScore(c *core.Candidate) float64 {
	score := c.HistoricInterruptRate * (1 + 0.5*c.DiscountDepth())
	return math.Min(math.Max(score, 0), 1)
}
