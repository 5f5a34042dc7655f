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

package fake

import (
	"context"
	"sync"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/providers/riskmodel"
)

var _ riskmodel.Model = &RiskModel{}

// RiskModel scores pools from a canned table keyed by pool id. Pools not in
// the table are omitted from the result, same as a partial upstream answer.
type RiskModel struct {
	NextError AtomicError

	mu     sync.Mutex
	scores map[string]float64
	calls  int
}

func NewRiskModel() *RiskModel {
	return &RiskModel{scores: map[string]float64{}}
}

func (r *RiskModel) Reset() {
	r.NextError.Reset()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores = map[string]float64{}
	r.calls = 0
}

func (r *RiskModel) Score(poolID string, probability float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores[poolID] = probability
}

func (r *RiskModel) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *RiskModel) FeatureVersion() string {
	return riskmodel.FeatureVersion
}

func (r *RiskModel) Predict(_ context.Context, candidates []*core.Candidate) (map[string]float64, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if err := r.NextError.Get(); err != nil {
		return nil, err
	}
	out := map[string]float64{}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range candidates {
		if score, ok := r.scores[c.Pool.ID()]; ok {
			out[c.Pool.ID()] = score
		}
	}
	return out, nil
}
