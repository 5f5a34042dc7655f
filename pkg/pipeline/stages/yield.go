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

package stages

import (
	"context"
	"sort"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/pipeline"
)

// BinPacking charges each candidate for the capacity the workload would not
// use: wasteCost = spot x (1 - requested/candidate vCPU), floored at zero.
// Linear mode carries no waste; the host is exactly the workload.
type BinPacking struct{}

func NewBinPacking() *BinPacking { return &BinPacking{} }

func (s *BinPacking) Name() string { return "bin-packing" }

func (s *BinPacking) Run(_ context.Context, pctx *pipeline.Context) error {
	if pctx.Input.Mode != core.ModeKubernetes || pctx.Input.Workload == nil {
		for _, cand := range pctx.Candidates {
			cand.WasteCost = 0
		}
		return nil
	}
	requested := pctx.Input.Workload.VCPU
	for _, cand := range pctx.Candidates {
		if !cand.Valid() || cand.VCPU == 0 {
			continue
		}
		waste := cand.SpotPrice * (1 - float64(requested)/float64(cand.VCPU))
		if waste < 0 {
			waste = 0
		}
		cand.WasteCost = waste
	}
	return nil
}

// Yield ranks the surviving candidates: yieldScore = 100 x costEff x safety,
// where costEff compares each candidate's total cost of ownership against
// the most expensive survivor and safety is the crash-probability
// complement. Ties break on lower spot price, then lexicographic pool id, so
// repeated runs over frozen inputs rank identically. Invalid candidates keep
// their positions; downstream ignores them.
type Yield struct{}

func NewYield() *Yield { return &Yield{} }

func (s *Yield) Name() string { return "yield-ranking" }

func (s *Yield) Run(_ context.Context, pctx *pipeline.Context) error {
	valid := core.ValidCandidates(pctx.Candidates)
	if len(valid) == 0 {
		return nil
	}

	maxTCO := 0.0
	for _, cand := range valid {
		if tco := cand.TCO(); tco > maxTCO {
			maxTCO = tco
		}
	}
	for _, cand := range valid {
		costEff := 0.0
		if maxTCO > 0 {
			costEff = 1 - cand.TCO()/maxTCO
		}
		safety := 0.0
		if cand.CrashProbability != nil {
			safety = 1 - *cand.CrashProbability
		}
		cand.YieldScore = 100 * costEff * safety
	}

	ranked := append([]*core.Candidate{}, valid...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].YieldScore != ranked[j].YieldScore {
			return ranked[i].YieldScore > ranked[j].YieldScore
		}
		if ranked[i].SpotPrice != ranked[j].SpotPrice {
			return ranked[i].SpotPrice < ranked[j].SpotPrice
		}
		return ranked[i].Pool.ID() < ranked[j].Pool.ID()
	})

	// weave the ranked survivors back into the invalid candidates' slots
	next := 0
	for i, cand := range pctx.Candidates {
		if cand.Valid() {
			pctx.Candidates[i] = ranked[next]
			next++
		}
	}
	return nil
}

// TopRanked returns the best surviving candidate after the yield stage.
func TopRanked(candidates []*core.Candidate) *core.Candidate {
	for _, cand := range candidates {
		if cand.Valid() {
			return cand
		}
	}
	return nil
}
