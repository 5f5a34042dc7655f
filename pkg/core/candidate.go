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

// Candidate is one (instance type, zone) option flowing through the decision
// pipeline. Stages enrich it in place; filter stages mark it invalid with a
// reason instead of removing it so the trace keeps the full picture.
type Candidate struct {
	Pool Pool

	SpotPrice     float64
	OnDemandPrice float64
	VCPU          int
	MemoryGiB     float64
	Architecture  string

	// Filled in by pipeline stages.
	HistoricInterruptRate float64
	// CrashProbability is nil until the risk model stage has run.
	CrashProbability *float64
	WasteCost        float64
	YieldScore       float64
	// Upsized marks right-sizing candidates admitted above the requested
	// vCPU so cost math downstream accounts for the waste.
	Upsized bool

	valid        bool
	filterReason string
}

func NewCandidate(pool Pool) *Candidate {
	return &Candidate{Pool: pool, valid: true}
}

func (c *Candidate) Valid() bool {
	return c.valid
}

// Invalidate marks the candidate filtered. The first reason wins; later
// invalidations on an already-filtered candidate are ignored.
func (c *Candidate) Invalidate(reason string) {
	if !c.valid {
		return
	}
	c.valid = false
	c.filterReason = reason
}

func (c *Candidate) FilterReason() string {
	return c.filterReason
}

// DiscountDepth is 1 - spot/on-demand; zero when on-demand is unknown.
func (c *Candidate) DiscountDepth() float64 {
	if c.OnDemandPrice <= 0 {
		return 0
	}
	return 1 - c.SpotPrice/c.OnDemandPrice
}

// TCO is the ranked hourly cost: spot price plus the waste the pool's excess
// capacity would burn.
func (c *Candidate) TCO() float64 {
	return c.SpotPrice + c.WasteCost
}

// ValidCandidates filters to candidates still in play, preserving order.
func ValidCandidates(cands []*Candidate) []*Candidate {
	out := make([]*Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Valid() {
			out = append(out, c)
		}
	}
	return out
}

// FilterReasons aggregates the reasons of all filtered candidates, in order,
// deduplicated.
func FilterReasons(cands []*Candidate) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, c := range cands {
		if c.Valid() || c.filterReason == "" {
			continue
		}
		if _, ok := seen[c.filterReason]; ok {
			continue
		}
		seen[c.filterReason] = struct{}{}
		out = append(out, c.filterReason)
	}
	return out
}
