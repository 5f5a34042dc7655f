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
	"fmt"

	"knative.dev/pkg/logging"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
	"github.com/spotherd/spotherd/pkg/pipeline"
	"github.com/spotherd/spotherd/pkg/providers/spotadvisor"
)

// DefaultInterruptRate is assumed when the advisor has no rating for a pool.
const DefaultInterruptRate = 0.10

// Hardware re-enforces the workload's hardware floors in Kubernetes mode.
// The input adapter applies them first; upstream callers may have relaxed
// the enumeration, so the filter holds the line a second time. Linear mode
// is a no-op: the single candidate is the host itself.
type Hardware struct{}

func NewHardware() *Hardware { return &Hardware{} }

func (s *Hardware) Name() string { return "hardware-filter" }

func (s *Hardware) Run(_ context.Context, pctx *pipeline.Context) error {
	if pctx.Input.Mode != core.ModeKubernetes || pctx.Input.Workload == nil {
		return nil
	}
	workload := pctx.Input.Workload
	for _, cand := range pctx.Candidates {
		if !cand.Valid() {
			continue
		}
		if cand.Architecture != workload.Architecture {
			cand.Invalidate(fmt.Sprintf("architecture %s does not match %s", cand.Architecture, workload.Architecture))
			continue
		}
		if cand.VCPU < workload.VCPU || cand.MemoryGiB < workload.MemoryGiB {
			cand.Invalidate("hardware below workload requirement")
		}
	}
	return nil
}

// Advisor attaches the historic interruption rate and filters pools at or
// above the configured ceiling. Filter decisions are independent per
// candidate; evaluation order does not matter.
type Advisor struct {
	advisor spotadvisor.Provider
	maxRate float64
}

func NewAdvisor(advisor spotadvisor.Provider, maxRate float64) *Advisor {
	return &Advisor{advisor: advisor, maxRate: maxRate}
}

func (s *Advisor) Name() string { return "advisor-filter" }

func (s *Advisor) Run(ctx context.Context, pctx *pipeline.Context) error {
	for _, cand := range pctx.Candidates {
		if !cand.Valid() {
			continue
		}
		rate, err := s.advisor.InterruptRate(ctx, cand.Pool.InstanceType, cand.Pool.AvailabilityZone)
		if err != nil {
			if !errors.IsDataGap(err) {
				logging.FromContext(ctx).With("pool", cand.Pool.ID()).Errorf("reading advisor rating, %s", err)
			}
			rate = DefaultInterruptRate
		}
		cand.HistoricInterruptRate = rate
		if rate >= s.maxRate {
			cand.Invalidate("historic interrupt rate >= threshold")
		}
	}
	return nil
}

// Rightsizing validates upsize candidates in Kubernetes mode. With MinVCPU
// set, candidates above the requested size are admitted up to the multiplier
// and flagged so cost math charges the waste; above the bound they are out.
type Rightsizing struct {
	multiplier float64
}

func NewRightsizing(multiplier float64) *Rightsizing {
	return &Rightsizing{multiplier: multiplier}
}

func (s *Rightsizing) Name() string { return "rightsizing" }

func (s *Rightsizing) Run(_ context.Context, pctx *pipeline.Context) error {
	if pctx.Input.Mode != core.ModeKubernetes || pctx.Input.Workload == nil {
		return nil
	}
	workload := pctx.Input.Workload
	bound := int(float64(workload.VCPU) * s.multiplier)
	for _, cand := range pctx.Candidates {
		if !cand.Valid() || cand.VCPU <= workload.VCPU {
			continue
		}
		if workload.MinVCPU > 0 && cand.VCPU > bound {
			cand.Invalidate(fmt.Sprintf("vcpu %d exceeds right-sizing bound %d", cand.VCPU, bound))
			continue
		}
		cand.Upsized = true
	}
	return nil
}

// PoolSafety is the slice of the global risk tracker the pipeline consults.
type PoolSafety interface {
	IsPoolSafe(ctx context.Context, poolID string) (bool, []core.RiskEvent, error)
}

// GlobalRisk filters pools poisoned by production interruptions anywhere in
// the herd. A tracker fault keeps the candidate: losing herd immunity for a
// cycle is safer than refusing to decide.
type GlobalRisk struct {
	tracker PoolSafety
}

func NewGlobalRisk(tracker PoolSafety) *GlobalRisk {
	return &GlobalRisk{tracker: tracker}
}

func (s *GlobalRisk) Name() string { return "global-risk-filter" }

func (s *GlobalRisk) Run(ctx context.Context, pctx *pipeline.Context) error {
	for _, cand := range pctx.Candidates {
		if !cand.Valid() {
			continue
		}
		safe, events, err := s.tracker.IsPoolSafe(ctx, cand.Pool.ID())
		if err != nil {
			logging.FromContext(ctx).With("pool", cand.Pool.ID()).Errorf("checking pool safety, %s", err)
			continue
		}
		if !safe {
			cand.Invalidate(fmt.Sprintf("poisoned pool: %d active events", len(events)))
		}
	}
	return nil
}
