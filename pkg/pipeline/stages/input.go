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

// Package stages holds the decision pipeline's stage implementations. Each
// stage is a small pass over the shared run context with its pre/post
// conditions stated on the type.
package stages

import (
	"context"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
	"github.com/spotherd/spotherd/pkg/pipeline"
	"github.com/spotherd/spotherd/pkg/providers/instancetype"
	"github.com/spotherd/spotherd/pkg/providers/pricing"
)

// Input seeds the candidate list. Linear mode evaluates exactly the current
// pool; Kubernetes mode enumerates every pool in region whose hardware fits
// the workload. Pre: empty candidate list. Post: candidates enriched with
// price and hardware facts.
type Input struct {
	pricing       pricing.Provider
	instanceTypes instancetype.Provider
}

func NewInput(pricingProvider pricing.Provider, instanceTypes instancetype.Provider) *Input {
	return &Input{pricing: pricingProvider, instanceTypes: instanceTypes}
}

func (s *Input) Name() string { return "input" }

func (s *Input) Run(ctx context.Context, pctx *pipeline.Context) error {
	switch pctx.Input.Mode {
	case core.ModeKubernetes:
		return s.enumerateWorkload(ctx, pctx)
	default:
		return s.currentOnly(ctx, pctx)
	}
}

// currentOnly builds the single-candidate list for linear mode. Both the
// price and hardware lookups are required: a host we cannot price or size
// cannot be decided over.
func (s *Input) currentOnly(ctx context.Context, pctx *pipeline.Context) error {
	if pctx.Input.Current == nil {
		return errors.Validation("linear input requires the current pool")
	}
	cand, err := s.candidateFor(ctx, *pctx.Input.Current)
	if err != nil {
		return errors.WithKind(errors.KindValidation, err)
	}
	pctx.Candidates = []*core.Candidate{cand}
	return nil
}

// enumerateWorkload lists every pool in region fitting the workload. Pools
// without a known price are dropped silently; right-sizing bounds are
// enforced downstream, only the hard caps apply here.
func (s *Input) enumerateWorkload(ctx context.Context, pctx *pipeline.Context) error {
	workload := pctx.Input.Workload
	if workload == nil {
		return errors.Validation("kubernetes input requires a workload requirement")
	}
	pools, err := s.instanceTypes.Pools(ctx)
	if err != nil {
		return err
	}
	candidates := []*core.Candidate{}
	for _, pool := range pools {
		if pctx.Input.Region != "" && pool.Region() != pctx.Input.Region {
			continue
		}
		info, err := s.instanceTypes.Get(ctx, pool.InstanceType)
		if err != nil {
			continue
		}
		if info.VCPU < workload.VCPU || info.MemoryGiB < workload.MemoryGiB {
			continue
		}
		if info.Architecture != workload.Architecture {
			continue
		}
		if workload.MaxVCPU > 0 && info.VCPU > workload.MaxVCPU {
			continue
		}
		cand, err := s.candidateFor(ctx, pool)
		if err != nil {
			continue
		}
		candidates = append(candidates, cand)
	}
	pctx.Candidates = candidates
	pctx.Tracef(s.Name(), "enumerated %d candidates in %s", len(candidates), pctx.Input.Region)
	return nil
}

func (s *Input) candidateFor(ctx context.Context, pool core.Pool) (*core.Candidate, error) {
	snap, err := s.pricing.PriceFor(ctx, pool)
	if err != nil {
		return nil, err
	}
	info, err := s.instanceTypes.Get(ctx, pool.InstanceType)
	if err != nil {
		return nil, err
	}
	cand := core.NewCandidate(pool)
	cand.SpotPrice = snap.SpotPrice
	cand.OnDemandPrice = snap.OnDemandPrice
	cand.VCPU = info.VCPU
	cand.MemoryGiB = info.MemoryGiB
	cand.Architecture = info.Architecture
	return cand, nil
}
