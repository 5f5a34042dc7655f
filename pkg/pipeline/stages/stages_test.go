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

package stages_test

import (
	ctxpkg "context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/fake"
	"github.com/spotherd/spotherd/pkg/pipeline"
	"github.com/spotherd/spotherd/pkg/pipeline/stages"
)

var _ = Describe("Decision Pipeline", func() {
	var (
		pricing       *stubPricing
		instanceTypes *stubInstanceTypes
		advisor       *stubAdvisor
		safety        *stubSafety
		model         *fake.RiskModel
		clk           *testingclock.FakeClock

		current core.Pool
	)

	BeforeEach(func() {
		pricing = newStubPricing()
		instanceTypes = newStubInstanceTypes()
		advisor = newStubAdvisor()
		safety = newStubSafety()
		model = fake.NewRiskModel()
		clk = testingclock.NewFakeClock(time.Now())

		current = core.MustPool("c5.large", "us-east-1a")
		instanceTypes.Offer(current, 2, 4, "x86_64")
		pricing.Price(current, 0.028, 0.085)
		advisor.Rate(current, 0.05)
	})

	build := func(signal core.Signal) *pipeline.Pipeline {
		thresholds := pipeline.DefaultThresholds()
		return pipeline.New(clk,
			stages.NewInput(pricing, instanceTypes),
			stages.NewHardware(),
			stages.NewAdvisor(advisor, thresholds.MaxHistoricInterruptRate),
			stages.NewRightsizing(thresholds.RightsizeMultiplier),
			stages.NewGlobalRisk(safety),
			stages.NewRiskModel(model),
			stages.NewSafetyGate(thresholds.MaxCrashProbability),
			stages.NewBinPacking(),
			stages.NewYield(),
			stages.NewOverride(stages.SignalFunc(func(ctxpkg.Context) core.Signal { return signal }), thresholds.MaxCrashProbability),
			stages.NewActuator(stages.NewLogExecutor()),
		)
	}

	Context("linear mode", func() {
		It("should stay on a healthy current pool", func() {
			model.Score(current.ID(), 0.20)

			decision := build(core.SignalNone).Run(ctx, pipeline.Input{
				Mode:    core.ModeLinear,
				Region:  "us-east-1",
				Current: &current,
			})

			Expect(decision.Verdict).To(Equal(core.VerdictStay))
			Expect(decision.Selected).ToNot(BeNil())
			Expect(decision.Selected.Pool).To(Equal(current))
			Expect(decision.Reason).To(Equal("current optimal"))
			Expect(decision.Selected.YieldScore).To(BeNumerically("==", 0))
			Expect(decision.Executed).To(BeTrue())
		})

		It("should stay with a reason when the current pool cannot be priced", func() {
			unknown := core.MustPool("r5.large", "us-east-1a")

			decision := build(core.SignalNone).Run(ctx, pipeline.Input{
				Mode:    core.ModeLinear,
				Region:  "us-east-1",
				Current: &unknown,
			})

			Expect(decision.Verdict).To(Equal(core.VerdictStay))
			Expect(decision.Reason).To(Equal("no candidates"))
		})

		It("should default the crash probability when the model is down", func() {
			model.NextError.Set(ctxpkg.DeadlineExceeded)

			decision := build(core.SignalNone).Run(ctx, pipeline.Input{
				Mode:    core.ModeLinear,
				Region:  "us-east-1",
				Current: &current,
			})

			// the missing-prediction default of 0.5 clears the 0.85 gate
			Expect(decision.Verdict).To(Equal(core.VerdictStay))
			Expect(decision.Selected).ToNot(BeNil())
			Expect(lo.FromPtr(decision.Selected.CrashProbability)).To(Equal(0.5))
		})

		It("should keep a candidate scored exactly at the safety threshold", func() {
			model.Score(current.ID(), pipeline.DefaultThresholds().MaxCrashProbability)

			decision := build(core.SignalNone).Run(ctx, pipeline.Input{
				Mode:    core.ModeLinear,
				Region:  "us-east-1",
				Current: &current,
			})

			Expect(decision.Selected).ToNot(BeNil())
			Expect(decision.Selected.Valid()).To(BeTrue())
		})

		It("should drop a pool at the historic interrupt ceiling", func() {
			advisor.Rate(current, 0.20)
			model.Score(current.ID(), 0.10)

			decision := build(core.SignalNone).Run(ctx, pipeline.Input{
				Mode:    core.ModeLinear,
				Region:  "us-east-1",
				Current: &current,
			})

			Expect(decision.Verdict).To(Equal(core.VerdictStay))
			Expect(decision.Reason).To(ContainSubstring("historic interrupt rate"))
		})

		It("should drop a poisoned pool", func() {
			safety.Poison(current.ID())
			model.Score(current.ID(), 0.10)

			decision := build(core.SignalNone).Run(ctx, pipeline.Input{
				Mode:    core.ModeLinear,
				Region:  "us-east-1",
				Current: &current,
			})

			Expect(decision.Verdict).To(Equal(core.VerdictStay))
			Expect(decision.Reason).To(ContainSubstring("poisoned pool"))
		})
	})

	Context("reactive override", func() {
		It("should evacuate on a termination notice", func() {
			model.Score(current.ID(), 0.10)

			decision := build(core.SignalTermination).Run(ctx, pipeline.Input{
				Mode:    core.ModeLinear,
				Region:  "us-east-1",
				Current: &current,
			})

			Expect(decision.Verdict).To(Equal(core.VerdictEvacuate))
			Expect(decision.Reason).To(Equal("AWS termination notice"))
		})

		It("should evacuate on a caller-reported termination even when the wired source is silent", func() {
			// a healthy host two minutes from reclaim: the agent saw the
			// metadata signal, the server-side source has nothing
			model.Score(current.ID(), 0.20)

			decision := build(core.SignalNone).Run(ctx, pipeline.Input{
				Mode:    core.ModeLinear,
				Region:  "us-east-1",
				Current: &current,
				Signal:  core.SignalTermination,
			})

			Expect(decision.Verdict).To(Equal(core.VerdictEvacuate))
			Expect(decision.Reason).To(Equal("AWS termination notice"))
		})

		It("should drain on a caller-reported rebalance with the wired source silent", func() {
			model.Score(current.ID(), 0.20)

			decision := build(core.SignalNone).Run(ctx, pipeline.Input{
				Mode:    core.ModeLinear,
				Region:  "us-east-1",
				Current: &current,
				Signal:  core.SignalRebalance,
			})

			Expect(decision.Verdict).To(Equal(core.VerdictDrain))
			Expect(decision.Reason).To(Equal("AWS rebalance recommendation"))
		})

		It("should drain to the top ranked candidate on a rebalance recommendation", func() {
			alternative := core.MustPool("m5.large", "us-east-1c")
			instanceTypes.Offer(alternative, 2, 8, "x86_64")
			pricing.Price(alternative, 0.030, 0.096)
			advisor.Rate(alternative, 0.05)
			model.Score(alternative.ID(), 0.10)
			model.Score(current.ID(), 0.10)

			decision := build(core.SignalRebalance).Run(ctx, pipeline.Input{
				Mode:   core.ModeKubernetes,
				Region: "us-east-1",
				Workload: &pipeline.Workload{
					VCPU:         2,
					MemoryGiB:    4,
					Architecture: "x86_64",
				},
				Current: &current,
			})

			Expect(decision.Verdict).To(Equal(core.VerdictDrain))
			Expect(decision.Selected).ToNot(BeNil())
			Expect(decision.Reason).To(Equal("AWS rebalance recommendation"))
		})
	})

	Context("switching off an unsafe host", func() {
		It("should switch when the current pool breaches the crash gate", func() {
			// safety gate fires on the current host; the override names the
			// crash probability as the reason
			model.Score(current.ID(), 0.90)

			decision := build(core.SignalNone).Run(ctx, pipeline.Input{
				Mode:    core.ModeLinear,
				Region:  "us-east-1",
				Current: &current,
			})

			Expect(decision.Verdict).To(Equal(core.VerdictStay))
			Expect(decision.Reason).To(ContainSubstring("crash probability"))
		})
	})

	Context("kubernetes mode", func() {
		var large, xlarge, other core.Pool

		BeforeEach(func() {
			large = core.MustPool("m5.large", "us-east-1a")
			xlarge = core.MustPool("m5.xlarge", "us-east-1a")
			other = core.MustPool("c5.large", "us-east-1b")
			instanceTypes.Offer(large, 2, 8, "x86_64")
			instanceTypes.Offer(xlarge, 4, 16, "x86_64")
			instanceTypes.Offer(other, 2, 4, "x86_64")
			pricing.Price(large, 0.05, 0.096)
			pricing.Price(xlarge, 0.08, 0.192)
			pricing.Price(other, 0.045, 0.085)
			advisor.Rate(large, 0.05)
			advisor.Rate(xlarge, 0.05)
			advisor.Rate(other, 0.05)
		})

		It("should rank waste and safety into the switch target", func() {
			model.Score(large.ID(), 0.30)
			model.Score(xlarge.ID(), 0.10)
			model.Score(other.ID(), 0.40)
			model.Score(current.ID(), 0.90)

			decision := build(core.SignalNone).Run(ctx, pipeline.Input{
				Mode:   core.ModeKubernetes,
				Region: "us-east-1",
				Workload: &pipeline.Workload{
					VCPU:         2,
					MemoryGiB:    4,
					Architecture: "x86_64",
					MinVCPU:      2,
				},
			})

			Expect(decision.Verdict).To(Equal(core.VerdictSwitch))
			Expect(decision.Selected).ToNot(BeNil())
			Expect(decision.Selected.Pool).To(Equal(large))
		})

		It("should exclude candidates outside the region", func() {
			elsewhere := core.MustPool("m5.large", "eu-west-1a")
			instanceTypes.Offer(elsewhere, 2, 8, "x86_64")
			pricing.Price(elsewhere, 0.01, 0.096)
			model.Score(large.ID(), 0.10)

			decision := build(core.SignalNone).Run(ctx, pipeline.Input{
				Mode:   core.ModeKubernetes,
				Region: "us-east-1",
				Workload: &pipeline.Workload{
					VCPU:         2,
					MemoryGiB:    8,
					Architecture: "x86_64",
				},
			})

			Expect(decision.Selected).ToNot(BeNil())
			Expect(decision.Selected.Pool).To(Equal(large))
		})

		It("should bound upsize candidates by the right-sizing multiplier", func() {
			huge := core.MustPool("m5.2xlarge", "us-east-1a")
			instanceTypes.Offer(huge, 8, 32, "x86_64")
			pricing.Price(huge, 0.02, 0.384)
			advisor.Rate(huge, 0.05)
			for _, pool := range []core.Pool{large, xlarge, other, huge} {
				model.Score(pool.ID(), 0.10)
			}

			decision := build(core.SignalNone).Run(ctx, pipeline.Input{
				Mode:   core.ModeKubernetes,
				Region: "us-east-1",
				Workload: &pipeline.Workload{
					VCPU:         2,
					MemoryGiB:    4,
					Architecture: "x86_64",
					MinVCPU:      2,
				},
			})

			// 8 vcpu is above the 2x bound of the requested 2, despite the
			// bargain price
			Expect(decision.Selected).ToNot(BeNil())
			Expect(decision.Selected.Pool).ToNot(Equal(huge))
		})

		It("should charge waste cost for admitted upsizes", func() {
			pctx := &pipeline.Context{
				Input: pipeline.Input{
					Mode:     core.ModeKubernetes,
					Workload: &pipeline.Workload{VCPU: 2},
				},
				Candidates: []*core.Candidate{
					func() *core.Candidate {
						c := core.NewCandidate(xlarge)
						c.SpotPrice = 0.08
						c.VCPU = 4
						return c
					}(),
				},
			}
			Expect(stages.NewBinPacking().Run(ctx, pctx)).To(Succeed())
			Expect(pctx.Candidates[0].WasteCost).To(BeNumerically("~", 0.04, 1e-9))
		})

		It("should charge no waste when the candidate exactly fits", func() {
			pctx := &pipeline.Context{
				Input: pipeline.Input{
					Mode:     core.ModeKubernetes,
					Workload: &pipeline.Workload{VCPU: 2},
				},
				Candidates: []*core.Candidate{
					func() *core.Candidate {
						c := core.NewCandidate(large)
						c.SpotPrice = 0.05
						c.VCPU = 2
						return c
					}(),
				},
			}
			Expect(stages.NewBinPacking().Run(ctx, pctx)).To(Succeed())
			Expect(pctx.Candidates[0].WasteCost).To(BeZero())
		})
	})

	Context("yield ranking", func() {
		It("should break ties deterministically on price then pool id", func() {
			a := core.NewCandidate(core.MustPool("m5.large", "us-east-1a"))
			b := core.NewCandidate(core.MustPool("m5.large", "us-east-1b"))
			for _, c := range []*core.Candidate{a, b} {
				c.SpotPrice = 0.05
				c.CrashProbability = lo.ToPtr(0.10)
			}
			pctx := &pipeline.Context{Candidates: []*core.Candidate{b, a}}

			Expect(stages.NewYield().Run(ctx, pctx)).To(Succeed())
			Expect(stages.TopRanked(pctx.Candidates).Pool.AvailabilityZone).To(Equal("us-east-1a"))
		})
	})
})
