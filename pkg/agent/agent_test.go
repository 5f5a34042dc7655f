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

package agent_test

import (
	"context"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/spotherd/spotherd/pkg/agent"
	"github.com/spotherd/spotherd/pkg/api"
	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
	"github.com/spotherd/spotherd/pkg/fake"
	"github.com/spotherd/spotherd/pkg/providers/imds"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const hostInstanceID = "i-0abc123def4567890"

var _ = Describe("Agent", func() {
	var (
		cp       *stubControlPlane
		metadata *fake.IMDSAPI
		clk      *testingclock.FakeClock
		a        *agent.Agent
		runCtx   context.Context
		cancel   context.CancelFunc
	)

	BeforeEach(func() {
		cp = &stubControlPlane{decision: api.DecisionResponse{Verdict: core.VerdictStay, Reason: "current pool optimal", Executed: true}}
		metadata = fake.NewIMDSAPI()
		metadata.SetIdentity(hostInstanceID, "c5.large", "us-east-1a")
		clk = testingclock.NewFakeClock(time.Now())
		scout := &stubScout{pools: []api.SpotPool{
			{InstanceType: "c5.large", Zone: "us-east-1a", SpotPrice: 0.034, OnDemandPrice: 0.085},
		}}
		a = agent.New(cp, imds.NewClient(metadata), scout, clk, agent.DefaultConfig())
		runCtx, cancel = context.WithCancel(ctx)
		DeferCleanup(cancel)
	})

	run := func() chan int {
		exit := make(chan int, 1)
		go func() { exit <- a.Run(runCtx) }()
		return exit
	}

	It("should register, heartbeat and report local prices", func() {
		exit := run()

		Eventually(func() int {
			clk.Step(30 * time.Second)
			return len(cp.Heartbeats())
		}, "5s").Should(BeNumerically(">=", 1))
		hb := cp.Heartbeats()[0]
		Expect(hb.Status).To(Equal("online"))
		Expect(hb.CloudInstanceID).To(Equal(hostInstanceID))
		Expect(hb.CurrentPoolID).To(Equal("us-east-1a:c5.large"))

		Eventually(func() int {
			clk.Step(time.Minute)
			return len(cp.Reports())
		}, "5s").Should(BeNumerically(">=", 1))
		report := cp.Reports()[0]
		Expect(report.CloudInstanceID).To(Equal(hostInstanceID))
		Expect(report.Pools).To(HaveLen(1))

		cancel()
		Eventually(exit, "5s").Should(Receive(Equal(agent.ExitOK)))

		// the terminal heartbeat flips the agent offline right away
		heartbeats := cp.Heartbeats()
		Expect(heartbeats[len(heartbeats)-1].Status).To(Equal("offline"))
	})

	It("should retry registration with backoff until the control plane answers", func() {
		cp.registerErrs = []error{
			errors.TransientUpstream("control plane unreachable"),
			errors.TransientUpstream("control plane unreachable"),
		}
		exit := run()

		Eventually(func() int {
			clk.Step(2 * time.Second)
			return cp.RegisterCalls()
		}, "5s").Should(Equal(3))

		cancel()
		Eventually(exit, "5s").Should(Receive(Equal(agent.ExitOK)))
	})

	It("should give up on a terminal registration rejection", func() {
		cp.registerErrs = []error{errors.Auth("unknown client token")}
		exit := run()

		Eventually(exit, "5s").Should(Receive(Equal(agent.ExitRegistration)))
		Expect(cp.RegisterCalls()).To(Equal(1))
	})

	It("should exit cleanly on a shutdown command", func() {
		cp.EnqueueCommands(api.CommandEnvelope{ID: "cmd-1", Kind: core.CommandShutdown})
		exit := run()

		Eventually(func() int {
			clk.Step(10 * time.Second)
			return len(cp.Executed())
		}, "5s").Should(Equal(1))
		Expect(cp.Executed()[0].success).To(BeTrue())

		Eventually(exit, "5s").Should(Receive(Equal(agent.ExitOK)))
	})

	It("should debounce a raised rebalance signal", func() {
		metadata.SetPath("events/recommendations/rebalance", `{"noticeTime":"2026-08-26T10:00:00Z"}`)
		exit := run()

		Eventually(func() int {
			clk.Step(5 * time.Second)
			return len(cp.Rebalances())
		}, "5s").Should(Equal(1))
		Expect(cp.Rebalances()[0].PoolID).To(Equal("us-east-1a:c5.large"))
		Expect(cp.Rebalances()[0].Urgency).To(Equal("high"))

		// the signal stays raised; inside the debounce window it is not
		// re-reported
		for i := 0; i < 6; i++ {
			clk.Step(5 * time.Second)
		}
		Consistently(func() int { return len(cp.Rebalances()) }, "300ms").Should(Equal(1))

		// past the window the raised signal reports again
		Eventually(func() int {
			clk.Step(time.Minute)
			return len(cp.Rebalances())
		}, "5s").Should(Equal(2))

		// every report asks for an immediate decision carrying the signal
		Eventually(func() int { return len(cp.Decisions()) }, "5s").Should(Equal(2))
		Expect(cp.Decisions()[0].Signal).To(Equal(string(core.SignalRebalance)))

		cancel()
		Eventually(exit, "5s").Should(Receive(Equal(agent.ExitOK)))
	})

	It("should report a termination notice with its deadline", func() {
		metadata.SetPath("spot/instance-action", `{"action":"terminate","time":"2026-08-26T12:00:00Z"}`)
		exit := run()

		Eventually(func() int {
			clk.Step(5 * time.Second)
			return len(cp.Terminations())
		}, "5s").Should(Equal(1))
		Expect(cp.Terminations()[0].CloudInstanceID).To(Equal(hostInstanceID))
		Expect(cp.Terminations()[0].TerminationTime).To(Equal(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)))

		// the immediate decision request names the signal so the pipeline's
		// override can evacuate
		Eventually(func() int { return len(cp.Decisions()) }, "5s").Should(Equal(1))
		Expect(cp.Decisions()[0].Signal).To(Equal(string(core.SignalTermination)))

		cancel()
		Eventually(exit, "5s").Should(Receive(Equal(agent.ExitOK)))
	})
})
