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

package scheduler_test

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/spotherd/spotherd/pkg/scheduler"
)

var _ = Describe("Scheduler", func() {
	var (
		clk    *testingclock.FakeClock
		sctx   context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		clk = testingclock.NewFakeClock(time.Now())
		sctx, cancel = context.WithCancel(ctx)
		DeferCleanup(cancel)
	})

	It("should run a job on every tick", func() {
		var runs atomic.Int64
		s := scheduler.New(clk, scheduler.Job{
			Name:     "counter",
			Interval: time.Minute,
			Run: func(context.Context) error {
				runs.Add(1)
				return nil
			},
		})
		s.Start(sctx)

		Eventually(clk.HasWaiters).Should(BeTrue())
		clk.Step(time.Minute)
		Eventually(runs.Load).Should(BeEquivalentTo(1))
		clk.Step(time.Minute)
		Eventually(runs.Load).Should(BeEquivalentTo(2))

		cancel()
		s.Wait()
	})

	It("should run an initial-run job before its first tick", func() {
		var runs atomic.Int64
		s := scheduler.New(clk, scheduler.Job{
			Name:       "eager",
			Interval:   time.Hour,
			InitialRun: true,
			Run: func(context.Context) error {
				runs.Add(1)
				return nil
			},
		})
		s.Start(sctx)

		Eventually(runs.Load).Should(BeEquivalentTo(1))
		cancel()
		s.Wait()
	})

	It("should skip a tick while the previous run is in flight", func() {
		var started atomic.Int64
		release := make(chan struct{})
		s := scheduler.New(clk, scheduler.Job{
			Name:     "slow",
			Interval: time.Minute,
			Run: func(context.Context) error {
				started.Add(1)
				<-release
				return nil
			},
		})
		s.Start(sctx)

		Eventually(clk.HasWaiters).Should(BeTrue())
		clk.Step(time.Minute)
		Eventually(started.Load).Should(BeEquivalentTo(1))

		// the first run is still blocked; this tick must be skipped
		clk.Step(time.Minute)
		Consistently(started.Load).Should(BeEquivalentTo(1))

		close(release)
		Eventually(func() int64 {
			clk.Step(time.Minute)
			return started.Load()
		}).Should(BeEquivalentTo(2))

		cancel()
		s.Wait()
	})

	It("should keep ticking after a job failure", func() {
		var runs atomic.Int64
		s := scheduler.New(clk, scheduler.Job{
			Name:     "flaky",
			Interval: time.Minute,
			Run: func(context.Context) error {
				runs.Add(1)
				return context.DeadlineExceeded
			},
		})
		s.Start(sctx)

		Eventually(clk.HasWaiters).Should(BeTrue())
		clk.Step(time.Minute)
		Eventually(runs.Load).Should(BeEquivalentTo(1))
		clk.Step(time.Minute)
		Eventually(runs.Load).Should(BeEquivalentTo(2))

		cancel()
		s.Wait()
	})

	It("should block Wait until an in-flight run returns", func() {
		started := make(chan struct{})
		release := make(chan struct{})
		var finished atomic.Bool
		s := scheduler.New(clk, scheduler.Job{
			Name:     "draining",
			Interval: time.Minute,
			Run: func(context.Context) error {
				close(started)
				<-release
				finished.Store(true)
				return nil
			},
		})
		s.Start(sctx)

		Eventually(clk.HasWaiters).Should(BeTrue())
		clk.Step(time.Minute)
		Eventually(started).Should(BeClosed())

		// cancellation stops the loop, not the run already in flight
		cancel()
		done := make(chan struct{})
		go func() {
			s.Wait()
			close(done)
		}()
		Consistently(done).ShouldNot(BeClosed())

		close(release)
		Eventually(done).Should(BeClosed())
		Expect(finished.Load()).To(BeTrue())
	})

	It("should stop all loops when the context cancels", func() {
		s := scheduler.New(clk,
			scheduler.Job{Name: "a", Interval: time.Minute, Run: func(context.Context) error { return nil }},
			scheduler.Job{Name: "b", Interval: time.Minute, Run: func(context.Context) error { return nil }},
		)
		s.Start(sctx)
		cancel()

		done := make(chan struct{})
		go func() {
			s.Wait()
			close(done)
		}()
		Eventually(done).Should(BeClosed())
	})
})
