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

package core_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/spotherd/spotherd/pkg/core"
)

var _ = Describe("CommandStatus", func() {
	DescribeTable("legal transitions",
		func(from, to core.CommandStatus, want bool) {
			Expect(from.CanTransition(to)).To(Equal(want))
		},
		Entry("pending picks up", core.CommandPending, core.CommandPickedUp, true),
		Entry("pending expires", core.CommandPending, core.CommandExpired, true),
		Entry("picked-up completes", core.CommandPickedUp, core.CommandCompleted, true),
		Entry("picked-up fails", core.CommandPickedUp, core.CommandFailed, true),
		Entry("pending cannot complete directly", core.CommandPending, core.CommandCompleted, false),
		Entry("completed is terminal", core.CommandCompleted, core.CommandFailed, false),
		Entry("expired is terminal", core.CommandExpired, core.CommandPickedUp, false),
		Entry("failed is terminal", core.CommandFailed, core.CommandCompleted, false),
	)
	It("should reject commands expiring before creation", func() {
		now := time.Now()
		cmd := core.Command{Kind: core.CommandSwitch, CreatedAt: now, ExpiresAt: now}
		Expect(cmd.Validate()).To(HaveOccurred())
	})
	It("should reject unknown kinds", func() {
		now := time.Now()
		cmd := core.Command{Kind: "reboot", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
		Expect(cmd.Validate()).To(HaveOccurred())
	})
})

var _ = Describe("ReplicaStatus", func() {
	DescribeTable("legal transitions",
		func(from, to core.ReplicaStatus, want bool) {
			Expect(from.CanTransition(to)).To(Equal(want))
		},
		Entry("launching syncs", core.ReplicaLaunching, core.ReplicaSyncing, true),
		Entry("syncing becomes ready", core.ReplicaSyncing, core.ReplicaReady, true),
		Entry("syncing can promote under termination pressure", core.ReplicaSyncing, core.ReplicaPromoted, true),
		Entry("ready promotes", core.ReplicaReady, core.ReplicaPromoted, true),
		Entry("ready terminates on recovery", core.ReplicaReady, core.ReplicaTerminated, true),
		Entry("launching cannot promote", core.ReplicaLaunching, core.ReplicaPromoted, false),
		Entry("promoted is terminal", core.ReplicaPromoted, core.ReplicaTerminated, false),
		Entry("failed is terminal", core.ReplicaFailed, core.ReplicaSyncing, false),
		Entry("terminated is terminal", core.ReplicaTerminated, core.ReplicaReady, false),
	)
	It("should consider launching, syncing and ready replicas alive", func() {
		Expect(core.ReplicaLaunching.Alive()).To(BeTrue())
		Expect(core.ReplicaSyncing.Alive()).To(BeTrue())
		Expect(core.ReplicaReady.Alive()).To(BeTrue())
		Expect(core.ReplicaPromoted.Alive()).To(BeFalse())
		Expect(core.ReplicaTerminated.Alive()).To(BeFalse())
	})
})

var _ = Describe("RiskEvent", func() {
	It("should stamp the 15 day TTL on construction", func() {
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		e := core.NewRiskEvent(core.MustPool("c5.large", "us-east-1a"), core.RiskEventTermination, "tenant-1", now, nil)
		Expect(e.ExpiresAt).To(Equal(now.Add(15 * 24 * time.Hour)))
		Expect(e.Validate()).To(Succeed())
	})
	It("should treat an event at exactly expires-at as inactive", func() {
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		e := core.NewRiskEvent(core.MustPool("c5.large", "us-east-1a"), core.RiskEventRebalance, "tenant-1", now, nil)
		Expect(e.Active(e.ExpiresAt.Add(-time.Second))).To(BeTrue())
		Expect(e.Active(e.ExpiresAt)).To(BeFalse())
	})
})

var _ = Describe("PricingSnapshot", func() {
	It("should floor collection times to 5 minute buckets", func() {
		at := time.Date(2024, 3, 1, 12, 7, 31, 0, time.UTC)
		s := core.NewSnapshot(core.MustPool("c5.large", "us-east-1a"), 0.03, 0.085, core.PricingSourceAgent, core.ConfidenceAgent, at)
		Expect(s.Bucket).To(Equal(time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)))
	})
	It("should normalize bucket boundaries to themselves", func() {
		at := time.Date(2024, 3, 1, 12, 10, 0, 0, time.UTC)
		Expect(core.FloorBucket(at)).To(Equal(at))
	})
})
