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
	"encoding/json"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/spotherd/spotherd/pkg/agent"
	"github.com/spotherd/spotherd/pkg/api"
	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/fake"
	"github.com/spotherd/spotherd/pkg/providers/imds"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("CommandExecutor", func() {
	var (
		cp       *stubControlPlane
		executor *agent.CommandExecutor
	)

	BeforeEach(func() {
		cp = &stubControlPlane{decision: api.DecisionResponse{Verdict: core.VerdictSwitch, PoolID: "us-east-1b:m5.large", Reason: "cheaper pool available", Executed: true}}
		metadata := fake.NewIMDSAPI()
		metadata.SetIdentity(hostInstanceID, "c5.large", "us-east-1a")
		a := agent.New(cp, imds.NewClient(metadata), nil, testingclock.NewFakeClock(time.Now()), agent.DefaultConfig())
		executor = agent.NewCommandExecutor(a)
	})

	execute := func(kind core.CommandKind, payload string) executedReport {
		executor.Execute(ctx, api.CommandEnvelope{ID: "cmd-1", Kind: kind, Payload: json.RawMessage(payload)})
		executed := cp.Executed()
		Expect(executed).To(HaveLen(1))
		return executed[0]
	}

	It("should apply known config keys and skip the rest", func() {
		report := execute(core.CommandApplyConfig, `{"heartbeat-interval":"10s","mode":"KUBERNETES","unknown-key":true}`)
		Expect(report.success).To(BeTrue())
		Expect(report.message).To(Equal("applied 2 of 3 keys"))
	})

	It("should reject a malformed duration without dying", func() {
		report := execute(core.CommandApplyConfig, `{"heartbeat-interval":"-5s"}`)
		Expect(report.success).To(BeTrue())
		Expect(report.message).To(Equal("applied 0 of 1 keys"))
	})

	It("should run a switch through a fresh decision", func() {
		report := execute(core.CommandSwitch, `{"target-pool-id":"us-east-1b:m5.large"}`)
		Expect(report.success).To(BeTrue())
		Expect(report.message).To(ContainSubstring("SWITCH"))
		Expect(cp.Decisions()).To(HaveLen(1))
		Expect(cp.Decisions()[0].Mode).To(Equal("test"))
	})

	It("should acknowledge a promotion", func() {
		report := execute(core.CommandPromoteReplica, `{"replica-id":"rep-1"}`)
		Expect(report.success).To(BeTrue())
		Expect(report.message).To(ContainSubstring("rep-1"))
	})

	It("should fail an unknown command kind", func() {
		report := execute(core.CommandKind("reboot"), `{}`)
		Expect(report.success).To(BeFalse())
		Expect(report.message).To(ContainSubstring("unknown command kind"))
	})
})
