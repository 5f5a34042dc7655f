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

package storage_test

import (
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var agentColumns = []string{
	"id", "account_id", "instance_id", "cloud_instance_id", "hostname", "version", "client_token",
	"status", "mode", "current_pool_id", "last_heartbeat_at", "auto_switch_enabled",
	"manual_replica_enabled", "switching_threshold", "current_replica_id",
	"interruption_handled_count", "shadow_mode", "registered_at",
}

var _ = Describe("AgentStore", func() {
	var now time.Time

	BeforeEach(func() {
		now = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	})

	It("should map a stored row onto the domain agent", func() {
		mock.ExpectQuery("SELECT (.+) FROM agents WHERE id =").
			WithArgs("agent-1").
			WillReturnRows(sqlmock.NewRows(agentColumns).AddRow(
				"agent-1", "acct-1", nil, "i-0abc", "host-1", "1.4.0", "tok",
				"online", "LINEAR", "us-east-1a:m5.large", now, true,
				false, 0.5, nil,
				3, false, now,
			))

		agent, err := client.Agents.Get(ctx, "agent-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(agent.Status).To(Equal(core.AgentOnline))
		Expect(agent.CurrentPool.ID()).To(Equal("us-east-1a:m5.large"))
		Expect(agent.AutoSwitchEnabled).To(BeTrue())
		Expect(agent.CurrentReplicaID).To(BeNil())
		Expect(agent.InterruptionHandledCount).To(Equal(3))
	})

	It("should surface an unknown id as not found", func() {
		mock.ExpectQuery("SELECT (.+) FROM agents WHERE id =").
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows(agentColumns))

		_, err := client.Agents.Get(ctx, "nope")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})

	It("should surface an unknown token as an auth error, not as not found", func() {
		mock.ExpectQuery("SELECT (.+) FROM agents WHERE client_token =").
			WithArgs("bad-token").
			WillReturnRows(sqlmock.NewRows(agentColumns))

		_, err := client.Agents.GetByToken(ctx, "bad-token")
		Expect(errors.IsAuth(err)).To(BeTrue())
		Expect(errors.IsNotFound(err)).To(BeFalse())
	})

	It("should refresh liveness and placement on heartbeat", func() {
		pool := core.MustPool("m5.large", "us-east-1b")
		mock.ExpectExec("UPDATE agents SET status =").
			WithArgs("agent-1", "online", "LINEAR", "us-east-1b:m5.large", now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		Expect(client.Agents.Heartbeat(ctx, "agent-1", core.AgentOnline, core.ModeLinear, pool, now)).To(Succeed())
	})

	It("should report heartbeats for unknown agents as not found", func() {
		mock.ExpectExec("UPDATE agents SET status =").
			WithArgs("ghost", "online", "LINEAR", "", now).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := client.Agents.Heartbeat(ctx, "ghost", core.AgentOnline, core.ModeLinear, core.Pool{}, now)
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})

	It("should sweep only agents with stale heartbeats", func() {
		cutoff := now.Add(-90 * time.Second)
		mock.ExpectExec("UPDATE agents SET status =").
			WithArgs("offline", cutoff).
			WillReturnResult(sqlmock.NewResult(0, 2))

		n, err := client.Agents.MarkStaleOffline(ctx, cutoff)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeEquivalentTo(2))
	})
})
