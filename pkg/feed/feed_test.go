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

package feed_test

import (
	"database/sql"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/fake"
	"github.com/spotherd/spotherd/pkg/feed"
	"github.com/spotherd/spotherd/pkg/storage"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var agentColumns = []string{
	"id", "account_id", "instance_id", "cloud_instance_id", "hostname", "version", "client_token",
	"status", "mode", "current_pool_id", "last_heartbeat_at", "auto_switch_enabled",
	"manual_replica_enabled", "switching_threshold", "current_replica_id",
	"interruption_handled_count", "shadow_mode", "registered_at",
}

var _ = Describe("Consumer", func() {
	var (
		mock        sqlmock.Sqlmock
		db          *sqlx.DB
		queue       *fake.SQSAPI
		tracker     *stubTracker
		coordinator *stubCoordinator
		consumer    *feed.Consumer
		now         time.Time
	)

	BeforeEach(func() {
		raw, m, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		mock = m
		db = sqlx.NewDb(raw, "sqlmock")
		queue = fake.NewSQSAPI()
		tracker = &stubTracker{}
		coordinator = &stubCoordinator{}
		now = time.Now().UTC().Truncate(time.Second)
		consumer = feed.NewConsumer(queue, "spotherd-interruptions", storage.NewClient(db), tracker, coordinator)
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		mock.ExpectClose()
		Expect(db.Close()).To(Succeed())
	})

	expectAgentLookup := func() {
		mock.ExpectQuery("FROM agents WHERE cloud_instance_id").WillReturnRows(
			sqlmock.NewRows(agentColumns).AddRow(
				"agent-1", "account-1", "inst-1", "i-0abc123def4567890", "web-42", "1.4.0", "tok-1",
				"online", "LINEAR", "us-east-1a:c5.large", now, true,
				false, 0.85, nil,
				0, false, now))
		mock.ExpectQuery("FROM accounts WHERE id").WillReturnRows(
			sqlmock.NewRows([]string{"id", "tenant_id", "environment", "region"}).
				AddRow("account-1", "tenant-1", "prod", "us-east-1"))
	}

	It("should register a termination notice and trigger failover", func() {
		handle := queue.EnqueueMessage(spotInterruptionBody)
		expectAgentLookup()

		Expect(consumer.Poll(ctx)).To(Succeed())

		events := tracker.Events()
		Expect(events).To(HaveLen(1))
		Expect(events[0].kind).To(Equal(core.RiskEventTermination))
		Expect(events[0].pool.ID()).To(Equal("us-east-1a:c5.large"))
		Expect(events[0].metadata).To(HaveKeyWithValue("via", "interruption-feed"))
		Expect(coordinator.terminated).To(ConsistOf("agent-1"))
		Expect(queue.DeletedHandles()).To(ConsistOf(handle))
	})

	It("should register a rebalance notice and raise a standby", func() {
		handle := queue.EnqueueMessage(rebalanceBody)
		expectAgentLookup()

		Expect(consumer.Poll(ctx)).To(Succeed())

		events := tracker.Events()
		Expect(events).To(HaveLen(1))
		Expect(events[0].kind).To(Equal(core.RiskEventRebalance))
		Expect(coordinator.rebalanced).To(ConsistOf("agent-1"))
		Expect(queue.DeletedHandles()).To(ConsistOf(handle))
	})

	It("should ignore notices for instances outside the herd", func() {
		handle := queue.EnqueueMessage(spotInterruptionBody)
		mock.ExpectQuery("FROM agents WHERE cloud_instance_id").WillReturnError(sql.ErrNoRows)

		Expect(consumer.Poll(ctx)).To(Succeed())
		Expect(tracker.Events()).To(BeEmpty())
		Expect(queue.DeletedHandles()).To(ConsistOf(handle))
	})

	It("should drop unparseable messages instead of redelivering forever", func() {
		handle := queue.EnqueueMessage("certainly not json")

		Expect(consumer.Poll(ctx)).To(Succeed())
		Expect(tracker.Events()).To(BeEmpty())
		Expect(queue.DeletedHandles()).To(ConsistOf(handle))
	})

	It("should delete recognized no-op messages", func() {
		handle := queue.EnqueueMessage(`{
			"version": "0",
			"source": "aws.ec2",
			"detail-type": "EC2 Instance State-change Notification",
			"detail": {"instance-id": "i-0abc123def4567890", "state": "running"}
		}`)

		Expect(consumer.Poll(ctx)).To(Succeed())
		Expect(tracker.Events()).To(BeEmpty())
		Expect(queue.DeletedHandles()).To(ConsistOf(handle))
	})
})
