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

package replica_test

import (
	"database/sql/driver"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
	"github.com/spotherd/spotherd/pkg/fake"
	"github.com/spotherd/spotherd/pkg/providers/instance"
	"github.com/spotherd/spotherd/pkg/providers/instancetype"
	"github.com/spotherd/spotherd/pkg/replica"
	"github.com/spotherd/spotherd/pkg/storage"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const (
	agentID = "agent-1"
	// first id the in-memory cloud mints
	launchedInstanceID = "i-00000000000000001"
)

var agentColumns = []string{
	"id", "account_id", "instance_id", "cloud_instance_id", "hostname", "version", "client_token",
	"status", "mode", "current_pool_id", "last_heartbeat_at", "auto_switch_enabled",
	"manual_replica_enabled", "switching_threshold", "current_replica_id",
	"interruption_handled_count", "shadow_mode", "registered_at",
}

var replicaColumns = []string{
	"id", "agent_id", "parent_instance_id", "cloud_instance_id", "pool_id", "status",
	"replica_type", "sync_progress", "hourly_cost", "created_by", "active", "created_at", "promoted_at",
}

var _ = Describe("Coordinator", func() {
	var (
		mock     sqlmock.Sqlmock
		db       *sqlx.DB
		ec2api   *fake.EC2API
		hardware *stubHardware
		pricer   *stubPricer
		safety   *stubSafety
		clk      *testingclock.FakeClock
		coord    *replica.Coordinator
		now      time.Time
	)

	BeforeEach(func() {
		raw, m, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		mock = m
		db = sqlx.NewDb(raw, "sqlmock")
		ec2api = fake.NewEC2API()
		hardware = &stubHardware{
			infos: map[string]instancetype.Info{
				"c5.large": {InstanceType: "c5.large", VCPU: 2, MemoryGiB: 4, Architecture: "x86_64"},
				"m5.large": {InstanceType: "m5.large", VCPU: 2, MemoryGiB: 8, Architecture: "x86_64"},
				"t3.small": {InstanceType: "t3.small", VCPU: 2, MemoryGiB: 2, Architecture: "x86_64"},
				"a1.large": {InstanceType: "a1.large", VCPU: 2, MemoryGiB: 4, Architecture: "arm64"},
			},
			pools: []core.Pool{
				core.MustPool("c5.large", "us-east-1a"),
				core.MustPool("c5.large", "us-east-1b"),
				core.MustPool("m5.large", "us-east-1b"),
				core.MustPool("c5.large", "eu-west-1a"),
				core.MustPool("t3.small", "us-east-1c"),
				core.MustPool("a1.large", "us-east-1a"),
			},
		}
		pricer = &stubPricer{prices: map[string]float64{
			"us-east-1b:c5.large": 0.034,
			"us-east-1b:m5.large": 0.041,
			"eu-west-1a:c5.large": 0.010,
			"us-east-1c:t3.small": 0.009,
			"us-east-1a:a1.large": 0.020,
		}}
		safety = &stubSafety{poisoned: map[string]bool{}}
		now = time.Now().UTC().Truncate(time.Second)
		clk = testingclock.NewFakeClock(now)
		coord = replica.NewCoordinator(storage.NewClient(db), instance.NewDefaultProvider(ec2api, clk), hardware, pricer, safety, clk, replica.PromoteSyncFloor)
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		mock.ExpectClose()
		Expect(db.Close()).To(Succeed())
	})

	agentRows := func(manualReplica bool) *sqlmock.Rows {
		return sqlmock.NewRows(agentColumns).AddRow(
			agentID, "account-1", "inst-1", "i-0abc123def4567890", "web-42", "1.4.0", "tok-1",
			"online", "LINEAR", "us-east-1a:c5.large", now, true,
			manualReplica, 0.85, nil,
			0, false, now)
	}

	replicaRow := func(id, status string, progress float64, createdAt time.Time) []driverValue {
		return []driverValue{
			id, agentID, "inst-1", "i-0bbbbbbbbbbbbbbbb", "us-east-1b:m5.large", status,
			"manual", progress, 0.041, "api", true, createdAt, nil,
		}
	}

	expectAgentGet := func(manualReplica bool) {
		mock.ExpectQuery("FROM agents WHERE id").WillReturnRows(agentRows(manualReplica))
	}

	expectLaunch := func() {
		mock.ExpectExec("INSERT INTO replicas").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE replicas SET cloud_instance_id").WillReturnResult(sqlmock.NewResult(0, 1))
	}

	expectPromotion := func(replicaStatus string) {
		mock.ExpectQuery("FROM replicas WHERE id").WillReturnRows(
			sqlmock.NewRows(replicaColumns).AddRow(replicaRow("rep-1", replicaStatus, 1.0, now)...))
		mock.ExpectExec("UPDATE replicas SET status").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE agents SET current_replica_id").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("interruption_handled_count").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO commands").WillReturnResult(sqlmock.NewResult(0, 1))
	}

	Describe("CreateReplica", func() {
		It("should launch a standby in the requested pool", func() {
			expectAgentGet(false)
			expectLaunch()

			rep, err := coord.CreateReplica(ctx, agentID, "us-east-1b:m5.large", "api")
			Expect(err).ToNot(HaveOccurred())
			Expect(rep.Pool.ID()).To(Equal("us-east-1b:m5.large"))
			Expect(rep.CloudInstanceID).To(Equal(launchedInstanceID))
			Expect(rep.HourlyCost).To(Equal(0.041))
			Expect(ec2api.RunInstancesBehavior.Calls()).To(Equal(1))
		})

		It("should refuse a poisoned pool before touching the cloud", func() {
			expectAgentGet(false)
			safety.poisoned["us-east-1b:m5.large"] = true

			_, err := coord.CreateReplica(ctx, agentID, "us-east-1b:m5.large", "api")
			Expect(errors.IsSafetyAbort(err)).To(BeTrue())
			Expect(ec2api.RunInstancesBehavior.Calls()).To(BeZero())
		})

		It("should place an unpinned standby in the cheapest matching pool", func() {
			expectAgentGet(false)
			expectLaunch()

			rep, err := coord.CreateReplica(ctx, agentID, "", "api")
			Expect(err).ToNot(HaveOccurred())
			// eu-west-1a is out of region, t3.small is too small, a1.large is
			// the wrong architecture, the primary's own pool is excluded
			Expect(rep.Pool.ID()).To(Equal("us-east-1b:c5.large"))
			Expect(rep.HourlyCost).To(Equal(0.034))
		})

		It("should skip unsafe pools during placement", func() {
			expectAgentGet(false)
			expectLaunch()
			safety.poisoned["us-east-1b:c5.large"] = true

			rep, err := coord.CreateReplica(ctx, agentID, "", "api")
			Expect(err).ToNot(HaveOccurred())
			Expect(rep.Pool.ID()).To(Equal("us-east-1b:m5.large"))
		})

		It("should report a data gap when no pool can host the standby", func() {
			expectAgentGet(false)
			hardware.pools = []core.Pool{core.MustPool("c5.large", "us-east-1a")}

			_, err := coord.CreateReplica(ctx, agentID, "", "api")
			Expect(errors.IsDataGap(err)).To(BeTrue())
			Expect(ec2api.RunInstancesBehavior.Calls()).To(BeZero())
		})
	})

	Describe("Promote", func() {
		agent := &core.Agent{ID: agentID, CurrentPool: core.MustPool("c5.large", "us-east-1a")}

		It("should flip the agent to a ready standby", func() {
			expectPromotion("ready")
			Expect(coord.Promote(ctx, agent, "rep-1")).To(Succeed())
		})

		It("should treat a replayed promotion as done", func() {
			mock.ExpectQuery("FROM replicas WHERE id").WillReturnRows(
				sqlmock.NewRows(replicaColumns).AddRow(replicaRow("rep-1", "promoted", 1.0, now)...))
			Expect(coord.Promote(ctx, agent, "rep-1")).To(Succeed())
		})

		It("should refuse promoting a failed standby", func() {
			mock.ExpectQuery("FROM replicas WHERE id").WillReturnRows(
				sqlmock.NewRows(replicaColumns).AddRow(replicaRow("rep-1", "failed", 0.0, now)...))
			err := coord.Promote(ctx, agent, "rep-1")
			Expect(errors.IsConflict(err)).To(BeTrue())
		})

		It("should refuse another agent's standby", func() {
			row := replicaRow("rep-1", "ready", 1.0, now)
			row[1] = "agent-9"
			mock.ExpectQuery("FROM replicas WHERE id").WillReturnRows(
				sqlmock.NewRows(replicaColumns).AddRow(row...))
			err := coord.Promote(ctx, agent, "rep-1")
			Expect(errors.IsValidation(err)).To(BeTrue())
		})
	})

	Describe("HandleRebalance", func() {
		It("should raise an emergency standby when none is alive", func() {
			expectAgentGet(false)
			mock.ExpectQuery("FROM replicas").WillReturnRows(sqlmock.NewRows(replicaColumns))
			expectLaunch()

			Expect(coord.HandleRebalance(ctx, agentID)).To(Succeed())
			Expect(ec2api.RunInstancesBehavior.Calls()).To(Equal(1))
		})

		It("should leave an existing standby alone", func() {
			expectAgentGet(false)
			mock.ExpectQuery("FROM replicas").WillReturnRows(
				sqlmock.NewRows(replicaColumns).AddRow(replicaRow("rep-1", "syncing", 0.4, now)...))

			Expect(coord.HandleRebalance(ctx, agentID)).To(Succeed())
			Expect(ec2api.RunInstancesBehavior.Calls()).To(BeZero())
		})
	})

	Describe("HandleTermination", func() {
		It("should promote the newest ready standby", func() {
			expectAgentGet(false)
			mock.ExpectQuery("FROM replicas").WillReturnRows(
				sqlmock.NewRows(replicaColumns).
					AddRow(replicaRow("rep-1", "syncing", 0.9, now.Add(-time.Hour))...).
					AddRow(replicaRow("rep-2", "ready", 1.0, now.Add(-time.Minute))...))

			// rep-2 wins: READY beats SYNCING regardless of progress
			mock.ExpectQuery("FROM replicas WHERE id").WillReturnRows(
				sqlmock.NewRows(replicaColumns).AddRow(replicaRow("rep-2", "ready", 1.0, now.Add(-time.Minute))...))
			mock.ExpectExec("UPDATE replicas SET status").WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec("UPDATE agents SET current_replica_id").WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec("interruption_handled_count").WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectExec("INSERT INTO commands").WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(coord.HandleTermination(ctx, agentID)).To(Succeed())
		})

		It("should fall back to a syncing standby above the floor", func() {
			expectAgentGet(false)
			mock.ExpectQuery("FROM replicas").WillReturnRows(
				sqlmock.NewRows(replicaColumns).AddRow(replicaRow("rep-1", "syncing", 0.7, now)...))
			expectPromotion("syncing")

			Expect(coord.HandleTermination(ctx, agentID)).To(Succeed())
		})

		It("should treat a standby at exactly the floor as cold", func() {
			expectAgentGet(false)
			mock.ExpectQuery("FROM replicas").WillReturnRows(
				sqlmock.NewRows(replicaColumns).AddRow(replicaRow("rep-1", "syncing", 0.5, now)...))
			expectLaunch()
			mock.ExpectExec("UPDATE replicas SET status").WillReturnResult(sqlmock.NewResult(0, 1))
			expectPromotion("syncing")

			Expect(coord.HandleTermination(ctx, agentID)).To(Succeed())
			Expect(ec2api.RunInstancesBehavior.Calls()).To(Equal(1))
		})

		It("should launch and promote a cold standby when nothing is warm", func() {
			expectAgentGet(false)
			mock.ExpectQuery("FROM replicas").WillReturnRows(
				sqlmock.NewRows(replicaColumns).AddRow(replicaRow("rep-1", "syncing", 0.2, now)...))
			expectLaunch()
			// the fresh standby moves LAUNCHING -> SYNCING so promotion is legal
			mock.ExpectExec("UPDATE replicas SET status").WillReturnResult(sqlmock.NewResult(0, 1))
			expectPromotion("syncing")

			Expect(coord.HandleTermination(ctx, agentID)).To(Succeed())
			Expect(ec2api.RunInstancesBehavior.Calls()).To(Equal(1))
		})
	})

	Describe("Tick", func() {
		It("should converge a manual-mode agent on one standby and reclaim expired automatics", func() {
			mock.ExpectQuery("FROM agents ORDER BY registered_at").WillReturnRows(agentRows(true))
			mock.ExpectQuery("FROM replicas").WillReturnRows(sqlmock.NewRows(replicaColumns))
			expectLaunch()

			expired := replicaRow("rep-9", "ready", 1.0, now.Add(-3*time.Hour))
			expired[6] = "automatic-rebalance"
			mock.ExpectQuery("FROM replicas").WillReturnRows(
				sqlmock.NewRows(replicaColumns).AddRow(expired...))
			mock.ExpectExec("UPDATE replicas SET status").WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(coord.Tick(ctx)).To(Succeed())
			Expect(ec2api.RunInstancesBehavior.Calls()).To(Equal(1))
			// the expired standby's instance was released
			Expect(ec2api.TerminateInstancesBehavior.Calls()).To(Equal(1))
		})

		It("should reclaim all but the newest of several manual standbys", func() {
			mock.ExpectQuery("FROM agents ORDER BY registered_at").WillReturnRows(agentRows(true))
			mock.ExpectQuery("FROM replicas").WillReturnRows(
				sqlmock.NewRows(replicaColumns).
					AddRow(replicaRow("rep-1", "ready", 1.0, now.Add(-2*time.Hour))...).
					AddRow(replicaRow("rep-2", "ready", 1.0, now.Add(-time.Minute))...))
			mock.ExpectExec("UPDATE replicas SET status").WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectQuery("FROM replicas").WillReturnRows(sqlmock.NewRows(replicaColumns))

			Expect(coord.Tick(ctx)).To(Succeed())
			Expect(ec2api.RunInstancesBehavior.Calls()).To(BeZero())
			Expect(ec2api.TerminateInstancesBehavior.Calls()).To(Equal(1))
		})
	})
})

// driverValue keeps sqlmock AddRow calls readable.
type driverValue = driver.Value
