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

package risk_test

import (
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/spotherd/spotherd/pkg/cache"
	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/risk"
	"github.com/spotherd/spotherd/pkg/storage"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var riskEventColumns = []string{
	"id", "pool_id", "kind", "reported_at", "expires_at", "source_tenant", "metadata",
}

var _ = Describe("Tracker", func() {
	var (
		mock    sqlmock.Sqlmock
		db      *sqlx.DB
		mirror  *cache.PoisonedPools
		clk     *testingclock.FakeClock
		tracker *risk.Tracker

		pool core.Pool
		now  time.Time
	)

	BeforeEach(func() {
		raw, m, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		mock = m
		db = sqlx.NewDb(raw, "sqlmock")
		mirror = cache.NewPoisonedPools()
		now = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
		clk = testingclock.NewFakeClock(now)
		tracker = risk.NewTracker(storage.NewClient(db).RiskEvents, nil, mirror, clk)

		pool = core.MustPool("c5.large", "us-east-1a")
	})

	AfterEach(func() {
		mock.ExpectClose()
		Expect(db.Close()).To(Succeed())
	})

	Describe("RegisterEvent", func() {
		It("should drop lab-mode interruptions without poisoning the pool", func() {
			tracker.RegisterEvent(ctx, pool, core.RiskEventTermination, "tenant-1", core.EnvironmentLab, nil)
			Expect(mirror.IsPoisoned(pool)).To(BeFalse())
		})

		It("should poison the mirror immediately and append in the background", func() {
			mock.ExpectExec("INSERT INTO risk_events").
				WillReturnResult(sqlmock.NewResult(0, 1))

			tracker.RegisterEvent(ctx, pool, core.RiskEventTermination, "tenant-1", core.EnvironmentProd, nil)

			Expect(mirror.IsPoisoned(pool)).To(BeTrue())
			until, found := mirror.PoisonedUntil(pool)
			Expect(found).To(BeTrue())
			Expect(until).To(Equal(now.Add(core.RiskEventTTL)))
			Eventually(mock.ExpectationsWereMet).Should(Succeed())
		})
	})

	Describe("IsPoolSafe", func() {
		It("should reject a malformed pool id", func() {
			_, _, err := tracker.IsPoolSafe(ctx, "not-a-pool")
			Expect(err).To(HaveOccurred())
		})

		It("should answer safe and skip the mirror when no events are active", func() {
			mock.ExpectQuery("SELECT id, pool_id, kind").
				WithArgs(pool.ID(), now).
				WillReturnRows(sqlmock.NewRows(riskEventColumns))

			safe, events, err := tracker.IsPoolSafe(ctx, pool.ID())
			Expect(err).ToNot(HaveOccurred())
			Expect(safe).To(BeTrue())
			Expect(events).To(BeEmpty())
			Expect(mirror.IsPoisoned(pool)).To(BeFalse())
		})

		It("should warm the mirror from an active database event", func() {
			mock.ExpectQuery("SELECT id, pool_id, kind").
				WithArgs(pool.ID(), now).
				WillReturnRows(sqlmock.NewRows(riskEventColumns).AddRow(
					"evt-1", pool.ID(), string(core.RiskEventTermination),
					now.Add(-time.Hour), now.Add(time.Hour), "tenant-1", nil))

			safe, events, err := tracker.IsPoolSafe(ctx, pool.ID())
			Expect(err).ToNot(HaveOccurred())
			Expect(safe).To(BeFalse())
			Expect(events).To(HaveLen(1))
			Expect(mirror.IsPoisoned(pool)).To(BeTrue())
		})

		It("should trust the database over a stale mirror entry", func() {
			mirror.Mark(ctx, pool, core.RiskEventRebalance, now.Add(time.Hour))
			mock.ExpectQuery("SELECT id, pool_id, kind").
				WithArgs(pool.ID(), now).
				WillReturnRows(sqlmock.NewRows(riskEventColumns))

			safe, _, err := tracker.IsPoolSafe(ctx, pool.ID())
			Expect(err).ToNot(HaveOccurred())
			Expect(safe).To(BeTrue())
			Expect(mirror.IsPoisoned(pool)).To(BeFalse())
		})
	})

	Describe("Cleanup", func() {
		It("should prune expired events", func() {
			mock.ExpectExec("DELETE FROM risk_events").
				WithArgs(now).
				WillReturnResult(sqlmock.NewResult(0, 3))

			Expect(tracker.Cleanup(ctx)).To(Succeed())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("RefreshMirror", func() {
		It("should rebuild the mirror from the active pool summary", func() {
			other := core.MustPool("m5.large", "us-east-1b")
			mirror.Mark(ctx, other, core.RiskEventRebalance, now.Add(time.Hour))
			mock.ExpectQuery("SELECT pool_id, count").
				WithArgs(now).
				WillReturnRows(sqlmock.NewRows([]string{"pool_id", "events", "last_kind", "last_seen_at"}).
					AddRow(pool.ID(), 2, string(core.RiskEventTermination), now.Add(-time.Hour)))

			Expect(tracker.RefreshMirror(ctx)).To(Succeed())
			Expect(mirror.IsPoisoned(pool)).To(BeTrue())
			Expect(mirror.IsPoisoned(other)).To(BeFalse())
		})
	})
})
