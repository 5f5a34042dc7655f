package cache_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/spotherd/spotherd/pkg/cache"
	"github.com/spotherd/spotherd/pkg/core"
)

var _ = Describe("PoisonedPools", func() {
	var poisoned *cache.PoisonedPools
	var pool core.Pool

	BeforeEach(func() {
		poisoned = cache.NewPoisonedPools()
		pool = core.MustPool("m5.large", "us-east-1a")
	})

	It("should report marked pools as poisoned", func() {
		poisoned.Mark(ctx, pool, core.RiskEventRebalance, time.Now().Add(time.Hour))
		Expect(poisoned.IsPoisoned(pool)).To(BeTrue())
		Expect(poisoned.IsPoisoned(core.MustPool("m5.large", "us-east-1b"))).To(BeFalse())
	})

	It("should ignore marks whose event already expired", func() {
		poisoned.Mark(ctx, pool, core.RiskEventRebalance, time.Now().Add(-time.Minute))
		Expect(poisoned.IsPoisoned(pool)).To(BeFalse())
	})

	It("should extend an existing mark to the newer expiry", func() {
		first := time.Now().Add(30 * time.Minute)
		second := time.Now().Add(2 * time.Hour)
		poisoned.Mark(ctx, pool, core.RiskEventRebalance, first)
		poisoned.Mark(ctx, pool, core.RiskEventTermination, second)

		until, found := poisoned.PoisonedUntil(pool)
		Expect(found).To(BeTrue())
		Expect(until).To(Equal(second))
	})

	It("should bump the sequence number on every mutation", func() {
		before := poisoned.SeqNum
		poisoned.Mark(ctx, pool, core.RiskEventRebalance, time.Now().Add(time.Hour))
		poisoned.Delete(pool)
		poisoned.Flush()
		Expect(poisoned.SeqNum).To(BeNumerically(">", before))
	})
})
