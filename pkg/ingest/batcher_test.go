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

package ingest_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/spotherd/spotherd/pkg/ingest"
)

type observation struct {
	Source string
	Value  int
}

// batchRecorder captures committed batches for assertions.
type batchRecorder struct {
	mu      sync.Mutex
	batches [][]*observation
	err     error
}

func (r *batchRecorder) commit(_ context.Context, items []*observation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, items)
	return r.err
}

func (r *batchRecorder) snapshot() [][]*observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]*observation{}, r.batches...)
}

var _ = Describe("Batcher", func() {
	var (
		recorder *batchRecorder
		cancel   context.CancelFunc
		bctx     context.Context
	)

	BeforeEach(func() {
		recorder = &batchRecorder{}
		bctx, cancel = context.WithCancel(ctx)
		DeferCleanup(cancel)
	})

	newBatcher := func(maxItems int) *ingest.Batcher[observation] {
		return ingest.NewBatcher(bctx, ingest.Options[observation]{
			IdleTimeout:   20 * time.Millisecond,
			MaxTimeout:    200 * time.Millisecond,
			MaxItems:      maxItems,
			RequestHasher: ingest.SourceHasher(func(o *observation) interface{} { return o.Source }),
			BatchExecutor: recorder.commit,
		})
	}

	It("should coalesce a burst into one batch", func() {
		b := newBatcher(100)
		waiters := []<-chan error{}
		for i := 0; i < 5; i++ {
			waiters = append(waiters, b.Add(ctx, &observation{Source: "agent", Value: i}))
		}
		for _, w := range waiters {
			Eventually(w).Should(Receive(BeNil()))
		}
		batches := recorder.snapshot()
		Expect(batches).To(HaveLen(1))
		Expect(batches[0]).To(HaveLen(5))
	})

	It("should keep items in arrival order within a batch", func() {
		b := newBatcher(100)
		for i := 0; i < 4; i++ {
			b.Add(ctx, &observation{Source: "agent", Value: i})
		}
		Eventually(func() int { return len(recorder.snapshot()) }).Should(Equal(1))
		values := []int{}
		for _, item := range recorder.snapshot()[0] {
			values = append(values, item.Value)
		}
		Expect(values).To(Equal([]int{0, 1, 2, 3}))
	})

	It("should flush when the batch reaches its size bound", func() {
		b := newBatcher(2)
		for i := 0; i < 4; i++ {
			b.Add(ctx, &observation{Source: "agent", Value: i})
		}
		Eventually(func() int { return len(recorder.snapshot()) }).Should(BeNumerically(">=", 2))
	})

	It("should split batches on the partition key", func() {
		b := newBatcher(100)
		w1 := b.Add(ctx, &observation{Source: "agent", Value: 1})
		w2 := b.Add(ctx, &observation{Source: "scrape", Value: 2})
		Eventually(w1).Should(Receive(BeNil()))
		Eventually(w2).Should(Receive(BeNil()))
		Expect(recorder.snapshot()).To(HaveLen(2))
	})

	It("should fan the executor error out to every waiter", func() {
		recorder.err = fmt.Errorf("database down")
		b := newBatcher(100)
		w1 := b.Add(ctx, &observation{Source: "agent", Value: 1})
		w2 := b.Add(ctx, &observation{Source: "agent", Value: 2})
		Eventually(w1).Should(Receive(MatchError(ContainSubstring("database down"))))
		Eventually(w2).Should(Receive(MatchError(ContainSubstring("database down"))))
	})
})
