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

package ingest

import (
	"context"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"knative.dev/pkg/logging"
)

// Options configures a write batcher. Requests hashing to different values
// never share a batch.
type Options[T any] struct {
	// IdleTimeout flushes a batch after no new item has arrived for this
	// long.
	IdleTimeout time.Duration
	// MaxTimeout flushes a batch this long after its first item regardless
	// of arrival rate.
	MaxTimeout time.Duration
	// MaxItems flushes a batch when it reaches this size.
	MaxItems int
	// RequestHasher partitions items into batches.
	RequestHasher func(ctx context.Context, item *T) uint64
	// BatchExecutor commits one batch. The returned error fans out to every
	// waiter of that batch.
	BatchExecutor func(ctx context.Context, items []*T) error
}

type request[T any] struct {
	ctx     context.Context
	hash    uint64
	item    *T
	errChan chan error
}

// Batcher coalesces individual writes into batches, bounded by size and the
// two timeouts. Items within a batch commit in arrival order, which the
// clean store's first-insert tie-break depends on.
type Batcher[T any] struct {
	requests chan *request[T]
	options  Options[T]
}

func NewBatcher[T any](ctx context.Context, options Options[T]) *Batcher[T] {
	b := &Batcher[T]{
		requests: make(chan *request[T], options.MaxItems),
		options:  options,
	}
	go b.run(ctx)
	return b
}

// Add queues one item and returns the channel its batch outcome arrives on.
func (b *Batcher[T]) Add(ctx context.Context, item *T) <-chan error {
	req := &request[T]{
		ctx:     ctx,
		hash:    b.options.RequestHasher(ctx, item),
		item:    item,
		errChan: make(chan error, 1),
	}
	select {
	case b.requests <- req:
	case <-ctx.Done():
		req.errChan <- ctx.Err()
	}
	return req.errChan
}

func (b *Batcher[T]) run(ctx context.Context) {
	var batch []*request[T]
	var batchHash uint64

	idle := time.NewTimer(b.options.IdleTimeout)
	if !idle.Stop() {
		<-idle.C
	}
	lifetime := time.NewTimer(b.options.MaxTimeout)
	if !lifetime.Stop() {
		<-lifetime.C
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.execute(ctx, batch)
		batch = nil
		idle.Stop()
		lifetime.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case req := <-b.requests:
			if len(batch) > 0 && req.hash != batchHash {
				flush()
			}
			if len(batch) == 0 {
				batchHash = req.hash
				lifetime.Reset(b.options.MaxTimeout)
			}
			batch = append(batch, req)
			idle.Reset(b.options.IdleTimeout)
			if len(batch) >= b.options.MaxItems {
				flush()
			}
		case <-idle.C:
			flush()
		case <-lifetime.C:
			flush()
		}
	}
}

func (b *Batcher[T]) execute(ctx context.Context, batch []*request[T]) {
	items := make([]*T, 0, len(batch))
	for _, req := range batch {
		items = append(items, req.item)
	}
	err := b.options.BatchExecutor(ctx, items)
	if err != nil {
		logging.FromContext(ctx).With("batch-size", len(items)).Errorf("committing batch, %s", err)
	}
	for _, req := range batch {
		req.errChan <- err
	}
}

// SourceHasher batches snapshots by provenance, so a scrape's bulk write
// never interleaves with agent reports and insertion order stays meaningful
// per source.
func SourceHasher[T any](keyOf func(*T) interface{}) func(ctx context.Context, item *T) uint64 {
	return func(ctx context.Context, item *T) uint64 {
		hash, err := hashstructure.Hash(keyOf(item), hashstructure.FormatV2, nil)
		if err != nil {
			logging.FromContext(ctx).Errorf("hashing batch key, %s", err)
			return 0
		}
		return hash
	}
}
