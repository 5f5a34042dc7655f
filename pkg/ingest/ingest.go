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

// Package ingest lands pricing observations: every report is written to the
// raw tier as-is, deduplicated into the clean tier, and published to the
// shared price cache. A write batcher coalesces the steady trickle of agent
// reports into reasonable database round trips.
package ingest

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"knative.dev/pkg/logging"

	"github.com/spotherd/spotherd/pkg/cache"
	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/storage"
)

const (
	batchIdleTimeout = 100 * time.Millisecond
	batchMaxTimeout  = 1 * time.Second
	batchMaxItems    = 500
)

// Writer implements the pricing sink: agent reports and scrapes both land
// through Ingest.
type Writer struct {
	store   *storage.PricingStore
	kv      *cache.KV
	batcher *Batcher[core.PricingSnapshot]
}

func NewWriter(ctx context.Context, store *storage.PricingStore, kv *cache.KV) *Writer {
	w := &Writer{store: store, kv: kv}
	w.batcher = NewBatcher(ctx, Options[core.PricingSnapshot]{
		IdleTimeout: batchIdleTimeout,
		MaxTimeout:  batchMaxTimeout,
		MaxItems:    batchMaxItems,
		RequestHasher: SourceHasher(func(snap *core.PricingSnapshot) interface{} {
			return snap.Source
		}),
		BatchExecutor: w.commit,
	})
	return w
}

// Ingest queues the snapshots and waits for their batches to commit.
func (w *Writer) Ingest(ctx context.Context, snapshots []core.PricingSnapshot) error {
	waiters := make([]<-chan error, 0, len(snapshots))
	for i := range snapshots {
		waiters = append(waiters, w.batcher.Add(ctx, &snapshots[i]))
	}
	var err error
	for _, wait := range waiters {
		select {
		case batchErr := <-wait:
			err = multierr.Append(err, batchErr)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// commit lands one batch: raw append, clean upsert, cache publish. The
// clean upsert resolves duplicate buckets by confidence then insertion
// order; losers never surface again.
func (w *Writer) commit(ctx context.Context, items []*core.PricingSnapshot) error {
	snapshots := make([]core.PricingSnapshot, 0, len(items))
	for _, item := range items {
		snapshots = append(snapshots, *item)
	}
	if err := w.store.InsertRaw(ctx, snapshots); err != nil {
		return err
	}
	if err := w.store.UpsertClean(ctx, snapshots); err != nil {
		return err
	}
	SnapshotsIngested.Add(float64(len(snapshots)))
	if w.kv == nil {
		return nil
	}
	// publish only the newest snapshot per pool
	newest := map[string]core.PricingSnapshot{}
	for _, snap := range snapshots {
		if held, ok := newest[snap.Pool.ID()]; !ok || snap.Bucket.After(held.Bucket) {
			newest[snap.Pool.ID()] = snap
		}
	}
	for _, snap := range newest {
		if err := w.kv.SetPrice(ctx, snap); err != nil {
			logging.FromContext(ctx).With("pool", snap.Pool.ID()).Errorf("publishing price, %s", err)
		}
	}
	return nil
}
