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

// Package risk is the global risk tracker: an append-only log of production
// interruptions that quarantines spot pools for the whole herd. One tenant's
// reclaim is every tenant's warning.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
	"knative.dev/pkg/logging"

	"github.com/spotherd/spotherd/pkg/cache"
	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/storage"
)

// registerTimeout bounds the detached write so a slow database never holds
// a signal path hostage.
const registerTimeout = 10 * time.Second

// Tracker owns pool safety. Writes are INSERT-only; reads answer from the
// in-process mirror first and fall back to the database. The KV set keeps
// sibling server replicas' mirrors warm.
type Tracker struct {
	store  *storage.RiskEventStore
	kv     *cache.KV
	mirror *cache.PoisonedPools
	clock  clock.Clock
}

func NewTracker(store *storage.RiskEventStore, kv *cache.KV, mirror *cache.PoisonedPools, clk clock.Clock) *Tracker {
	return &Tracker{store: store, kv: kv, mirror: mirror, clock: clk}
}

// RegisterEvent appends an interruption to the pool's log. Lab-mode
// interruptions are dropped: only production reclaims poison a pool. The
// database write is fire-and-forget; the signal path that observed the
// interruption must never block on it.
func (t *Tracker) RegisterEvent(ctx context.Context, pool core.Pool, kind core.RiskEventKind, sourceTenant string, environment core.Environment, metadata map[string]string) {
	if environment != core.EnvironmentProd {
		logging.FromContext(ctx).With("pool", pool.ID(), "kind", kind).Debugf("dropping lab-mode interruption")
		return
	}
	event := core.NewRiskEvent(pool, kind, sourceTenant, t.clock.Now(), metadata)
	event.ID = uuid.NewString()

	// poison the local mirror immediately so the next pipeline run sees it
	t.mirror.Mark(ctx, pool, kind, event.ExpiresAt)
	EventsRegistered.With(prometheus.Labels{kindLabel: string(kind)}).Inc()

	logger := logging.FromContext(ctx)
	go func() {
		writeCtx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), logger), registerTimeout)
		defer cancel()
		if err := t.store.Append(writeCtx, event); err != nil {
			logger.Errorf("appending risk event for %s, %s", pool.ID(), err)
			return
		}
		if t.kv != nil {
			if err := t.kv.MarkPoisoned(writeCtx, pool.ID(), event.ExpiresAt); err != nil {
				logger.Errorf("publishing poisoned pool %s, %s", pool.ID(), err)
			}
		}
	}()
}

// IsPoolSafe reports whether the pool is free of active events. The mirror
// answers the hot path; the database is consulted only on a mirror miss so
// the event list backing the reason string is exact.
func (t *Tracker) IsPoolSafe(ctx context.Context, poolID string) (bool, []core.RiskEvent, error) {
	pool, err := core.ParsePoolID(poolID)
	if err != nil {
		return false, nil, err
	}
	if t.mirror.IsPoisoned(pool) {
		events, err := t.store.ActiveForPool(ctx, poolID, t.clock.Now())
		if err != nil {
			// mirror already said unsafe; report it without the detail
			return false, nil, nil //nolint:nilerr
		}
		if len(events) == 0 {
			// mirror ran ahead of a cleanup; trust the system of record
			t.mirror.Delete(pool)
			return true, nil, nil
		}
		return false, events, nil
	}
	events, err := t.store.ActiveForPool(ctx, poolID, t.clock.Now())
	if err != nil {
		return false, nil, fmt.Errorf("reading risk events for %s, %w", poolID, err)
	}
	if len(events) > 0 {
		t.mirror.Mark(ctx, pool, events[0].Kind, events[0].ExpiresAt)
		return false, events, nil
	}
	return true, nil, nil
}

// Cleanup prunes expired events. It is idempotent and safe to run from
// several servers at once; DELETE on expired rows commutes.
func (t *Tracker) Cleanup(ctx context.Context) error {
	now := t.clock.Now()
	pruned, err := t.store.DeleteExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("pruning risk events, %w", err)
	}
	if t.kv != nil {
		if _, err := t.kv.PrunePoisoned(ctx, now); err != nil {
			logging.FromContext(ctx).Errorf("pruning poisoned set, %s", err)
		}
	}
	if pruned > 0 {
		logging.FromContext(ctx).With("count", pruned).Infof("pruned expired risk events")
	}
	return nil
}

// RefreshMirror rebuilds the in-process mirror from the system of record.
// Run periodically so events registered by sibling servers are honored here.
func (t *Tracker) RefreshMirror(ctx context.Context) error {
	pools, err := t.store.ActivePools(ctx, t.clock.Now())
	if err != nil {
		return fmt.Errorf("listing poisoned pools, %w", err)
	}
	t.mirror.Flush()
	for _, poolRisk := range pools {
		pool, err := core.ParsePoolID(poolRisk.PoolID)
		if err != nil {
			continue
		}
		t.mirror.Mark(ctx, pool, core.RiskEventKind(poolRisk.LastKind), poolRisk.LastSeenAt.Add(core.RiskEventTTL))
	}
	PoisonedPools.Set(float64(len(pools)))
	return nil
}
