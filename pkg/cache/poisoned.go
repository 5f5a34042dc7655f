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

package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"knative.dev/pkg/logging"

	"github.com/spotherd/spotherd/pkg/core"
)

const (
	// DefaultCleanupInterval triggers cache cleanup (lazy eviction) at this interval.
	DefaultCleanupInterval = 1 * time.Minute
)

// PoisonedPools is the in-process mirror of the global risk tracker. Pools
// with a live interruption event are skipped on pipeline runs as long as they
// appear here. Entries expire with the underlying risk event; the risk
// refresher re-seeds the mirror from the database.
type PoisonedPools struct {
	// key: pool id, value: expiry
	cache  *cache.Cache
	SeqNum uint64
}

func NewPoisonedPools() *PoisonedPools {
	p := &PoisonedPools{
		cache: cache.New(core.RiskEventTTL, DefaultCleanupInterval),
	}
	p.cache.OnEvicted(func(_ string, _ interface{}) {
		atomic.AddUint64(&p.SeqNum, 1)
	})
	return p
}

// IsPoisoned returns true if the pool has a live interruption event.
func (p *PoisonedPools) IsPoisoned(pool core.Pool) bool {
	_, found := p.cache.Get(pool.ID())
	return found
}

// Mark records a live interruption event against the pool until the event's
// expiry. Marking again extends the entry to the newer expiry.
func (p *PoisonedPools) Mark(ctx context.Context, pool core.Pool, kind core.RiskEventKind, until time.Time) {
	ttl := time.Until(until)
	if ttl <= 0 {
		return
	}
	logging.FromContext(ctx).With(
		"pool", pool.ID(),
		"kind", kind,
		"until", until.Format(time.RFC3339)).Debugf("marking pool as poisoned")
	p.cache.Set(pool.ID(), until, ttl)
	atomic.AddUint64(&p.SeqNum, 1)
}

// PoisonedUntil returns the expiry of the pool's newest live event.
func (p *PoisonedPools) PoisonedUntil(pool core.Pool) (time.Time, bool) {
	v, found := p.cache.Get(pool.ID())
	if !found {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// Delete removes a pool from the mirror.
func (p *PoisonedPools) Delete(pool core.Pool) {
	p.cache.Delete(pool.ID())
	atomic.AddUint64(&p.SeqNum, 1)
}

// Flush clears the mirror. The refresher calls this before re-seeding so that
// pools pruned from the database do not linger.
func (p *PoisonedPools) Flush() {
	p.cache.Flush()
	atomic.AddUint64(&p.SeqNum, 1)
}
