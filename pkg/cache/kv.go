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
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spotherd/spotherd/pkg/core"
)

const (
	// PriceTTL bounds how long a cached price serves reads before the
	// database is consulted again.
	PriceTTL = 10 * time.Minute

	priceKeyPrefix = "price:"
	poisonedSetKey = "poisoned-pools"
)

// KV is the shared cache tier. Prices written by the ingest path serve the
// pipeline's hot reads; the poisoned-pool set keeps every server replica's
// mirror in sync.
type KV struct {
	client redis.UniversalClient
}

func NewKV(client redis.UniversalClient) *KV {
	return &KV{client: client}
}

// Healthy pings the cache within the context deadline.
func (k *KV) Healthy(ctx context.Context) error {
	if err := k.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging cache, %w", err)
	}
	return nil
}

// SetPrice caches the latest snapshot for its pool.
func (k *KV) SetPrice(ctx context.Context, snap core.PricingSnapshot) error {
	buf, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding price snapshot, %w", err)
	}
	if err := k.client.Set(ctx, priceKeyPrefix+snap.Pool.ID(), buf, PriceTTL).Err(); err != nil {
		return fmt.Errorf("caching price snapshot, %w", err)
	}
	return nil
}

// GetPrice returns the cached snapshot for a pool. The second return is false
// on a miss.
func (k *KV) GetPrice(ctx context.Context, poolID string) (core.PricingSnapshot, bool, error) {
	buf, err := k.client.Get(ctx, priceKeyPrefix+poolID).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return core.PricingSnapshot{}, false, nil
		}
		return core.PricingSnapshot{}, false, fmt.Errorf("reading cached price, %w", err)
	}
	snap := core.PricingSnapshot{}
	if err := json.Unmarshal(buf, &snap); err != nil {
		return core.PricingSnapshot{}, false, fmt.Errorf("decoding cached price, %w", err)
	}
	return snap, true, nil
}

// MarkPoisoned publishes a pool's interruption event to the shared set. The
// score is the event expiry, so membership carries its own TTL.
func (k *KV) MarkPoisoned(ctx context.Context, poolID string, expiresAt time.Time) error {
	err := k.client.ZAdd(ctx, poisonedSetKey, redis.Z{
		Score:  float64(expiresAt.Unix()),
		Member: poolID,
	}).Err()
	if err != nil {
		return fmt.Errorf("publishing poisoned pool, %w", err)
	}
	return nil
}

// ActivePoisoned lists pools whose newest event is still live at now. Expiry
// is strict: a pool expiring exactly at now is already safe.
func (k *KV) ActivePoisoned(ctx context.Context, now time.Time) (map[string]time.Time, error) {
	members, err := k.client.ZRangeByScoreWithScores(ctx, poisonedSetKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", now.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing poisoned pools, %w", err)
	}
	out := make(map[string]time.Time, len(members))
	for _, m := range members {
		out[m.Member.(string)] = time.Unix(int64(m.Score), 0).UTC()
	}
	return out, nil
}

// PrunePoisoned drops expired members and returns how many went.
func (k *KV) PrunePoisoned(ctx context.Context, now time.Time) (int64, error) {
	n, err := k.client.ZRemRangeByScore(ctx, poisonedSetKey, "-inf", fmt.Sprintf("%d", now.Unix())).Result()
	if err != nil {
		return 0, fmt.Errorf("pruning poisoned pools, %w", err)
	}
	return n, nil
}
