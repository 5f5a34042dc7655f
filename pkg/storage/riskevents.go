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

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
)

// RiskEventStore is append-only: Append and prune, no updates.
type RiskEventStore struct {
	db *sqlx.DB
}

type riskEventRow struct {
	ID           string    `db:"id"`
	PoolID       string    `db:"pool_id"`
	Kind         string    `db:"kind"`
	ReportedAt   time.Time `db:"reported_at"`
	ExpiresAt    time.Time `db:"expires_at"`
	SourceTenant string    `db:"source_tenant"`
	Metadata     []byte    `db:"metadata"`
}

func (r riskEventRow) toCore() (core.RiskEvent, error) {
	e := core.RiskEvent{
		ID:           r.ID,
		PoolID:       r.PoolID,
		Kind:         core.RiskEventKind(r.Kind),
		ReportedAt:   r.ReportedAt,
		ExpiresAt:    r.ExpiresAt,
		SourceTenant: r.SourceTenant,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &e.Metadata); err != nil {
			return core.RiskEvent{}, fmt.Errorf("decoding risk event metadata, %w", err)
		}
	}
	return e, nil
}

func (s *RiskEventStore) Append(ctx context.Context, e core.RiskEvent) error {
	if err := e.Validate(); err != nil {
		return errors.WithKind(errors.KindValidation, err)
	}
	var metadata []byte
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("encoding risk event metadata, %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_events (id, pool_id, kind, reported_at, expires_at, source_tenant, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.PoolID, e.Kind, e.ReportedAt, e.ExpiresAt, e.SourceTenant, metadata)
	if err != nil {
		return fmt.Errorf("appending risk event, %w", err)
	}
	return nil
}

// ActiveForPool returns unexpired events for one pool, newest first.
func (s *RiskEventStore) ActiveForPool(ctx context.Context, poolID string, now time.Time) ([]core.RiskEvent, error) {
	rows := []riskEventRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, pool_id, kind, reported_at, expires_at, source_tenant, metadata
		FROM risk_events
		WHERE pool_id = $1 AND expires_at > $2
		ORDER BY reported_at DESC`,
		poolID, now)
	if err != nil {
		return nil, fmt.Errorf("listing risk events, %w", err)
	}
	events := make([]core.RiskEvent, 0, len(rows))
	for _, row := range rows {
		e, err := row.toCore()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// PoolRisk summarizes the live events of one poisoned pool.
type PoolRisk struct {
	PoolID     string    `db:"pool_id"`
	Events     int       `db:"events"`
	LastKind   string    `db:"last_kind"`
	LastSeenAt time.Time `db:"last_seen_at"`
}

// ActivePools returns every pool with at least one unexpired event.
func (s *RiskEventStore) ActivePools(ctx context.Context, now time.Time) ([]PoolRisk, error) {
	pools := []PoolRisk{}
	err := s.db.SelectContext(ctx, &pools, `
		SELECT pool_id, count(*) AS events,
			(array_agg(kind ORDER BY reported_at DESC))[1] AS last_kind,
			max(reported_at) AS last_seen_at
		FROM risk_events
		WHERE expires_at > $1
		GROUP BY pool_id`,
		now)
	if err != nil {
		return nil, fmt.Errorf("listing poisoned pools, %w", err)
	}
	return pools, nil
}

// DeleteExpired prunes events past their TTL and returns how many went.
func (s *RiskEventStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM risk_events WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("pruning risk events, %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned events, %w", err)
	}
	return n, nil
}
