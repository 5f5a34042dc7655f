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
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
)

type ReplicaStore struct {
	db *sqlx.DB
}

type replicaRow struct {
	ID               string       `db:"id"`
	AgentID          string       `db:"agent_id"`
	ParentInstanceID string       `db:"parent_instance_id"`
	CloudInstanceID  string       `db:"cloud_instance_id"`
	PoolID           string       `db:"pool_id"`
	Status           string       `db:"status"`
	ReplicaType      string       `db:"replica_type"`
	SyncProgress     float64      `db:"sync_progress"`
	HourlyCost       float64      `db:"hourly_cost"`
	CreatedBy        string       `db:"created_by"`
	Active           bool         `db:"active"`
	CreatedAt        time.Time    `db:"created_at"`
	PromotedAt       sql.NullTime `db:"promoted_at"`
}

func (r replicaRow) toCore() (*core.Replica, error) {
	pool, err := core.ParsePoolID(r.PoolID)
	if err != nil {
		return nil, fmt.Errorf("parsing stored pool id %q, %w", r.PoolID, err)
	}
	rep := &core.Replica{
		ID:              r.ID,
		AgentID:         r.AgentID,
		ParentInstance:  r.ParentInstanceID,
		CloudInstanceID: r.CloudInstanceID,
		Pool:            pool,
		Status:          core.ReplicaStatus(r.Status),
		Type:            core.ReplicaType(r.ReplicaType),
		SyncProgress:    r.SyncProgress,
		HourlyCost:      r.HourlyCost,
		CreatedBy:       r.CreatedBy,
		Active:          r.Active,
		CreatedAt:       r.CreatedAt,
	}
	if r.PromotedAt.Valid {
		t := r.PromotedAt.Time
		rep.PromotedAt = &t
	}
	return rep, nil
}

const replicaColumns = `id, agent_id, parent_instance_id, cloud_instance_id, pool_id, status,
	replica_type, sync_progress, hourly_cost, created_by, active, created_at, promoted_at`

func (s *ReplicaStore) Create(ctx context.Context, rep *core.Replica) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replicas (id, agent_id, parent_instance_id, cloud_instance_id, pool_id, status,
			replica_type, sync_progress, hourly_cost, created_by, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rep.ID, rep.AgentID, rep.ParentInstance, rep.CloudInstanceID, rep.Pool.ID(), rep.Status,
		rep.Type, rep.SyncProgress, rep.HourlyCost, rep.CreatedBy, rep.Active, rep.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting replica, %w", err)
	}
	return nil
}

func (s *ReplicaStore) Get(ctx context.Context, id string) (*core.Replica, error) {
	row := replicaRow{}
	if err := s.db.GetContext(ctx, &row, `SELECT `+replicaColumns+` FROM replicas WHERE id = $1`, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("replica %q not found", id)
		}
		return nil, fmt.Errorf("getting replica, %w", err)
	}
	return row.toCore()
}

// AliveForAgent returns the agent's standbys that still occupy capacity,
// oldest first.
func (s *ReplicaStore) AliveForAgent(ctx context.Context, agentID string) ([]*core.Replica, error) {
	rows := []replicaRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+replicaColumns+` FROM replicas
		WHERE agent_id = $1 AND status IN ($2, $3, $4)
		ORDER BY created_at`,
		agentID, core.ReplicaLaunching, core.ReplicaSyncing, core.ReplicaReady)
	if err != nil {
		return nil, fmt.Errorf("listing live replicas, %w", err)
	}
	return s.toCoreAll(rows)
}

// Transition moves a replica from -> to, enforcing the lifecycle. A no-op
// repeat of a terminal transition is reported as conflict by the caller if it
// cares; here the guard is the WHERE clause.
func (s *ReplicaStore) Transition(ctx context.Context, id string, from, to core.ReplicaStatus) error {
	if !from.CanTransition(to) {
		return errors.Conflict("replica transition %s -> %s not allowed", from, to)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE replicas SET status = $3 WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return fmt.Errorf("transitioning replica, %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected, %w", err)
	}
	if n == 0 {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return errors.Conflict("replica %q is %s, not %s", id, current.Status, from)
	}
	return nil
}

// SetSyncProgress records sync state pushed by the agent, clamped to [0, 1].
func (s *ReplicaStore) SetSyncProgress(ctx context.Context, id string, progress float64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE replicas SET sync_progress = $2 WHERE id = $1`, id, progress)
	if err != nil {
		return fmt.Errorf("updating sync progress, %w", err)
	}
	return mustAffect(res, "replica %q not found", id)
}

// SetCloudInstance binds the replica to its launched instance.
func (s *ReplicaStore) SetCloudInstance(ctx context.Context, id, cloudInstanceID string, hourlyCost float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE replicas SET cloud_instance_id = $2, hourly_cost = $3 WHERE id = $1`,
		id, cloudInstanceID, hourlyCost)
	if err != nil {
		return fmt.Errorf("binding replica instance, %w", err)
	}
	return mustAffect(res, "replica %q not found", id)
}

// MarkPromoted promotes a replica from READY or SYNCING. Promoting an
// already-promoted replica is a success: promotion is idempotent.
func (s *ReplicaStore) MarkPromoted(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE replicas SET status = $2, promoted_at = $3, active = false
		WHERE id = $1 AND status IN ($4, $5)`,
		id, core.ReplicaPromoted, at, core.ReplicaReady, core.ReplicaSyncing)
	if err != nil {
		return fmt.Errorf("promoting replica, %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected, %w", err)
	}
	if n > 0 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == core.ReplicaPromoted {
		return nil
	}
	return errors.Conflict("replica %q is %s, cannot promote", id, current.Status)
}

// ExpiredAutomatic lists automatic standbys past the teardown window that
// still occupy capacity.
func (s *ReplicaStore) ExpiredAutomatic(ctx context.Context, cutoff time.Time) ([]*core.Replica, error) {
	rows := []replicaRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+replicaColumns+` FROM replicas
		WHERE replica_type = $1 AND created_at < $2 AND status IN ($3, $4, $5)
		ORDER BY created_at`,
		core.ReplicaAutoRebalance, cutoff, core.ReplicaLaunching, core.ReplicaSyncing, core.ReplicaReady)
	if err != nil {
		return nil, fmt.Errorf("listing expired automatic replicas, %w", err)
	}
	return s.toCoreAll(rows)
}

func (s *ReplicaStore) toCoreAll(rows []replicaRow) ([]*core.Replica, error) {
	reps := make([]*core.Replica, 0, len(rows))
	for _, row := range rows {
		rep, err := row.toCore()
		if err != nil {
			return nil, err
		}
		reps = append(reps, rep)
	}
	return reps, nil
}
