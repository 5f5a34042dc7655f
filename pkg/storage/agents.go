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

type AgentStore struct {
	db *sqlx.DB
}

type agentRow struct {
	ID                       string         `db:"id"`
	AccountID                string         `db:"account_id"`
	InstanceID               sql.NullString `db:"instance_id"`
	CloudInstanceID          string         `db:"cloud_instance_id"`
	Hostname                 string         `db:"hostname"`
	Version                  string         `db:"version"`
	ClientToken              string         `db:"client_token"`
	Status                   string         `db:"status"`
	Mode                     string         `db:"mode"`
	CurrentPoolID            string         `db:"current_pool_id"`
	LastHeartbeatAt          time.Time      `db:"last_heartbeat_at"`
	AutoSwitchEnabled        bool           `db:"auto_switch_enabled"`
	ManualReplicaEnabled     bool           `db:"manual_replica_enabled"`
	SwitchingThreshold       float64        `db:"switching_threshold"`
	CurrentReplicaID         sql.NullString `db:"current_replica_id"`
	InterruptionHandledCount int            `db:"interruption_handled_count"`
	ShadowMode               bool           `db:"shadow_mode"`
	RegisteredAt             time.Time      `db:"registered_at"`
}

func (r agentRow) toCore() (*core.Agent, error) {
	a := &core.Agent{
		ID:                       r.ID,
		AccountID:                r.AccountID,
		CloudInstanceID:          r.CloudInstanceID,
		Hostname:                 r.Hostname,
		Version:                  r.Version,
		Status:                   core.AgentStatus(r.Status),
		Mode:                     core.PipelineMode(r.Mode),
		LastHeartbeat:            r.LastHeartbeatAt,
		AutoSwitchEnabled:        r.AutoSwitchEnabled,
		ManualReplicaEnabled:     r.ManualReplicaEnabled,
		SwitchingThreshold:       r.SwitchingThreshold,
		InterruptionHandledCount: r.InterruptionHandledCount,
		ShadowMode:               r.ShadowMode,
	}
	if r.InstanceID.Valid {
		a.InstanceID = r.InstanceID.String
	}
	if r.CurrentReplicaID.Valid {
		id := r.CurrentReplicaID.String
		a.CurrentReplicaID = &id
	}
	if r.CurrentPoolID != "" {
		pool, err := core.ParsePoolID(r.CurrentPoolID)
		if err != nil {
			return nil, fmt.Errorf("parsing stored pool id %q, %w", r.CurrentPoolID, err)
		}
		a.CurrentPool = pool
	}
	return a, nil
}

const agentColumns = `id, account_id, instance_id, cloud_instance_id, hostname, version, client_token,
	status, mode, current_pool_id, last_heartbeat_at, auto_switch_enabled, manual_replica_enabled,
	switching_threshold, current_replica_id, interruption_handled_count, shadow_mode, registered_at`

// Create inserts a freshly registered agent. Token is stored as given; the
// server generates it.
func (s *AgentStore) Create(ctx context.Context, agent *core.Agent, token string) error {
	var instanceID interface{}
	if agent.InstanceID != "" {
		instanceID = agent.InstanceID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, account_id, instance_id, cloud_instance_id, hostname, version,
			client_token, status, mode, current_pool_id, last_heartbeat_at, auto_switch_enabled,
			manual_replica_enabled, switching_threshold, shadow_mode, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		agent.ID, agent.AccountID, instanceID, agent.CloudInstanceID, agent.Hostname, agent.Version,
		token, agent.Status, agent.Mode, poolID(agent.CurrentPool), agent.LastHeartbeat,
		agent.AutoSwitchEnabled, agent.ManualReplicaEnabled, agent.SwitchingThreshold,
		agent.ShadowMode, agent.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("inserting agent, %w", err)
	}
	return nil
}

func (s *AgentStore) Get(ctx context.Context, id string) (*core.Agent, error) {
	row := agentRow{}
	if err := s.db.GetContext(ctx, &row, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("agent %q not found", id)
		}
		return nil, fmt.Errorf("getting agent, %w", err)
	}
	return row.toCore()
}

// GetByToken resolves the bearer token presented by an agent. Unknown tokens
// come back as auth errors so the transport maps them to 401, not 404.
func (s *AgentStore) GetByToken(ctx context.Context, token string) (*core.Agent, error) {
	row := agentRow{}
	if err := s.db.GetContext(ctx, &row, `SELECT `+agentColumns+` FROM agents WHERE client_token = $1`, token); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.Auth("unknown client token")
		}
		return nil, fmt.Errorf("getting agent by token, %w", err)
	}
	return row.toCore()
}

func (s *AgentStore) GetByCloudInstanceID(ctx context.Context, cloudInstanceID string) (*core.Agent, error) {
	row := agentRow{}
	if err := s.db.GetContext(ctx, &row, `SELECT `+agentColumns+` FROM agents WHERE cloud_instance_id = $1 ORDER BY registered_at DESC LIMIT 1`, cloudInstanceID); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("no agent for instance %q", cloudInstanceID)
		}
		return nil, fmt.Errorf("getting agent by instance, %w", err)
	}
	return row.toCore()
}

func (s *AgentStore) List(ctx context.Context) ([]*core.Agent, error) {
	rows := []agentRow{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+agentColumns+` FROM agents ORDER BY registered_at`); err != nil {
		return nil, fmt.Errorf("listing agents, %w", err)
	}
	agents := make([]*core.Agent, 0, len(rows))
	for _, row := range rows {
		agent, err := row.toCore()
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// Heartbeat refreshes liveness and the agent's self-reported placement.
func (s *AgentStore) Heartbeat(ctx context.Context, id string, status core.AgentStatus, mode core.PipelineMode, pool core.Pool, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = $2, mode = $3, current_pool_id = $4, last_heartbeat_at = $5
		WHERE id = $1`,
		id, status, mode, poolID(pool), at)
	if err != nil {
		return fmt.Errorf("updating heartbeat, %w", err)
	}
	return mustAffect(res, "agent %q not found", id)
}

func (s *AgentStore) SetStatus(ctx context.Context, id string, status core.AgentStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("updating agent status, %w", err)
	}
	return mustAffect(res, "agent %q not found", id)
}

// SetCurrentReplica points the agent at its standby, or clears it with nil.
func (s *AgentStore) SetCurrentReplica(ctx context.Context, id string, replicaID *string) error {
	var v interface{}
	if replicaID != nil {
		v = *replicaID
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET current_replica_id = $2 WHERE id = $1`, id, v)
	if err != nil {
		return fmt.Errorf("updating agent replica, %w", err)
	}
	return mustAffect(res, "agent %q not found", id)
}

func (s *AgentStore) IncrementInterruptionHandled(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET interruption_handled_count = interruption_handled_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("incrementing interruption count, %w", err)
	}
	return mustAffect(res, "agent %q not found", id)
}

// UpdateSettings applies config pushed through an apply-config command.
func (s *AgentStore) UpdateSettings(ctx context.Context, id string, autoSwitch, manualReplica, shadowMode bool, threshold float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET auto_switch_enabled = $2, manual_replica_enabled = $3, shadow_mode = $4,
			switching_threshold = $5
		WHERE id = $1`,
		id, autoSwitch, manualReplica, shadowMode, threshold)
	if err != nil {
		return fmt.Errorf("updating agent settings, %w", err)
	}
	return mustAffect(res, "agent %q not found", id)
}

// MarkStaleOffline flips agents whose heartbeat predates cutoff to OFFLINE and
// returns how many were swept.
func (s *AgentStore) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = $1
		WHERE status <> $1 AND last_heartbeat_at < $2`,
		core.AgentOffline, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping stale agents, %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting swept agents, %w", err)
	}
	return n, nil
}

func (s *AgentStore) CountByStatus(ctx context.Context, status core.AgentStatus) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM agents WHERE status = $1`, status); err != nil {
		return 0, fmt.Errorf("counting agents, %w", err)
	}
	return n, nil
}

func poolID(p core.Pool) string {
	if p == (core.Pool{}) {
		return ""
	}
	return p.ID()
}

// mustAffect converts a zero-row UPDATE into a not-found error.
func mustAffect(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected, %w", err)
	}
	if n == 0 {
		return errors.NotFound(format, args...)
	}
	return nil
}
