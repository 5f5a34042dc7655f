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

type InstanceStore struct {
	db *sqlx.DB
}

type instanceRow struct {
	ID              string `db:"id"`
	AccountID       string `db:"account_id"`
	CloudInstanceID string `db:"cloud_instance_id"`
	InstanceType    string `db:"instance_type"`
	Zone            string `db:"zone"`
	Region          string `db:"region"`
	Lifecycle       string `db:"lifecycle"`
	Mode            string `db:"mode"`
	ClusterName     string `db:"cluster_name"`
	NodeGroup       string `db:"node_group"`
	RiskModelID     string `db:"risk_model_id"`
	ShadowMode      bool   `db:"shadow_mode"`
}

func (r instanceRow) toCore() core.Instance {
	return core.Instance{
		ID:              r.ID,
		AccountID:       r.AccountID,
		CloudInstanceID: r.CloudInstanceID,
		InstanceType:    r.InstanceType,
		Zone:            r.Zone,
		Region:          r.Region,
		Lifecycle:       core.Lifecycle(r.Lifecycle),
		Mode:            core.PipelineMode(r.Mode),
		Cluster:         r.ClusterName,
		NodeGroup:       r.NodeGroup,
		RiskModelID:     r.RiskModelID,
		ShadowMode:      r.ShadowMode,
	}
}

const instanceColumns = `id, account_id, cloud_instance_id, instance_type, zone, region,
	lifecycle, mode, cluster_name, node_group, risk_model_id, shadow_mode`

// Upsert registers the instance identity, refreshing placement on conflict.
// Registration is idempotent per cloud instance id.
func (s *InstanceStore) Upsert(ctx context.Context, inst core.Instance, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, account_id, cloud_instance_id, instance_type, zone, region,
			lifecycle, mode, cluster_name, node_group, risk_model_id, shadow_mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (cloud_instance_id) DO UPDATE
		SET instance_type = EXCLUDED.instance_type, zone = EXCLUDED.zone, region = EXCLUDED.region,
			lifecycle = EXCLUDED.lifecycle, mode = EXCLUDED.mode`,
		inst.ID, inst.AccountID, inst.CloudInstanceID, inst.InstanceType, inst.Zone, inst.Region,
		inst.Lifecycle, inst.Mode, inst.Cluster, inst.NodeGroup, inst.RiskModelID, inst.ShadowMode, at)
	if err != nil {
		return fmt.Errorf("upserting instance, %w", err)
	}
	return nil
}

func (s *InstanceStore) GetByCloudID(ctx context.Context, cloudInstanceID string) (core.Instance, error) {
	row := instanceRow{}
	if err := s.db.GetContext(ctx, &row, `
		SELECT `+instanceColumns+` FROM instances WHERE cloud_instance_id = $1`, cloudInstanceID); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return core.Instance{}, errors.NotFound("instance %q not found", cloudInstanceID)
		}
		return core.Instance{}, fmt.Errorf("getting instance, %w", err)
	}
	return row.toCore(), nil
}

func (s *InstanceStore) Get(ctx context.Context, id string) (core.Instance, error) {
	row := instanceRow{}
	if err := s.db.GetContext(ctx, &row, `
		SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return core.Instance{}, errors.NotFound("instance %q not found", id)
		}
		return core.Instance{}, fmt.Errorf("getting instance, %w", err)
	}
	return row.toCore(), nil
}

// SetPlacement records the instance's pool after a completed switch.
func (s *InstanceStore) SetPlacement(ctx context.Context, id string, pool core.Pool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET instance_type = $2, zone = $3 WHERE id = $1`,
		id, pool.InstanceType, pool.AvailabilityZone)
	if err != nil {
		return fmt.Errorf("updating instance placement, %w", err)
	}
	return mustAffect(res, "instance %q not found", id)
}
