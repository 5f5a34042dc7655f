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
)

// IncidentStore records interruption handling for the audit trail.
type IncidentStore struct {
	db *sqlx.DB
}

// Incident is one handled interruption or notable pipeline intervention.
type Incident struct {
	ID        string          `db:"id"`
	AgentID   string          `db:"agent_id"`
	PoolID    string          `db:"pool_id"`
	Kind      string          `db:"kind"`
	Detail    json.RawMessage `db:"detail"`
	CreatedAt time.Time       `db:"created_at"`
}

func (s *IncidentStore) Record(ctx context.Context, inc Incident) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, agent_id, pool_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		inc.ID, inc.AgentID, inc.PoolID, inc.Kind, []byte(inc.Detail), inc.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording incident, %w", err)
	}
	return nil
}

func (s *IncidentStore) ListForAgent(ctx context.Context, agentID string, limit int) ([]Incident, error) {
	incidents := []Incident{}
	err := s.db.SelectContext(ctx, &incidents, `
		SELECT id, agent_id, pool_id, kind, detail, created_at
		FROM incidents
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing incidents, %w", err)
	}
	return incidents, nil
}
