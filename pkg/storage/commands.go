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
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/spotherd/spotherd/pkg/core"
	"github.com/spotherd/spotherd/pkg/errors"
)

type CommandStore struct {
	db *sqlx.DB
}

type commandRow struct {
	ID            string          `db:"id"`
	AgentID       string          `db:"agent_id"`
	Kind          string          `db:"kind"`
	Payload       json.RawMessage `db:"payload"`
	Status        string          `db:"status"`
	CreatedAt     time.Time       `db:"created_at"`
	ExpiresAt     time.Time       `db:"expires_at"`
	PickedUpAt    sql.NullTime    `db:"picked_up_at"`
	CompletedAt   sql.NullTime    `db:"completed_at"`
	ResultMessage string          `db:"result_message"`
	ErrorMessage  string          `db:"error_message"`
}

func (r commandRow) toCore() *core.Command {
	cmd := &core.Command{
		ID:        r.ID,
		AgentID:   r.AgentID,
		Kind:      core.CommandKind(r.Kind),
		Payload:   r.Payload,
		Status:    core.CommandStatus(r.Status),
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
		Result:    r.ResultMessage,
		Error:     r.ErrorMessage,
	}
	if r.PickedUpAt.Valid {
		t := r.PickedUpAt.Time
		cmd.PickedUpAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		cmd.CompletedAt = &t
	}
	return cmd
}

const commandColumns = `id, agent_id, kind, payload, status, created_at, expires_at,
	picked_up_at, completed_at, result_message, error_message`

func (s *CommandStore) Enqueue(ctx context.Context, cmd *core.Command) error {
	if err := cmd.Validate(); err != nil {
		return errors.WithKind(errors.KindValidation, err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, agent_id, kind, payload, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cmd.ID, cmd.AgentID, cmd.Kind, []byte(cmd.Payload), core.CommandPending, cmd.CreatedAt, cmd.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting command, %w", err)
	}
	return nil
}

func (s *CommandStore) Get(ctx context.Context, id string) (*core.Command, error) {
	row := commandRow{}
	if err := s.db.GetContext(ctx, &row, `SELECT `+commandColumns+` FROM commands WHERE id = $1`, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("command %q not found", id)
		}
		return nil, fmt.Errorf("getting command, %w", err)
	}
	return row.toCore(), nil
}

// PickUpNext atomically claims the oldest live pending command for the agent.
// Returns nil when the queue is empty. Delivery marks the command PICKED_UP so
// a crashing agent never receives it twice.
func (s *CommandStore) PickUpNext(ctx context.Context, agentID string, now time.Time) (*core.Command, error) {
	row := commandRow{}
	err := s.db.GetContext(ctx, &row, `
		UPDATE commands SET status = $3, picked_up_at = $4
		WHERE id = (
			SELECT id FROM commands
			WHERE agent_id = $1 AND status = $2 AND expires_at > $4
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+commandColumns,
		agentID, core.CommandPending, core.CommandPickedUp, now)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming command, %w", err)
	}
	return row.toCore(), nil
}

// MarkResult completes a picked-up command. Reporting against any other status
// is a conflict.
func (s *CommandStore) MarkResult(ctx context.Context, id string, success bool, message string, at time.Time) error {
	to := core.CommandCompleted
	resultMsg, errMsg := message, ""
	if !success {
		to = core.CommandFailed
		resultMsg, errMsg = "", message
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = $2, completed_at = $3, result_message = $4, error_message = $5
		WHERE id = $1 AND status = $6`,
		id, to, at, resultMsg, errMsg, core.CommandPickedUp)
	if err != nil {
		return fmt.Errorf("completing command, %w", err)
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
		return errors.Conflict("command %q is %s, not %s", id, current.Status, core.CommandPickedUp)
	}
	return nil
}

// ExpireStale times out pending commands past their deadline.
func (s *CommandStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = $1 WHERE status = $2 AND expires_at <= $3`,
		core.CommandExpired, core.CommandPending, now)
	if err != nil {
		return 0, fmt.Errorf("expiring commands, %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting expired commands, %w", err)
	}
	return n, nil
}

// HasLive reports whether the agent already has a pending or picked-up command
// of the given kind. Used to keep enqueues idempotent.
func (s *CommandStore) HasLive(ctx context.Context, agentID string, kind core.CommandKind) (bool, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM commands
		WHERE agent_id = $1 AND kind = $2 AND status IN ($3, $4)`,
		agentID, kind, core.CommandPending, core.CommandPickedUp)
	if err != nil {
		return false, fmt.Errorf("counting live commands, %w", err)
	}
	return n > 0, nil
}

func (s *CommandStore) ListForAgent(ctx context.Context, agentID string, limit int) ([]*core.Command, error) {
	rows := []commandRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+commandColumns+` FROM commands
		WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing commands, %w", err)
	}
	cmds := make([]*core.Command, 0, len(rows))
	for _, row := range rows {
		cmds = append(cmds, row.toCore())
	}
	return cmds, nil
}
