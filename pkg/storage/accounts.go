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

type TenantStore struct {
	db *sqlx.DB
}

func (s *TenantStore) Create(ctx context.Context, id, name string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, $3)`,
		id, name, at)
	if err != nil {
		return fmt.Errorf("inserting tenant, %w", err)
	}
	return nil
}

type AccountStore struct {
	db *sqlx.DB
}

type accountRow struct {
	ID          string `db:"id"`
	TenantID    string `db:"tenant_id"`
	Environment string `db:"environment"`
	Region      string `db:"region"`
}

func (s *AccountStore) Create(ctx context.Context, account core.Account, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, tenant_id, environment, region, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		account.ID, account.TenantID, account.Environment, account.Region, at)
	if err != nil {
		return fmt.Errorf("inserting account, %w", err)
	}
	return nil
}

func (s *AccountStore) Get(ctx context.Context, id string) (core.Account, error) {
	row := accountRow{}
	if err := s.db.GetContext(ctx, &row, `
		SELECT id, tenant_id, environment, region FROM accounts WHERE id = $1`, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return core.Account{}, errors.NotFound("account %q not found", id)
		}
		return core.Account{}, fmt.Errorf("getting account, %w", err)
	}
	return core.Account{
		ID:          row.ID,
		TenantID:    row.TenantID,
		Environment: core.Environment(row.Environment),
		Region:      row.Region,
	}, nil
}
