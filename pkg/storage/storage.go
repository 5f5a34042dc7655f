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

// Package storage is the PostgreSQL persistence layer. One store per
// aggregate; all queries run through sqlx on the pgx stdlib driver.
package storage

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"knative.dev/pkg/logging"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Client bundles the per-aggregate stores over one connection pool.
type Client struct {
	db *sqlx.DB

	Tenants    *TenantStore
	Accounts   *AccountStore
	Instances  *InstanceStore
	Agents     *AgentStore
	Commands   *CommandStore
	Replicas   *ReplicaStore
	RiskEvents *RiskEventStore
	Pricing    *PricingStore
	Incidents  *IncidentStore
}

// Open connects, applies pool limits and pings.
func Open(ctx context.Context, dsn string, maxConns int) (*Client, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres, %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewClient(db), nil
}

// NewClient wires the stores over an existing handle. Tests inject sqlmock
// through here.
func NewClient(db *sqlx.DB) *Client {
	return &Client{
		db:         db,
		Tenants:    &TenantStore{db: db},
		Accounts:   &AccountStore{db: db},
		Instances:  &InstanceStore{db: db},
		Agents:     &AgentStore{db: db},
		Commands:   &CommandStore{db: db},
		Replicas:   &ReplicaStore{db: db},
		RiskEvents: &RiskEventStore{db: db},
		Pricing:    &PricingStore{db: db},
		Incidents:  &IncidentStore{db: db},
	}
}

// Migrate applies the embedded schema migrations.
func (c *Client) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting migration dialect, %w", err)
	}
	if err := goose.UpContext(ctx, c.db.DB, "migrations"); err != nil {
		return fmt.Errorf("applying migrations, %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, c.db.DB)
	if err != nil {
		return fmt.Errorf("reading migration version, %w", err)
	}
	logging.FromContext(ctx).With("version", version).Debugf("database schema up to date")
	return nil
}

// Healthy pings the database within the context deadline.
func (c *Client) Healthy(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging postgres, %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.db.Close()
}
