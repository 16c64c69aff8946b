// Package postgres implements the datastore interfaces on PostgreSQL.
//
// Documents live in JSONB columns; the fields the indexes in §schema need
// are extracted into plain columns and kept in sync on every write.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quay/zlog"
	"github.com/remind101/migrate"

	"github.com/cvelab/cvehub/datastore"
	"github.com/cvelab/cvehub/datastore/postgres/migrations"
	"github.com/cvelab/cvehub/pkg/poolstats"
)

var _ datastore.Store = (*Store)(nil)

// Store implements every datastore interface over one pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore returns a Store using the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool.
func (s *Store) Close(_ context.Context) error {
	s.pool.Close()
	return nil
}

// Connect initializes a [pgxpool.Pool] based on the connection string and
// optionally runs migrations.
func Connect(ctx context.Context, connString, applicationName string, doMigration bool) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	const appnameKey = `application_name`
	params := cfg.ConnConfig.RuntimeParams
	if _, ok := params[appnameKey]; !ok {
		params[appnameKey] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if doMigration {
		if err := runMigrations(pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	if err := prometheus.Register(poolstats.NewCollector(pool, applicationName)); err != nil {
		zlog.Info(ctx).Msg("pool metrics already registered")
	}

	return pool, nil
}

func runMigrations(pool *pgxpool.Pool) error {
	// The migrate package doesn't use a context, so hand it a throwaway
	// database/sql handle.
	db := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer db.Close()

	migrator := migrate.NewPostgresMigrator(db)
	migrator.Table = migrations.MigrationTable
	if err := migrator.Exec(migrate.Up, migrations.Migrations...); err != nil {
		return fmt.Errorf("failed to perform migrations: %w", err)
	}
	return nil
}
