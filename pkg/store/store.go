// Package store implements the Review Store (C8): a transactional
// Postgres-backed home for everything the Review API and Supervisor need
// to persist durably, grounded on the example pack's pgx/v5 usage
// (intelligencedev-manifold's database.go) generalized from ad-hoc
// queries to a typed repository, and golang-migrate/v4 for embedded
// schema migrations (codeready-toolchain-tarsy carries the same
// migration-on-boot shape, there via ent instead of raw SQL).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RobeHGC/proyecto-nadia-sub002/pkg/store/migrations"
)

// Store is the Review Store's connection pool plus migration runner.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn, applies any pending embedded migrations, and
// returns a ready Store.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to store database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging store database: %w", err)
	}

	if err := migrate_(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying store migrations: %w", err)
	}

	return &Store{pool: pool}, nil
}

func migrate_(dsn string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("loading embedded migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("building migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}
