// Package statedb is the durable service catalog and user/invitation
// directory: a Postgres pool, its migrations, and the CRUD operations that
// read and write it. Ancillary per-service Postgres roles and databases are
// created and dropped here too, in the same logical operation as the
// service row.
package statedb

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a connection pool to the state database.
type DB struct {
	Pool *pgxpool.Pool
}

// Open connects to databaseURL, retrying the SELECT 1 liveness check up to
// 5 times (waiting 2, 4, 6, then 8 seconds between attempts) to tolerate
// the database container still starting up, then applies migrations from
// migrationsDir.
func Open(ctx context.Context, databaseURL, migrationsDir string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}

	if err := waitForLiveness(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	if err := runMigrations(databaseURL, migrationsDir); err != nil {
		pool.Close()
		return nil, err
	}

	return &DB{Pool: pool}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	db.Pool.Close()
}

const livenessAttempts = 5

func waitForLiveness(ctx context.Context, pool *pgxpool.Pool) error {
	var lastErr error
	for attempt := 1; attempt <= livenessAttempts; attempt++ {
		var ok int
		err := pool.QueryRow(ctx, "SELECT 1").Scan(&ok)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == livenessAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(2*attempt) * time.Second):
		}
	}
	return fmt.Errorf("database not live after %d attempts: %w", livenessAttempts, lastErr)
}

func runMigrations(databaseURL, migrationsDir string) error {
	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsDir), databaseURL)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
