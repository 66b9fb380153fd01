// Package dbctx wires the pgx connection pool and the transaction
// helpers every domain store builds on: tenant-scoped transactions
// (generalizing the teacher's app.current_tenant RLS pattern from a
// single tenant_id column to the spec's namespace scoping), the
// fail-closed "no namespace bound" behavior, and the dual advisory
// lock used by the cycle-detection write protocol.
package dbctx

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, matching the
// teacher's db.DBTX shape so every store can be constructed against
// either a pool (single-statement read paths) or a transaction (every
// mutation, per spec §2's "single transaction" control flow).
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgres opens and pings a connection pool against dsn.
func NewPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
