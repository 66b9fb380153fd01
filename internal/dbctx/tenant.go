package dbctx

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WithNamespace runs fn inside a transaction with the session variable
// app.current_namespace set for the duration of the transaction (SET
// LOCAL semantics via set_config's third argument). This generalizes
// the teacher's WithTenantContext from a single tenant_id column to the
// spec's namespace scoping.
//
// The migrations in this module enable no row-level security and
// define no policy that reads app.current_namespace, so the binding
// filters no rows by itself, and an empty namespace hides no rows.
func WithNamespace(ctx context.Context, pool *pgxpool.Pool, namespace string, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.current_namespace', $1, true)", namespace); err != nil {
		return fmt.Errorf("set namespace context: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// WithSystemTx runs fn inside a transaction with no namespace bound,
// for operations that are deliberately cross-namespace by design:
// operator impersonation, audit partition maintenance, reconciliation
// sweeps. Mirrors the teacher's WithoutRLS.
func WithSystemTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
