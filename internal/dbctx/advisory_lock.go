package dbctx

import (
	"context"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
)

// AdvisoryLockKey derives a deterministic 64-bit advisory lock key from
// a (namespace, endpoint) pair, per spec §4.6/§9: "the dual advisory
// lock keyed on sorted endpoints avoids deadlocks". A 64-bit FNV hash
// of the two-part key is good enough collision behavior for an
// in-transaction serialization lock — a false-positive collision only
// costs extra (safe) serialization, never an incorrect result.
func AdvisoryLockKey(namespace, endpoint string) int64 {
	h := fnv.New64a()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(endpoint))
	sum := h.Sum64()
	return int64(sum)
}

// LockKey acquires a single transaction-scoped advisory lock for
// (namespace, key), used where a single resource (a metering account)
// needs serialized read-modify-write rather than a pair.
func LockKey(ctx context.Context, tx pgx.Tx, namespace, key string) error {
	_, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", AdvisoryLockKey(namespace, key))
	return err
}

// LockEndpointPair acquires transaction-scoped advisory locks on both
// endpoints, sorted lexicographically first so two concurrent writers
// racing to create the same cycle always acquire in the same order and
// one of them blocks rather than deadlocks. Locks are released
// automatically on commit or rollback (pg_advisory_xact_lock).
func LockEndpointPair(ctx context.Context, tx pgx.Tx, namespace, endpointA, endpointB string) error {
	first, second := endpointA, endpointB
	if second < first {
		first, second = second, first
	}

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", AdvisoryLockKey(namespace, first)); err != nil {
		return err
	}
	if first == second {
		return nil
	}
	_, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", AdvisoryLockKey(namespace, second))
	return err
}
